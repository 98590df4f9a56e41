package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
	"golang.org/x/exp/slog"

	"github.com/hausware/owz-exporter/internal/exporter"
	"github.com/hausware/owz-exporter/internal/owz"
	"github.com/hausware/owz-exporter/pkg/models"
)

const (
	defaultInterval = 120 * time.Second
	defaultTimeout  = 30 * time.Second
	defaultPort     = 9100
	defaultPath     = "/metrics"
)

// defaultDatapoints is the plant-item table of the OWZ controller. It can
// be replaced wholesale with a `datapoints` list in the config file.
var defaultDatapoints = []models.DataPoint{
	{ID: 2420, Name: "owz_aussentemperatur", Help: "Außentemperatur in °C"},
	{ID: 2422, Name: "owz_vorlauftemperatur_ist_hk1", Help: "Vorlauftemperatur Istwert Heizkreis 1 in °C"},
	{ID: 2425, Name: "owz_vorlauftemperatur_ist_hk2", Help: "Vorlauftemperatur Istwert Heizkreis 2 in °C"},
	{ID: 2433, Name: "owz_trinkwasser_ist_b3", Help: "Trinkwassertemperatur-Istwert Oben (B3) in °C"},
	{ID: 2436, Name: "owz_pufferspeicher_ist_b4", Help: "Pufferspeichertemperatur-Istwert Oben (B4) in °C"},
	{ID: 2438, Name: "owz_ruecklauftemperatur_wp", Help: "Rücklauftemperatur Wärmepumpe in °C"},
	{ID: 2440, Name: "owz_vorlauftemperatur_wp", Help: "Vorlauftemperatur Wärmepumpe in °C"},
}

// initConfig loads config to `ko` object. The config file is optional
// unless `--config` is passed explicitly; environment variables override
// file values.
func initConfig(cfgDefault string) (*koanf.Koanf, error) {
	var (
		ko = koanf.New(".")
		f  = flag.NewFlagSet("owz-exporter", flag.ContinueOnError)
	)

	// Configure Flags.
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	// Register `--config` flag.
	cfgPath := f.String("config", cfgDefault, "Path to a config file to load.")

	// Parse and Load Flags.
	err := f.Parse(os.Args[1:])
	if err != nil {
		return nil, err
	}

	// Load the config file if it exists. A missing default file is fine,
	// a missing explicitly requested file is not.
	if _, err := os.Stat(*cfgPath); err == nil {
		if err := ko.Load(file.Provider(*cfgPath), configParser(*cfgPath)); err != nil {
			return nil, err
		}
	} else if f.Changed("config") {
		return nil, fmt.Errorf("config file %q not found", *cfgPath)
	}

	// Merge `APP_*` environment variables under the `app.` namespace,
	// eg. APP_BASE_URL -> app.base_url.
	err = ko.Load(env.Provider("APP_", ".", func(s string) string {
		return "app." + strings.ToLower(strings.TrimPrefix(s, "APP_"))
	}), nil)
	if err != nil {
		return nil, err
	}

	// Merge `PROMETHEUS_*` the same way, eg. PROMETHEUS_PORT -> prometheus.port.
	err = ko.Load(env.Provider("PROMETHEUS_", ".", func(s string) string {
		return "prometheus." + strings.ToLower(strings.TrimPrefix(s, "PROMETHEUS_"))
	}), nil)
	if err != nil {
		return nil, err
	}

	return ko, nil
}

// configParser picks the parser for a config file based on its extension.
func configParser(path string) koanf.Parser {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return yaml.Parser()
	default:
		return toml.Parser()
	}
}

// initLogger initialies a logger.
func initLogger(lvl string) *slog.Logger {
	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelInfo,
	}
	switch strings.ToLower(lvl) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "error":
		opts.Level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &opts).WithAttrs([]slog.Attr{slog.String("component", "owz-exporter")}))
}

// initDatapoints returns the datapoint table to monitor, either the
// built-in OWZ one or a replacement from the config file.
func initDatapoints(ko *koanf.Koanf) ([]models.DataPoint, error) {
	if !ko.Exists("datapoints") {
		return defaultDatapoints, nil
	}

	var datapoints []models.DataPoint
	if err := ko.Unmarshal("datapoints", &datapoints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal datapoints: %v", err)
	}

	if len(datapoints) == 0 {
		return nil, fmt.Errorf("no datapoints found in the config")
	}
	for _, dp := range datapoints {
		if dp.ID <= 0 || dp.Name == "" {
			return nil, fmt.Errorf("datapoint needs an id and a name: %+v", dp)
		}
	}

	return datapoints, nil
}

// initOWZManager initialises the appliance client.
func initOWZManager(ko *koanf.Koanf, lo *slog.Logger) (*owz.Manager, error) {
	for _, key := range []string{"app.base_url", "app.username", "app.password"} {
		if ko.String(key) == "" {
			return nil, fmt.Errorf("missing required config: %s", key)
		}
	}

	timeout := defaultTimeout
	if ko.Exists("app.timeout") {
		timeout = time.Duration(ko.Int("app.timeout")) * time.Second
	}

	return owz.New(lo, owz.Opts{
		BaseURL:  strings.TrimSuffix(ko.String("app.base_url"), "/"),
		Username: ko.String("app.username"),
		Password: ko.String("app.password"),
		Timeout:  timeout,
	})
}

// initServer initialises the metrics HTTP server.
func initServer(ko *koanf.Koanf, lo *slog.Logger, registry *exporter.Registry) *exporter.Server {
	port := ko.Int("prometheus.port")
	if port == 0 {
		port = defaultPort
	}

	path := ko.String("prometheus.path")
	if path == "" {
		path = defaultPath
	}

	return exporter.NewServer(lo, port, path, registry)
}

func initOpts(ko *koanf.Koanf) Opts {
	interval := defaultInterval
	if ko.Exists("app.interval") {
		interval = time.Duration(ko.Int("app.interval")) * time.Second
	}

	return Opts{
		Interval: interval,
	}
}
