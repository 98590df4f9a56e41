package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hausware/owz-exporter/internal/exporter"
)

var (
	// Version of the build. This is injected at build-time.
	buildString = "unknown"
	exit        = func() { os.Exit(1) }
)

func main() {
	// Initialise and load the config.
	ko, err := initConfig("config.sample.toml")
	if err != nil {
		panic(err.Error())
	}

	lo := initLogger(ko.String("app.log_level"))
	lo.Info("booting owz-exporter version", "version", buildString)

	datapoints, err := initDatapoints(ko)
	if err != nil {
		lo.Error("failed to init datapoints", "error", err)
		exit()
	}

	registry, err := exporter.NewRegistry(datapoints)
	if err != nil {
		lo.Error("failed to init metric registry", "error", err)
		exit()
	}

	owzMgr, err := initOWZManager(ko, lo)
	if err != nil {
		lo.Error("failed to init owz manager", "error", err)
		exit()
	}

	srv := initServer(ko, lo, registry)

	// Init the app.
	app := &App{
		lo:         lo,
		opts:       initOpts(ko),
		owzMgr:     owzMgr,
		registry:   registry,
		datapoints: datapoints,
	}

	// Create a new context which is cancelled when `SIGINT`/`SIGTERM` is received.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var wg = &sync.WaitGroup{}

	// Start the metrics server before the poll loop so scrapers can
	// connect from the first cycle on.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil {
			lo.Error("metrics server failed", "error", err)
			exit()
		}
	}()

	// Start the worker in background.
	wg.Add(1)
	go app.worker(ctx, wg)

	// Listen on the close channel indefinitely until a
	// `SIGINT` or `SIGTERM` is received.
	<-ctx.Done()
	// Cancel the context to gracefully shutdown and perform
	// any cleanup tasks.
	cancel()
	// Wait for all workers to finish.
	wg.Wait()

	app.lo.Info("shutting down")
}
