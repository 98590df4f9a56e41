// Package exporter holds the Prometheus side of the exporter: a gauge per
// configured datapoint plus a handful of self-metrics, served over HTTP.
package exporter

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hausware/owz-exporter/pkg/models"
)

// Registry maps appliance plant-item ids to their Prometheus gauges. The
// key set is fixed at construction; the poll cycle is the only writer,
// scrapes read concurrently through the prometheus registry.
type Registry struct {
	promRegistry *prometheus.Registry
	gauges       map[int]prometheus.Gauge

	cyclesTotal      prometheus.Counter
	failedDatapoints prometheus.Gauge
	lastSuccess      prometheus.Gauge
}

func NewRegistry(datapoints []models.DataPoint) (*Registry, error) {
	promRegistry := prometheus.NewRegistry()

	r := &Registry{
		promRegistry: promRegistry,
		gauges:       make(map[int]prometheus.Gauge, len(datapoints)),
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "owz_cycles_total",
			Help: "Total number of poll cycles run against the appliance",
		}),
		failedDatapoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "owz_cycle_datapoints_failed",
			Help: "Number of datapoints that failed during the last poll cycle",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "owz_cycle_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last fully successful poll cycle",
		}),
	}

	for _, dp := range datapoints {
		if _, ok := r.gauges[dp.ID]; ok {
			return nil, fmt.Errorf("duplicate datapoint id: %d", dp.ID)
		}

		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: dp.Name,
			Help: dp.Help,
		})
		if err := promRegistry.Register(g); err != nil {
			return nil, fmt.Errorf("failed to register gauge %q: %w", dp.Name, err)
		}
		r.gauges[dp.ID] = g
	}

	promRegistry.MustRegister(r.cyclesTotal, r.failedDatapoints, r.lastSuccess)

	return r, nil
}

// Set stores the current value for a datapoint. A fetch failure never calls
// Set, so the gauge keeps its last known value.
func (r *Registry) Set(id int, value float64) error {
	g, ok := r.gauges[id]
	if !ok {
		return fmt.Errorf("unknown datapoint id: %d", id)
	}
	g.Set(value)
	return nil
}

// RecordCycle updates the exporter self-metrics after a poll cycle. A
// cycle that never got past login counts every datapoint as failed so it
// is distinguishable from a successful cycle.
func (r *Registry) RecordCycle(res models.CycleResult, nowUnix float64) {
	r.cyclesTotal.Inc()

	failed := res.Failed
	if res.AuthFailed {
		failed = len(r.gauges)
	}
	r.failedDatapoints.Set(float64(failed))

	if !res.AuthFailed && res.Failed == 0 {
		r.lastSuccess.Set(nowUnix)
	}
}

// Gatherer exposes the underlying registry for the HTTP handler and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.promRegistry
}
