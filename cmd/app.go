package main

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/hausware/owz-exporter/internal/exporter"
	"github.com/hausware/owz-exporter/internal/owz"
	"github.com/hausware/owz-exporter/pkg/models"
)

// authBackoffCap bounds the wait after a failed login so a down appliance
// is not hammered, without stretching a short configured interval.
const authBackoffCap = 60 * time.Second

type App struct {
	lo   *slog.Logger
	opts Opts

	owzMgr     *owz.Manager
	registry   *exporter.Registry
	datapoints []models.DataPoint
}

type Opts struct {
	Interval time.Duration
}

// worker runs poll cycles until the context is cancelled. The wait between
// cycle starts is the configured interval minus the time the cycle itself
// took, so the cadence stays fixed regardless of appliance latency.
func (app *App) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	app.lo.Info("starting worker", "interval", app.opts.Interval, "datapoints", len(app.datapoints))
	for {
		start := time.Now()

		res := app.runCycle(ctx)
		app.registry.RecordCycle(res, float64(time.Now().Unix()))

		wait := cycleWait(res, time.Since(start), app.opts.Interval)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			app.lo.Info("quitting worker")
			return
		}
	}
}

// cycleWait returns how long the worker sleeps before the next cycle
// start: the configured interval minus the elapsed cycle time, never
// negative, and capped after a failed login so a down appliance is
// retried promptly without being hammered.
func cycleWait(res models.CycleResult, elapsed, interval time.Duration) time.Duration {
	wait := interval - elapsed
	if res.AuthFailed {
		wait = min(interval, authBackoffCap)
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// runCycle performs one best-effort refresh of every gauge: login, then
// fetch each datapoint independently. A failed fetch leaves that gauge at
// its last known value and never aborts the remaining datapoints.
func (app *App) runCycle(ctx context.Context) (res models.CycleResult) {
	defer func() {
		if r := recover(); r != nil {
			app.lo.Error("unexpected error during cycle", "panic", r)
			if res.Attempted == 0 {
				res.Attempted = len(app.datapoints)
			}
			res.Failed = res.Attempted
		}
	}()

	if err := app.owzMgr.Login(ctx); err != nil {
		app.lo.Error("login failed, skipping cycle", "error", err)
		res.AuthFailed = true
		return res
	}

	res.Attempted = len(app.datapoints)
	for _, dp := range app.datapoints {
		value, err := app.owzMgr.FetchDataPoint(ctx, dp.ID)
		if err != nil {
			res.Failed++
			app.lo.Error("failed to fetch datapoint", "id", dp.ID, "metric", dp.Name, "error", err)
			continue
		}

		if err := app.registry.Set(dp.ID, value); err != nil {
			res.Failed++
			app.lo.Error("failed to update gauge", "id", dp.ID, "error", err)
			continue
		}
		app.lo.Debug("updated gauge", "metric", dp.Name, "value", value)
	}

	if res.Failed == 0 {
		app.lo.Info("successfully scraped all datapoints", "count", res.Attempted)
	} else {
		app.lo.Warn("failed to scrape datapoints", "failed", res.Failed, "total", res.Attempted)
	}

	return res
}
