package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/hausware/owz-exporter/internal/exporter"
	"github.com/hausware/owz-exporter/internal/owz"
	"github.com/hausware/owz-exporter/pkg/models"
)

var testDatapoints = []models.DataPoint{
	{ID: 2420, Name: "owz_aussentemperatur", Help: "Außentemperatur in °C"},
	{ID: 2440, Name: "owz_vorlauftemperatur_wp", Help: "Vorlauftemperatur Wärmepumpe in °C"},
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, serverURL string, interval time.Duration) *App {
	t.Helper()

	registry, err := exporter.NewRegistry(testDatapoints)
	require.NoError(t, err)

	owzMgr, err := owz.New(testLogger(), owz.Opts{
		BaseURL:  serverURL,
		Username: "admin",
		Password: "secret",
	})
	require.NoError(t, err)

	return &App{
		lo:         testLogger(),
		opts:       Opts{Interval: interval},
		owzMgr:     owzMgr,
		registry:   registry,
		datapoints: testDatapoints,
	}
}

func gaugeValue(t *testing.T, registry *exporter.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %q not found", name)
	return 0
}

// applianceHandler serves the login and getDp endpoints with values from
// the given table. Ids listed in failing answer with a 500.
func applianceHandler(values map[string]string, failing map[string]bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/main.app":
			w.WriteHeader(http.StatusOK)
		case "/ajax.app":
			id := r.URL.Query().Get("plantItemId")
			if failing[id] {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"value": "` + values[id] + `"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestRunCycle_AllSuccess(t *testing.T) {
	ts := httptest.NewServer(applianceHandler(map[string]string{
		"2420": "-1.5",
		"2440": "41.0",
	}, nil))
	defer ts.Close()

	app := newTestApp(t, ts.URL, time.Minute)
	res := app.runCycle(context.Background())

	require.Equal(t, 2, res.Attempted)
	require.Equal(t, 0, res.Failed)
	require.False(t, res.AuthFailed)
	require.Equal(t, -1.5, gaugeValue(t, app.registry, "owz_aussentemperatur"))
	require.Equal(t, 41.0, gaugeValue(t, app.registry, "owz_vorlauftemperatur_wp"))
}

func TestRunCycle_PartialFailureRetainsValue(t *testing.T) {
	values := map[string]string{"2420": "-1.5", "2440": "41.0"}
	failing := map[string]bool{}

	ts := httptest.NewServer(applianceHandler(values, failing))
	defer ts.Close()

	app := newTestApp(t, ts.URL, time.Minute)

	res := app.runCycle(context.Background())
	require.Equal(t, 0, res.Failed)

	// Second cycle: one datapoint breaks, the other moves.
	failing["2420"] = true
	values["2440"] = "43.5"

	res = app.runCycle(context.Background())
	require.Equal(t, 2, res.Attempted)
	require.Equal(t, 1, res.Failed)

	// Failed gauge keeps its last known value, the other one updates.
	require.Equal(t, -1.5, gaugeValue(t, app.registry, "owz_aussentemperatur"))
	require.Equal(t, 43.5, gaugeValue(t, app.registry, "owz_vorlauftemperatur_wp"))
}

func TestRunCycle_LoginFailureSkipsFetches(t *testing.T) {
	var fetches atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/main.app":
			w.WriteHeader(http.StatusForbidden)
		case "/ajax.app":
			fetches.Add(1)
			w.Write([]byte(`{"value": "1"}`))
		}
	}))
	defer ts.Close()

	app := newTestApp(t, ts.URL, time.Minute)
	res := app.runCycle(context.Background())

	require.True(t, res.AuthFailed)
	require.Equal(t, 0, res.Attempted)
	require.EqualValues(t, 0, fetches.Load())
	require.Equal(t, 0.0, gaugeValue(t, app.registry, "owz_aussentemperatur"))
}

func TestCycleWait(t *testing.T) {
	ok := models.CycleResult{Attempted: 2}
	authFailed := models.CycleResult{AuthFailed: true}

	// Fast cycle: sleep the remainder of the interval.
	require.Equal(t, 90*time.Second, cycleWait(ok, 30*time.Second, 2*time.Minute))

	// Cycle as long as or longer than the interval: next start is immediate,
	// never a negative sleep.
	require.Equal(t, time.Duration(0), cycleWait(ok, 2*time.Minute, 2*time.Minute))
	require.Equal(t, time.Duration(0), cycleWait(ok, 5*time.Minute, 2*time.Minute))

	// Failed login: wait the lesser of the interval and the 60s cap,
	// regardless of how long the cycle took.
	require.Equal(t, 60*time.Second, cycleWait(authFailed, time.Second, 2*time.Minute))
	require.Equal(t, 10*time.Second, cycleWait(authFailed, time.Second, 10*time.Second))
}

func TestRunCycle_RecoversFromPanic(t *testing.T) {
	registry, err := exporter.NewRegistry(testDatapoints)
	require.NoError(t, err)

	// A nil manager makes the cycle blow up past the error-return paths;
	// the cycle must absorb it and report a fully failed cycle.
	app := &App{
		lo:         testLogger(),
		opts:       Opts{Interval: time.Minute},
		owzMgr:     nil,
		registry:   registry,
		datapoints: testDatapoints,
	}

	var res models.CycleResult
	require.NotPanics(t, func() {
		res = app.runCycle(context.Background())
	})

	require.Equal(t, len(testDatapoints), res.Attempted)
	require.Equal(t, len(testDatapoints), res.Failed)
}

func TestWorker_RepeatsAndStopsOnCancel(t *testing.T) {
	var logins atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/main.app" {
			logins.Add(1)
		}
		w.Write([]byte(`{"value": "1"}`))
	}))
	defer ts.Close()

	app := newTestApp(t, ts.URL, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go app.worker(ctx, wg)

	require.Eventually(t, func() bool {
		return logins.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestWorker_ShortBackoffOnAuthFailure(t *testing.T) {
	var logins atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/main.app" {
			logins.Add(1)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	// The backoff after a failed login is capped by the interval, so even
	// with failing logins the worker keeps retrying on cadence.
	app := newTestApp(t, ts.URL, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go app.worker(ctx, wg)

	require.Eventually(t, func() bool {
		return logins.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
}
