package exporter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
)

// Server serves the registry's current values to scrapers.
type Server struct {
	lo     *slog.Logger
	addr   string
	path   string
	server *http.Server
}

func NewServer(lo *slog.Logger, port int, path string, registry *Registry) *Server {
	mux := http.NewServeMux()
	addr := fmt.Sprintf(":%d", port)

	mux.Handle(path, promhttp.HandlerFor(
		registry.Gatherer(),
		promhttp.HandlerOpts{},
	))

	return &Server{
		lo:   lo,
		addr: addr,
		path: path,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start serves scrape requests until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		s.lo.Info("starting metrics server", "addr", s.addr, "path", s.path)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.lo.Info("shutting down metrics server")
	return s.server.Shutdown(ctx)
}
