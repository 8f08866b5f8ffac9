// Package admin implements the relay's introspection HTTP server: a
// Prometheus /metrics endpoint and a /healthz liveness probe, served
// alongside the statsd ingress paths rather than in front of them.
package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server is the admin HTTP server.
type Server struct {
	addr   string
	path   string
	reg    *prometheus.Registry
	server *http.Server
}

// NewServer creates an admin server bound to addr, serving Prometheus
// metrics gathered from reg at path (default "/metrics") and a /healthz
// endpoint that always returns 200 once the process has reached the
// serving state.
func NewServer(addr, path string, reg *prometheus.Registry) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{addr: addr, path: path, reg: reg}
}

// Start begins serving in the background. It returns once the listener is
// known to be set up; ListenAndServe errors after that point are logged,
// not returned, matching the fire-and-forget lifecycle of a sidecar
// server that should never take the whole process down.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	gatherer := prometheus.Gatherer(s.reg)
	mux.Handle(s.path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin server listen: %w", err)
	}

	logrus.WithFields(logrus.Fields{"addr": s.addr, "path": s.path}).Info("starting admin server")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("admin server error")
		}
	}()

	return nil
}

// Stop gracefully stops the admin server, waiting up to 5s for
// in-flight requests to finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	logrus.Info("stopping admin server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}

	logrus.Info("admin server stopped")
	return nil
}
