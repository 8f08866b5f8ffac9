// Package daemon wires the relay's components — backends, ingress
// listeners, the admin server, and the optional cardinality gate — into
// a single process lifecycle: Start, graceful Stop, and SIGHUP-driven
// config Reload.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/firestige/statsrelay/internal/admin"
	"github.com/firestige/statsrelay/internal/backend"
	"github.com/firestige/statsrelay/internal/cardinality"
	"github.com/firestige/statsrelay/internal/config"
	logpkg "github.com/firestige/statsrelay/internal/log"
	"github.com/firestige/statsrelay/internal/metrics"
	"github.com/firestige/statsrelay/internal/server"
	"github.com/firestige/statsrelay/internal/statsd"
)

// Relay owns every long-lived component of one relay process.
type Relay struct {
	configPath string
	config     *config.Config

	registry *prometheus.Registry
	scope    metrics.Scope
	backends *backend.Backends
	gate     *cardinality.Gate

	admin *admin.Server
	tcp   *server.TCP
	udp   *server.UDP

	cancel context.CancelFunc
	group  *errgroup.Group
}

// gatedProvider applies a cardinality admission check before handing a
// PDU to the underlying backend set: refused identities never reach any
// duplication target.
type gatedProvider struct {
	backends *backend.Backends
	gate     *cardinality.Gate
}

func (g gatedProvider) Provide(pdu statsd.PDU) {
	if !g.gate.Admit(pdu) {
		return
	}
	g.backends.Provide(pdu)
}

// New loads configuration from configPath and assembles a Relay ready
// to Run. It does not bind any sockets yet — that happens in Run, so
// that construction failures (bad config) and bind failures (port in
// use) are distinguishable to the caller.
func New(configPath string) (*Relay, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := logpkg.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	registry := prometheus.NewRegistry()
	scope := metrics.NewPrometheusScope(registry)

	backends := backend.NewBackends(scope.Scope("backend"))
	if len(cfg.Statsd.ShardMap) > 0 {
		if err := backends.AddTarget(backend.Config{
			Name:     "primary",
			ShardMap: cfg.Statsd.ShardMap,
		}); err != nil {
			return nil, fmt.Errorf("configure primary target: %w", err)
		}
	}
	for _, d := range cfg.DuplicateTo {
		if err := backends.AddTarget(backend.Config{
			Name:           d.Name,
			ShardMap:       d.ShardMap,
			Prefix:         d.Prefix,
			Suffix:         d.Suffix,
			InputFilter:    d.InputFilter,
			InputBlacklist: d.InputBlacklist,
		}); err != nil {
			return nil, fmt.Errorf("configure duplicate_to[%s]: %w", d.Name, err)
		}
	}

	var gate *cardinality.Gate
	if cfg.Cardinality != nil {
		gate = cardinality.New(scope.Scope("cardinality"), cardinality.Config{
			SizeLimit:   cfg.Cardinality.SizeLimit,
			RotateAfter: time.Duration(cfg.Cardinality.RotateAfterSeconds) * time.Second,
			Buckets:     cfg.Cardinality.Buckets,
		}, time.Now())
	}

	var provider server.Provider = backends
	if gate != nil {
		provider = gatedProvider{backends: backends, gate: gate}
	}

	r := &Relay{
		configPath: configPath,
		config:     cfg,
		registry:   registry,
		scope:      scope,
		backends:   backends,
		gate:       gate,
		tcp:        server.NewTCP(server.TCPConfig{Bind: cfg.Statsd.Bind}, provider, scope),
		udp:        server.NewUDP(server.UDPConfig{Bind: cfg.Statsd.Bind}, provider, scope),
	}
	if cfg.Admin.Enabled {
		r.admin = admin.NewServer(cfg.Admin.Listen, cfg.Admin.Path, registry)
	}
	return r, nil
}

// Run starts every component and blocks until a shutdown signal
// (SIGINT/SIGTERM) arrives or a component fails, then performs a
// graceful Stop. SIGHUP triggers Reload without stopping.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	group, gctx := errgroup.WithContext(ctx)
	r.group = group

	if r.admin != nil {
		if err := r.admin.Start(gctx); err != nil {
			cancel()
			return fmt.Errorf("start admin server: %w", err)
		}
	}

	group.Go(func() error { return r.tcp.Run(gctx) })
	group.Go(func() error { return r.udp.Run(gctx) })

	if r.gate != nil {
		group.Go(func() error { return r.runCardinalityTicker(gctx) })
	}

	logrus.Info("relay started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				if err := r.Reload(); err != nil {
					logrus.WithError(err).Error("config reload failed")
				}
			default:
				logrus.WithField("signal", sig).Info("received shutdown signal")
				return r.Stop()
			}
		case <-gctx.Done():
			return r.Stop()
		}
	}
}

func (r *Relay) runCardinalityTicker(ctx context.Context) error {
	window := time.Duration(r.config.Cardinality.RotateAfterSeconds) * time.Second
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.gate.Tick(time.Now())
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop cancels every component's context and waits for them to exit,
// then stops the admin server with a bounded grace period.
func (r *Relay) Stop() error {
	logrus.Info("stopping relay")
	if r.cancel != nil {
		r.cancel()
	}

	var groupErr error
	if r.group != nil {
		groupErr = r.group.Wait()
	}

	if r.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.admin.Stop(shutdownCtx); err != nil {
			logrus.WithError(err).Error("error stopping admin server")
		}
	}

	logrus.Info("relay stopped")
	return groupErr
}

// Reload re-reads configuration from disk and applies whatever can be
// changed without rebinding sockets: each duplication target's shard
// map (via backend.Target.Reload, which carries live connections
// forward) and the log level/format. Changing statsd.bind or
// admin.listen requires a process restart and is logged, not applied.
func (r *Relay) Reload() error {
	logrus.WithField("path", r.configPath).Info("reloading configuration")

	newCfg, err := config.Load(r.configPath)
	if err != nil {
		return fmt.Errorf("load new config: %w", err)
	}

	if newCfg.Statsd.Bind != r.config.Statsd.Bind {
		logrus.Warn("statsd.bind changed but requires a restart to take effect")
	}
	if r.admin != nil && newCfg.Admin.Listen != r.config.Admin.Listen {
		logrus.Warn("admin.listen changed but requires a restart to take effect")
	}

	if t, ok := r.backends.Target("primary"); ok {
		t.Reload(newCfg.Statsd.ShardMap, 0)
	}
	for _, d := range newCfg.DuplicateTo {
		if t, ok := r.backends.Target(d.Name); ok {
			t.Reload(d.ShardMap, 0)
		}
	}

	if err := logpkg.Init(newCfg.Log); err != nil {
		logrus.WithError(err).Error("failed to reinitialize logging, keeping previous settings")
	}

	r.config = newCfg
	logrus.Info("configuration reloaded")
	return nil
}
