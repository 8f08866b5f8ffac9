package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// promScope is a Scope backed by a shared prometheus.Registerer. path is
// the dot-joined scope prefix ("" at the root, "statsd.connections.udp"
// for a deeply nested scope); counters are registered under
// "statsrelay_<path_with_underscores>".
type promScope struct {
	reg  prometheus.Registerer
	path string

	mu       *sync.Mutex
	counters map[string]prometheus.Counter
}

// NewPrometheusScope returns the root Scope, registering all counters
// against reg. Pass prometheus.DefaultRegisterer to expose metrics on the
// default /metrics handler.
func NewPrometheusScope(reg prometheus.Registerer) Scope {
	return &promScope{
		reg:      reg,
		path:     "",
		mu:       &sync.Mutex{},
		counters: make(map[string]prometheus.Counter),
	}
}

func (s *promScope) Scope(name string) Scope {
	child := name
	if s.path != "" {
		child = s.path + "." + name
	}
	return &promScope{
		reg:      s.reg,
		path:     child,
		mu:       s.mu,
		counters: s.counters,
	}
}

func (s *promScope) Counter(name string) Counter {
	full := name
	if s.path != "" {
		full = s.path + "." + name
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[full]; ok {
		return c
	}

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "statsrelay_" + sanitize(full),
		Help: "statsrelay counter " + full,
	})
	// A counter with this name may already be registered by an earlier,
	// structurally-identical scope (e.g. two duplication targets sharing
	// a metric name); AlreadyRegisteredError carries the existing
	// collector, which is safe to reuse.
	if err := s.reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c = are.ExistingCollector.(prometheus.Counter)
		}
	}
	s.counters[full] = c
	return c
}

func sanitize(path string) string {
	return strings.NewReplacer(".", "_", "-", "_", ":", "_", " ", "_").Replace(path)
}
