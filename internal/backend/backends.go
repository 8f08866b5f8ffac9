package backend

import (
	"sync"

	"github.com/firestige/statsrelay/internal/metrics"
	"github.com/firestige/statsrelay/internal/statsd"
)

// Backends is the cloneable, shared container holding every configured
// duplication target. A single ingested PDU is offered to every target
// independently (spec.md §3): within a target it is routed to exactly one
// ring slot, but across targets it is unconditionally duplicated.
type Backends struct {
	mu      sync.RWMutex
	targets map[string]*Target
	scope   metrics.Scope
}

// NewBackends returns an empty backend set.
func NewBackends(scope metrics.Scope) *Backends {
	if scope == nil {
		scope = metrics.NewNoopScope()
	}
	return &Backends{targets: make(map[string]*Target), scope: scope}
}

// AddTarget registers a new duplication target under cfg.Name, starting
// its sender tasks. Returns an error only for target construction
// failures (e.g. a malformed input_filter regex) — config problems are
// control-plane errors per spec.md §7 and are fatal at startup.
func (b *Backends) AddTarget(cfg Config) error {
	t, err := NewTarget(cfg, b.scope)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.targets[cfg.Name] = t
	b.mu.Unlock()
	return nil
}

// Target returns the named target, if configured, for reload operations.
func (b *Backends) Target(name string) (*Target, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.targets[name]
	return t, ok
}

// Provide offers pdu to every configured target.
func (b *Backends) Provide(pdu statsd.PDU) {
	b.mu.RLock()
	targets := make([]*Target, 0, len(b.targets))
	for _, t := range b.targets {
		targets = append(targets, t)
	}
	b.mu.RUnlock()

	for _, t := range targets {
		t.Provide(pdu)
	}
}
