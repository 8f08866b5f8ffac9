package metrics

import "sync/atomic"

// noopCounter discards its value but keeps a readable tally for tests that
// want to assert on counter increments without standing up a registry.
type noopCounter struct {
	value atomic.Uint64
}

func (c *noopCounter) Inc() { c.value.Add(1) }

func (c *noopCounter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.value.Add(uint64(delta))
}

// Value returns the accumulated count, for test assertions.
func (c *noopCounter) Value() uint64 { return c.value.Load() }

type noopScope struct{}

// NewNoopScope returns a Scope whose counters are cheap in-memory tallies,
// useful in tests that exercise client/backend/cardinality code without a
// Prometheus registry.
func NewNoopScope() Scope { return noopScope{} }

func (noopScope) Counter(_ string) Counter { return &noopCounter{} }
func (noopScope) Scope(_ string) Scope     { return noopScope{} }
