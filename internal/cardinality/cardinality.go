// Package cardinality implements the approximate-membership admission
// filter used to bound the number of distinct metric identities a relay
// will keep forwarding: a rolling set of cuckoo filters with staggered
// expiries, admitting a never-seen identity only while the oldest bucket
// is still under its configured size limit.
package cardinality

import (
	"sync"
	"sync/atomic"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/sirupsen/logrus"

	"github.com/firestige/statsrelay/internal/metrics"
	"github.com/firestige/statsrelay/internal/statsd"
)

// defaultCapacity mirrors the Rust implementation's DEFAULT_CAPACITY: each
// bucket is sized for a few thousand distinct identities. The cuckoo
// filter does not grow; once a bucket is full, further inserts into it
// fail and are ignored until that bucket is rotated out.
const defaultCapacity = 1 << 12

// Config describes one cardinality-limiting gate.
type Config struct {
	// SizeLimit bounds the oldest bucket: new identities are refused once
	// it holds more than SizeLimit distinct identities.
	SizeLimit int

	// RotateAfter is the window each bucket stays live before the oldest
	// is retired and a fresh one appended.
	RotateAfter time.Duration

	// Buckets is the number of live sub-filters kept at once. Every
	// insert is applied to all of them; only the oldest is consulted for
	// both the contains-check and the size limit, so an identity stays
	// admitted for roughly Buckets*RotateAfter after it's last seen.
	Buckets int
}

type timeBoundedFilter struct {
	filter     *cuckoo.Filter
	validUntil time.Time
}

// Gate is one cardinality-limiting admission filter. Safe for concurrent
// use; every operation takes an internal lock since the cuckoo filter
// itself is not.
type Gate struct {
	mu      sync.Mutex
	buckets []*timeBoundedFilter
	window  time.Duration
	limit   int

	flagged      metrics.Counter
	refusalCount atomic.Uint64
}

// New builds a Gate with cfg.Buckets live sub-filters, their expiries
// staggered one window apart starting from now.
func New(scope metrics.Scope, cfg Config, now time.Time) *Gate {
	if cfg.Buckets <= 0 {
		cfg.Buckets = 1
	}
	if scope == nil {
		scope = metrics.NewNoopScope()
	}

	g := &Gate{
		window:  cfg.RotateAfter,
		limit:   cfg.SizeLimit,
		flagged: scope.Counter("flagged_metrics"),
	}
	for i := 1; i <= cfg.Buckets; i++ {
		g.buckets = append(g.buckets, &timeBoundedFilter{
			filter:     cuckoo.NewFilter(defaultCapacity),
			validUntil: now.Add(g.window * time.Duration(i)),
		})
	}
	return g
}

// identity is the byte key a PDU is admitted or refused under: its name,
// type, and tags, but never its value — two samples for the same metric
// are the same identity regardless of what they measured.
func identity(pdu statsd.PDU) []byte {
	out := make([]byte, 0, len(pdu.Name())+1+len(pdu.Type())+1+len(pdu.Tags()))
	out = append(out, pdu.Name()...)
	out = append(out, '|')
	out = append(out, pdu.Type()...)
	out = append(out, '|')
	out = append(out, pdu.Tags()...)
	return out
}

// Admit reports whether pdu's identity should be forwarded. An identity
// already present in the oldest bucket is always re-admitted (and
// refreshed into every bucket); a never-seen identity is admitted only
// while the oldest bucket's count is still within the configured limit.
// Refused identities are counted and rate-limited-logged (every 1000th
// refusal, mirroring backend.Target.Provide's drop-logging) rather than
// logged per-sample, so a high-cardinality source never also becomes a
// high-volume log source.
func (g *Gate) Admit(pdu statsd.PDU) bool {
	key := identity(pdu)

	g.mu.Lock()
	defer g.mu.Unlock()

	oldest := g.buckets[0].filter
	seen := oldest.Lookup(key)
	if !seen && int(oldest.Count()) > g.limit {
		g.flagged.Inc()

		count := g.refusalCount.Add(1)
		if count%1000 == 1 {
			logrus.WithFields(logrus.Fields{
				"name":     string(pdu.Name()),
				"refusals": count,
			}).Warn("refusing PDU: cardinality limit reached")
		}
		return false
	}

	for _, b := range g.buckets {
		b.filter.InsertUnique(key)
	}
	return true
}

// Tick retires the oldest bucket if its validUntil has passed and appends
// a fresh one, keeping the bucket count constant. At most one bucket is
// retired per call. Intended to be called
// periodically (e.g. once per RotateAfter) from the relay's background
// maintenance loop.
func (g *Gate) Tick(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Before(g.buckets[0].validUntil) {
		return
	}

	g.buckets = append(g.buckets[1:], &timeBoundedFilter{
		filter:     cuckoo.NewFilter(defaultCapacity),
		validUntil: now.Add(g.window * time.Duration(len(g.buckets)+1)),
	})
	logrus.Debug("cardinality filter rotated")
}
