// Package backend implements the duplication target and backend set: the
// shared, many-reader/rare-writer state a PDU is routed through on its way
// to the per-endpoint sender tasks in package client.
package backend

import (
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/firestige/statsrelay/internal/client"
	"github.com/firestige/statsrelay/internal/metrics"
	"github.com/firestige/statsrelay/internal/shard"
	"github.com/firestige/statsrelay/internal/statsd"
)

// Config describes one duplication target: a shard map plus optional
// per-target name transforms and an input filter.
type Config struct {
	Name string // for logging/metrics scoping only

	ShardMap []string

	Prefix string
	Suffix string

	// InputFilter and InputBlacklist are compiled into a single set of
	// regexes that admit a PDU if *any* of them match its name. This
	// preserves the upstream design's "admit if either matches" behavior
	// even though it may not be the intended semantics of a blacklist —
	// see Open Question in SPEC_FULL.md §9 and DESIGN.md.
	InputFilter    string
	InputBlacklist string

	QueueCapacity int
}

// Target is one downstream duplication target: a ring of client handles
// plus the per-target transforms and filter from Config.
type Target struct {
	name   string
	prefix []byte
	suffix []byte

	inputFilter []*regexp.Regexp

	mu   sync.RWMutex
	ring shard.Ring[client.Client]

	warningCount atomic.Uint64

	scope metrics.Scope
}

// NewTarget builds a Target, starting one sender task per distinct
// endpoint in cfg.ShardMap (endpoints repeated in the shard map share a
// single underlying task, deduplicated by string equality).
func NewTarget(cfg Config, scope metrics.Scope) (*Target, error) {
	filters, err := compileFilters(cfg.InputBlacklist, cfg.InputFilter)
	if err != nil {
		return nil, err
	}
	if scope == nil {
		scope = metrics.NewNoopScope()
	}

	t := &Target{
		name:        cfg.Name,
		prefix:      []byte(cfg.Prefix),
		suffix:      []byte(cfg.Suffix),
		inputFilter: filters,
		scope:       scope.Scope(cfg.Name),
	}

	ring := buildRing(cfg.ShardMap, cfg.QueueCapacity, t.scope, nil)
	t.ring = ring
	return t, nil
}

func compileFilters(patterns ...string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// buildRing constructs a ring of clients for shardMap, reusing any client
// already present in existing for the same endpoint (so reload can carry
// live connections forward instead of reconnecting).
func buildRing(shardMap []string, queueCapacity int, scope metrics.Scope, existing map[string]client.Client) shard.Ring[client.Client] {
	memo := make(map[string]client.Client, len(shardMap))
	clients := make([]client.Client, 0, len(shardMap))
	for _, endpoint := range shardMap {
		if c, ok := memo[endpoint]; ok {
			clients = append(clients, c)
			continue
		}
		c, reused := existing[endpoint]
		if !reused {
			c = client.New(client.Config{
				Endpoint:      endpoint,
				QueueCapacity: queueCapacity,
				Scope:         scope,
			})
		}
		memo[endpoint] = c
		clients = append(clients, c)
	}
	return shard.New(clients)
}

// Provide routes one PDU: filter, place on the ring, apply prefix/suffix,
// and hand it to the chosen client's queue. Never blocks (see
// client.Client.TrySend); a full queue is counted and rate-limited-logged,
// never retried.
func (t *Target) Provide(pdu statsd.PDU) {
	if len(t.inputFilter) > 0 && !t.matchesFilter(pdu.Name()) {
		return
	}

	t.mu.RLock()
	ring := t.ring
	t.mu.RUnlock()

	if ring.Len() == 0 {
		return
	}

	code := shard.Placement(pdu.Name(), ring.Len())
	c := ring.Pick(code)

	out := pdu
	if len(t.prefix) > 0 || len(t.suffix) > 0 {
		out = pdu.WithPrefixSuffix(t.prefix, t.suffix)
	}

	if c.TrySend(out) {
		return
	}

	count := t.warningCount.Add(1)
	if count%1000 == 1 {
		logrus.WithFields(logrus.Fields{
			"target":   t.name,
			"endpoint": c.Endpoint(),
			"failures": count,
		}).Warn("dropping PDU: sender queue full")
	}
}

func (t *Target) matchesFilter(name []byte) bool {
	for _, re := range t.inputFilter {
		if re.Match(name) {
			return true
		}
	}
	return false
}

// Reload replaces this target's ring with one built from newShardMap,
// reusing clients (and their live connections/queues) for any endpoint
// present in both the old and new maps. Concurrent Provide calls observe
// either the fully-old or fully-new ring, never a partial one: the swap
// happens under a single write-lock critical section that does nothing
// but exchange a value.
func (t *Target) Reload(newShardMap []string, queueCapacity int) {
	t.mu.RLock()
	oldRing := t.ring
	t.mu.RUnlock()

	existing := make(map[string]client.Client, oldRing.Len())
	for i := 0; i < oldRing.Len(); i++ {
		c := oldRing.Pick(uint32(i))
		existing[c.Endpoint()] = c
	}

	newRing := buildRing(newShardMap, queueCapacity, t.scope, existing)

	t.mu.Lock()
	t.ring = newRing
	t.mu.Unlock()

	// Close any client not carried into the new ring. Its task drains
	// its queue and exits; since reads above captured their own Ring
	// value before this point, no in-flight Provide/TrySend can ever be
	// holding a client we are about to close and then still try to use
	// it after the close — the close only stops *future* routing, which
	// is already guaranteed by the ring swap above.
	newEndpoints := make(map[string]struct{}, len(newShardMap))
	for _, e := range newShardMap {
		newEndpoints[e] = struct{}{}
	}
	for endpoint, c := range existing {
		if _, stillUsed := newEndpoints[endpoint]; !stillUsed {
			c.Close()
		}
	}

	logrus.WithField("target", t.name).WithField("endpoints", len(newShardMap)).Info("reloaded duplication target")
}
