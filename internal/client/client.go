// Package client implements the per-endpoint sender task: the long-lived
// worker that owns one TCP connection to a downstream statsd aggregator,
// write-combines PDUs into batches, and recovers from partial writes and
// disconnects. One Client handle is created per distinct endpoint per
// duplication target (see package backend); endpoints are never shared
// across targets.
package client

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/firestige/statsrelay/internal/metrics"
	"github.com/firestige/statsrelay/internal/statsd"
)

// Tunables pinned by spec: cross-fleet behavior depends on every relay
// instance using the same timing, so these are not configurable.
const (
	// DefaultQueueCapacity is the bounded receive-queue size used when a
	// Config does not override it.
	DefaultQueueCapacity = 100000

	connectTimeout = 15 * time.Second
	reconnectDelay = 5 * time.Second
	sendDelay      = 500 * time.Millisecond
	sendThreshold  = 10 * 1024
	initialBufCap  = sendThreshold + 1024
	flushQueueCap  = 10
)

// Dialer opens the TCP connection to a Client's endpoint. Tests substitute
// a fake dialer to exercise reconnect/partial-write behavior without a
// real socket.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

func defaultDialer() Dialer {
	d := &net.Dialer{}
	return d.DialContext
}

// Config configures a single sender task.
type Config struct {
	Endpoint      string
	QueueCapacity int // 0 uses DefaultQueueCapacity
	Scope         metrics.Scope
	Dial          Dialer // nil uses a real net.Dialer
}

// stopSignal is shared by every clone of a Client; the first Close() wins
// and the task observes it at its next select iteration.
type stopSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newStopSignal() *stopSignal {
	return &stopSignal{ch: make(chan struct{})}
}

func (s *stopSignal) trigger() { s.once.Do(func() { close(s.ch) }) }

// Client is a cheaply-cloneable handle to one sender task. Cloning shares
// the endpoint string, the bounded queue, and the shutdown signal — the
// task behind it keeps running for as long as any clone might still send,
// and stops once Close is called (by whichever owner, e.g. backend.Target
// on reload, decides this endpoint is no longer reachable).
type Client struct {
	endpoint string
	queue    chan statsd.PDU
	stop     *stopSignal
}

// New starts a sender task for endpoint and returns a handle to it.
func New(cfg Config) Client {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	scope := cfg.Scope
	if scope == nil {
		scope = metrics.NewNoopScope()
	}
	dial := cfg.Dial
	if dial == nil {
		dial = defaultDialer()
	}

	c := Client{
		endpoint: cfg.Endpoint,
		queue:    make(chan statsd.PDU, capacity),
		stop:     newStopSignal(),
	}

	t := &task{
		endpoint: cfg.Endpoint,
		queue:    c.queue,
		stop:     c.stop.ch,
		scope:    scope.Scope(cfg.Endpoint),
		dial:     dial,
	}
	go t.run()
	return c
}

// Endpoint returns the host:port this client sends to.
func (c Client) Endpoint() string { return c.endpoint }

// TrySend offers pdu to the receive queue without blocking. It returns
// false if the queue is full, in which case the caller is responsible for
// counting/logging the drop (see backend.Target.Provide) — TrySend itself
// never blocks and never logs, matching the "drop-don't-block" invariant.
func (c Client) TrySend(pdu statsd.PDU) bool {
	select {
	case c.queue <- pdu:
		return true
	default:
		return false
	}
}

// Close signals this client's sender task to drain its queue and exit.
// Safe to call multiple times and from multiple clones; only the first
// call has an effect. Close does not block for the task to actually
// finish — it only requests shutdown.
func (c Client) Close() { c.stop.trigger() }

// task owns the TCP connection and the write-combining buffer for one
// endpoint. It is not exported: callers only ever interact through Client.
type task struct {
	endpoint string
	queue    <-chan statsd.PDU
	stop     <-chan struct{}
	scope    metrics.Scope
	dial     Dialer
}

func (t *task) run() {
	log := logrus.WithField("endpoint", t.endpoint)

	connectionsFailed := t.scope.Counter("connections_failed")
	connectionsAborted := t.scope.Counter("connections_aborted")
	bytesSent := t.scope.Counter("bytes_sent")
	delayedSends := t.scope.Counter("delayed_sends")
	backoffSends := t.scope.Counter("send_backoff")

	flushCh := make(chan []byte, flushQueueCap)
	writerDone := make(chan struct{})
	go t.write(flushCh, writerDone, connectionsFailed, connectionsAborted, bytesSent)

	buf := make([]byte, 0, initialBufCap)
	ticker := time.NewTicker(sendDelay)
	defer ticker.Stop()

	flush := func() {
		if len(buf) == 0 {
			return
		}
		flushCh <- buf
		buf = make([]byte, 0, initialBufCap)
	}

	for {
		select {
		case pdu := <-t.queue:
			buf = append(buf, pdu.Bytes()...)
			buf = append(buf, '\n')
			if len(buf) < sendThreshold {
				backoffSends.Inc()
				continue
			}
			flush()

		case <-ticker.C:
			if len(buf) == 0 {
				continue
			}
			delayedSends.Inc()
			flush()

		case <-t.stop:
			// Drain whatever is already buffered in the queue (best
			// effort; any send racing in after this point is silently
			// lost, which is acceptable for a lossy protocol and avoids
			// ever closing a channel other goroutines might still be
			// sending on).
		drain:
			for {
				select {
				case pdu := <-t.queue:
					buf = append(buf, pdu.Bytes()...)
					buf = append(buf, '\n')
				default:
					break drain
				}
			}
			if len(buf) > 0 {
				// The writer may already have exited (e.g. it aborted
				// a reconnect attempt because shutdown fired first);
				// in that case nobody will ever drain flushCh again,
				// so racing the send against writerDone avoids a
				// goroutine leak at the cost of losing this last batch.
				select {
				case flushCh <- buf:
				case <-writerDone:
				}
			}
			close(flushCh)
			<-writerDone
			log.Info("sender task exiting")
			return
		}
	}
}

// write owns the TCP connection and performs the actual socket writes,
// kept on a separate goroutine from run's buffer assembly so that slow or
// blocked network I/O never stalls write-combining or the ticker.
func (t *task) write(flushCh <-chan []byte, done chan<- struct{}, connectionsFailed, connectionsAborted, bytesSent metrics.Counter) {
	defer close(done)
	log := logrus.WithField("endpoint", t.endpoint)

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for buf := range flushCh {
		for len(buf) > 0 {
			if conn == nil {
				var ok bool
				conn, ok = t.connect(connectionsFailed)
				if !ok {
					// Shutdown fired while trying to (re)connect.
					return
				}
			}

			n, err := conn.Write(buf)
			if n > 0 {
				bytesSent.Add(float64(n))
				buf = buf[n:]
			}
			if err != nil || (n == 0 && len(buf) > 0) {
				if err != nil {
					log.WithError(err).Warn("write error, reforming connection with remaining buffer")
				} else {
					log.Warn("write returned 0 bytes, reforming connection")
				}
				conn.Close()
				conn = nil
				connectionsAborted.Inc()
				// Open question (carried from the original design): the
				// PDU at the front of buf has been half-written and is
				// now discarded rather than retransmitted. statsd is
				// lossy by design; surfacing connections_aborted is the
				// operator-visible signal.
				buf = trimToNextNewline(buf)
			}
		}
	}
}

// connect repeatedly attempts to dial the endpoint with a fixed backoff,
// aborting only if the task's shutdown signal fires.
func (t *task) connect(connectionsFailed metrics.Counter) (net.Conn, bool) {
	log := logrus.WithField("endpoint", t.endpoint)
	retry := backoff.NewTicker(backoff.NewConstantBackOff(reconnectDelay))
	defer retry.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		conn, err := t.dial(ctx, "tcp", t.endpoint)
		cancel()
		if err == nil {
			log.Info("connected")
			return conn, true
		}
		log.WithError(err).Warn("connect failed")
		connectionsFailed.Inc()

		select {
		case <-retry.C:
		case <-t.stop:
			return nil, false
		}
	}
}

// trimToNextNewline discards buf up to and including the next newline,
// simulating the statsd-is-lossy policy of dropping a partially-sent PDU
// rather than retransmitting it. If no newline is present, buf is left
// unchanged (nothing sane to trim to).
func trimToNextNewline(buf []byte) []byte {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return buf
	}
	return buf[i+1:]
}
