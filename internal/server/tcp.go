// Package server implements the statsd ingress listeners: one TCP
// accept loop handing each connection to its own handler goroutine, and
// one UDP datagram loop pinned to its own OS thread. Both frame incoming
// bytes into PDUs with package statsd and hand them to a backend.Backends
// for fan-out.
package server

import (
	"context"
	"errors"
	"net"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/firestige/statsrelay/internal/metrics"
	"github.com/firestige/statsrelay/internal/statsd"
)

const (
	tcpReadTimeout    = 62 * time.Second
	tcpReadBufferSize = 8192
	shutdownWriteWait = 1 * time.Second
)

// Provider is whatever an ingress listener hands framed PDUs to — a
// *backend.Backends, or a cardinality-gated wrapper in front of one.
type Provider interface {
	Provide(pdu statsd.PDU)
}

// TCPConfig configures the TCP ingress listener.
type TCPConfig struct {
	Bind string

	// MaxConnections caps concurrently accepted connections via
	// golang.org/x/net/netutil.LimitListener; 0 means unlimited.
	MaxConnections int
}

// TCP is the statsd TCP ingress listener.
type TCP struct {
	cfg      TCPConfig
	backends Provider
	scope    metrics.Scope
}

// NewTCP builds a TCP listener that forwards framed PDUs to backends.
func NewTCP(cfg TCPConfig, backends Provider, scope metrics.Scope) *TCP {
	if scope == nil {
		scope = metrics.NewNoopScope()
	}
	return &TCP{cfg: cfg, backends: backends, scope: scope.Scope("tcp")}
}

// Run binds and accepts until ctx is canceled, then returns once the
// listener has been closed. It does not wait for in-flight connection
// handlers; each one observes ctx on its own (see handleConnection).
func (s *TCP) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return err
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	logrus.WithField("bind", s.cfg.Bind).Info("statsd tcp server running")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	accepts := s.scope.Counter("accepts")
	acceptFailures := s.scope.Counter("accept_failures")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logrus.Info("stopped tcp listener loop")
				return nil
			}
			acceptFailures.Inc()
			logrus.WithError(err).Warn("accept error")
			continue
		}
		accepts.Inc()
		connScope := s.scope.Scope("connections")
		go handleConnection(ctx, conn, s.backends, connScope)
	}
}

// handleConnection reads framed PDUs from conn until EOF, a read
// timeout, or ctx cancellation. Cancellation is checked before each read;
// when it is seen, a courtesy goodbye is written before closing. A read
// already in progress is not interrupted by cancellation: it runs until
// data arrives or the read timeout expires.
func handleConnection(ctx context.Context, conn net.Conn, backends Provider, scope metrics.Scope) {
	defer conn.Close()

	// A fresh correlation ID per accepted connection ties its "accept" and
	// "closing" log lines together without needing to log the remote addr
	// (which may be reused across reconnects) as the join key.
	connID, err := uuid.NewV4()
	if err != nil {
		connID = uuid.UUID{}
	}
	log := logrus.WithFields(logrus.Fields{
		"remote":  conn.RemoteAddr(),
		"conn_id": connID.String(),
	})
	log.Debug("accepted connection")
	incomingBytes := scope.Counter("incoming_bytes")
	disconnects := scope.Counter("disconnects")
	processedLines := scope.Counter("lines")
	defer disconnects.Inc()
	defer log.Debug("closing connection")

	buf := make([]byte, 0, tcpReadBufferSize)
	tmp := make([]byte, tcpReadBufferSize)

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(shutdownWriteWait))
			_, _ = conn.Write([]byte("server closing due to shutdown, goodbye\n"))
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
		n, err := conn.Read(tmp)
		if n > 0 {
			incomingBytes.Add(float64(n))
			buf = append(buf, tmp[:n]...)

			pdus, residual := statsd.Frame(buf)
			processedLines.Add(float64(len(pdus)))
			for _, p := range pdus {
				// buf is reused and mutated in place below, so every PDU
				// handed to a backend (which may still be queued on a
				// sender task long after this loop iteration) needs its
				// own copy of the bytes.
				backends.Provide(p.Clone())
			}
			buf = append(buf[:0], residual...)
		}

		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Debug("read timeout, closing")
				return
			}
			if len(buf) > 0 {
				// EOF with a final, unterminated PDU still in the buffer
				// (no trailing newline): statsd treats this the same as
				// a UDP datagram's trailing content, since there is no
				// "more to come" to wait for once the peer has hung up.
				if p := statsd.New(buf); !p.Empty() {
					backends.Provide(p.Clone())
				}
			}
			log.Debug("closing reader")
			return
		}
	}
}
