package server

import (
	"context"
	"errors"
	"net"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"

	"github.com/firestige/statsrelay/internal/metrics"
	"github.com/firestige/statsrelay/internal/statsd"
)

const (
	udpReadBufferSize = 65535
	udpReadTimeout    = 1 * time.Second
)

// UDPConfig configures the UDP ingress listener.
type UDPConfig struct {
	Bind string
}

// UDP is the statsd UDP ingress listener. Each datagram is a complete,
// independent unit of work: there is no framing state carried between
// reads the way there is for TCP.
type UDP struct {
	cfg      UDPConfig
	backends Provider
	scope    metrics.Scope

	closed *abool.AtomicBool
}

// NewUDP builds a UDP listener that forwards framed PDUs to backends.
func NewUDP(cfg UDPConfig, backends Provider, scope metrics.Scope) *UDP {
	if scope == nil {
		scope = metrics.NewNoopScope()
	}
	return &UDP{cfg: cfg, backends: backends, scope: scope.Scope("udp"), closed: abool.New()}
}

// Run binds the UDP socket and reads datagrams until ctx is canceled. It
// pins its own goroutine to an OS thread for the lifetime of the loop:
// the closest idiomatic-Go equivalent of the dedicated OS thread a
// blocking recv_from loop would otherwise tie up in other runtimes.
func (u *UDP) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", u.cfg.Bind)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	logrus.WithField("bind", u.cfg.Bind).Info("statsd udp server running")

	go func() {
		<-ctx.Done()
		u.closed.Set()
		conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		u.recvLoop(conn)
	}()

	<-done
	logrus.Info("terminating statsd udp")
	return nil
}

func (u *UDP) recvLoop(conn *net.UDPConn) {
	incomingBytes := u.scope.Counter("incoming_bytes")
	processedLines := u.scope.Counter("processed_lines")

	buf := make([]byte, udpReadBufferSize)
	for {
		if u.closed.IsSet() {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(udpReadTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if u.closed.IsSet() || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithError(err).Warn("udp receiver error")
			continue
		}

		incomingBytes.Add(float64(n))
		pdus := statsd.FrameDatagram(buf[:n])
		processedLines.Add(float64(len(pdus)))
		for _, p := range pdus {
			// buf is a single reused receive buffer across every
			// datagram, so each PDU must be detached before being
			// handed to a queue that may outlive this iteration.
			u.backends.Provide(p.Clone())
		}
	}
}
