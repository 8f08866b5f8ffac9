package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/statsrelay/internal/backend"
	"github.com/firestige/statsrelay/internal/statsd"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestTCP_FramesAndForwardsLines(t *testing.T) {
	downstream := newRecordingListenerForServerTest(t)
	defer downstream.close()

	backends := backend.NewBackends(nil)
	require.NoError(t, backends.AddTarget(backend.Config{Name: "t", ShardMap: []string{downstream.addr()}}))

	bind := freeTCPAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewTCP(TCPConfig{Bind: bind}, backends, nil)
	go srv.Run(ctx)

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", bind)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", bind)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("a:1|c\nb:2|c\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(downstream.received()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"a:1|c", "b:2|c"}, downstream.received())
}

// newRecordingListenerForServerTest is a local copy of backend's test
// helper; server and backend are separate packages so test doubles are
// not shared across package boundaries.
type recordingListenerForServerTest struct {
	ln    net.Listener
	lines chan string
	all   []string
}

func newRecordingListenerForServerTest(t *testing.T) *recordingListenerForServerTest {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &recordingListenerForServerTest{ln: ln, lines: make(chan string, 100)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go r.read(conn)
		}
	}()
	return r
}

func (r *recordingListenerForServerTest) read(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			pdus, residual := statsd.Frame(buf)
			for _, p := range pdus {
				r.lines <- string(p.Bytes())
			}
			buf = append([]byte{}, residual...)
		}
		if err != nil {
			return
		}
	}
}

func (r *recordingListenerForServerTest) addr() string { return r.ln.Addr().String() }
func (r *recordingListenerForServerTest) close()        { r.ln.Close() }

func (r *recordingListenerForServerTest) received() []string {
	for {
		select {
		case l := <-r.lines:
			r.all = append(r.all, l)
		default:
			return r.all
		}
	}
}
