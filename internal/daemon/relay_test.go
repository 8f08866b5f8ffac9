package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/statsrelay/internal/statsd"
)

// recordingListener accepts TCP connections and records every newline
// terminated line it reads, mirroring the downstream test doubles used
// in internal/backend and internal/server.
type recordingListener struct {
	ln    net.Listener
	lines chan string
}

func newRecordingListener(t *testing.T) *recordingListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &recordingListener{ln: ln, lines: make(chan string, 64)}
	go r.acceptLoop()
	return r
}

func (r *recordingListener) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		go r.readLoop(conn)
	}
}

func (r *recordingListener) readLoop(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		r.lines <- scanner.Text()
	}
}

func (r *recordingListener) addr() string { return r.ln.Addr().String() }
func (r *recordingListener) close()       { r.ln.Close() }

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func writeRelayConfig(t *testing.T, statsdBind, adminBind, downstream string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "statsrelay.yaml")
	content := fmt.Sprintf(`
statsrelay:
  statsd:
    bind: %s
    shard_map:
      - %s
  admin:
    enabled: true
    listen: %s
    path: /metrics
  log:
    level: debug
    format: text
`, statsdBind, downstream, adminBind)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRelay_NewLoadsConfigAndAssemblesComponents(t *testing.T) {
	downstream := newRecordingListener(t)
	defer downstream.close()

	configPath := writeRelayConfig(t, freeAddr(t), freeAddr(t), downstream.addr())

	r, err := New(configPath)
	require.NoError(t, err)
	assert.NotNil(t, r.backends)
	assert.NotNil(t, r.tcp)
	assert.NotNil(t, r.udp)
	assert.NotNil(t, r.admin)
	assert.Nil(t, r.gate)
}

func TestRelay_RunForwardsTrafficAndStopsCleanly(t *testing.T) {
	downstream := newRecordingListener(t)
	defer downstream.close()

	statsdBind := freeAddr(t)
	configPath := writeRelayConfig(t, statsdBind, freeAddr(t), downstream.addr())

	r, err := New(configPath)
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(context.Background()) }()

	// Give the TCP/UDP listeners a moment to bind before dialing.
	var conn net.Conn
	require.Eventually(t, func() bool {
		c, dialErr := net.Dial("tcp", statsdBind)
		if dialErr != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	_, err = conn.Write([]byte("relay.test.metric:1|c\n"))
	require.NoError(t, err)

	select {
	case line := <-downstream.lines:
		assert.Equal(t, "relay.test.metric:1|c", line)
	case <-time.After(2 * time.Second):
		t.Fatal("downstream never received forwarded metric")
	}

	require.NoError(t, r.Stop())

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop within timeout")
	}
}

func TestRelay_ReloadAppliesNewShardMapToPrimaryTarget(t *testing.T) {
	first := newRecordingListener(t)
	defer first.close()
	second := newRecordingListener(t)
	defer second.close()

	statsdBind := freeAddr(t)
	configPath := writeRelayConfig(t, statsdBind, freeAddr(t), first.addr())

	r, err := New(configPath)
	require.NoError(t, err)

	rewritten := writeRelayConfig(t, statsdBind, r.config.Admin.Listen, second.addr())
	data, err := os.ReadFile(rewritten)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0o644))

	require.NoError(t, r.Reload())

	_, ok := r.backends.Target("primary")
	require.True(t, ok)
	assert.Equal(t, second.addr(), r.config.Statsd.ShardMap[0])
}

func TestRelay_GatedProviderRefusesOverLimitIdentities(t *testing.T) {
	downstream := newRecordingListener(t)
	defer downstream.close()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "statsrelay.yaml")
	content := fmt.Sprintf(`
statsrelay:
  statsd:
    bind: %s
    shard_map:
      - %s
  admin:
    enabled: false
  cardinality:
    size_limit: 1
    buckets: 2
    rotate_after_seconds: 60
  log:
    level: debug
    format: text
`, freeAddr(t), downstream.addr())
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	r, err := New(configPath)
	require.NoError(t, err)
	require.NotNil(t, r.gate)

	// size_limit 1 refuses only once the oldest bucket holds more than
	// one identity: "a" and "b" are admitted, "c" is refused, and the
	// already-seen "a" is still admitted.
	assert.True(t, r.gate.Admit(statsd.New([]byte("a:1|c"))))
	assert.True(t, r.gate.Admit(statsd.New([]byte("b:1|c"))))
	assert.False(t, r.gate.Admit(statsd.New([]byte("c:1|c"))))
	assert.True(t, r.gate.Admit(statsd.New([]byte("a:1|c"))))
}
