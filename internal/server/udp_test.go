package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/statsrelay/internal/backend"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func TestUDP_FramesAndForwardsDatagram(t *testing.T) {
	downstream := newRecordingListenerForServerTest(t)
	defer downstream.close()

	backends := backend.NewBackends(nil)
	require.NoError(t, backends.AddTarget(backend.Config{Name: "t", ShardMap: []string{downstream.addr()}}))

	bind := freeUDPAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewUDP(UDPConfig{Bind: bind}, backends, nil)
	go srv.Run(ctx)

	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("udp", bind)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("a:1|c\nb:2|c"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(downstream.received()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"a:1|c", "b:2|c"}, downstream.received())
}
