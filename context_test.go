package gomitm

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mel2oo/go-mitm/endpoint"
	"github.com/mel2oo/go-mitm/mitm"
)

// Accepts and holds connections, reporting each on the returned channel.
func startListener(t *testing.T) (mitm.Address, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	addr, err := mitm.ParseAddress(ln.Addr().String())
	require.NoError(t, err)
	return addr, accepted
}

func newTestConnContext(t *testing.T, upstream mitm.Address) *connContext {
	t.Helper()
	clientSide, proxySide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	client := endpoint.NewClientConn(proxySide)
	server := endpoint.NewServerConn(upstream, NewDirectDialer(time.Second))
	c := newConnContext(client, server, zap.NewNop(), time.Minute, nil)
	t.Cleanup(c.close)
	return c
}

func TestConnContextSetServer(t *testing.T) {
	first, firstAccepted := startListener(t)
	second, secondAccepted := startListener(t)
	c := newTestConnContext(t, first)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	<-firstAccepted
	assert.True(t, c.ServerConn().Connected())

	serverTLS := true
	require.NoError(t, c.SetServer(second, &serverTLS, mitm.ExplicitSNI("example.com"), 2))
	assert.False(t, c.ServerConn().Connected())
	assert.Equal(t, second, c.ServerConn().Address())

	require.NoError(t, c.Connect(ctx))
	<-secondAccepted
	assert.True(t, c.ServerConn().Connected())
}

func TestConnContextReconnect(t *testing.T) {
	addr, accepted := startListener(t)
	c := newTestConnContext(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	firstConn := <-accepted

	require.NoError(t, c.Reconnect(ctx))
	<-accepted

	// The first connection was closed by the reconnect.
	firstConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := firstConn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.True(t, c.ServerConn().Connected())
}

func TestConnContextConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := mitm.ParseAddress(ln.Addr().String())
	require.NoError(t, err)
	ln.Close()

	c := newTestConnContext(t, addr)
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
	assert.False(t, c.ServerConn().Connected())
}

func TestDirectDialerTimeout(t *testing.T) {
	addr, accepted := startListener(t)
	dialer := NewDirectDialer(time.Second)

	conn, err := dialer.DialContext(context.Background(), "tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	<-accepted

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = dialer.DialContext(ctx, "tcp", addr.String())
	assert.Error(t, err)
}
