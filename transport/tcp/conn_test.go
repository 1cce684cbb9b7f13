package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/protocol"
)

// listen starts a loopback server running handle on each accepted connection.
func listen(t *testing.T, handle func(net.Conn)) *cluster.Node {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return cluster.NewNode("A", ln.Addr().String(), 0)
}

func TestDialer_WriteRead(t *testing.T) {
	node := listen(t, func(c net.Conn) { io.Copy(c, c) })

	conn, err := NewDialer(Options{}).Dial(context.Background(), node)
	require.NoError(t, err)
	defer conn.Close()

	before := conn.LastUsed()
	require.NoError(t, conn.Write([]byte("hello"), time.Second, time.Time{}))

	buf := make([]byte, 5)
	require.NoError(t, conn.ReadFull(buf, time.Second, time.Now().Add(time.Second)))
	assert.Equal(t, "hello", string(buf))
	assert.True(t, conn.IsAlive())
	assert.False(t, conn.LastUsed().Before(before))
}

func TestConn_ReadTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	node := listen(t, func(c net.Conn) { <-block })

	conn, err := NewDialer(Options{}).Dial(context.Background(), node)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.ReadFull(make([]byte, 8), 20*time.Millisecond, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrTimeout))
	assert.False(t, conn.IsAlive(), "timed out stream must not be reused")

	var te *protocol.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, false, te.Details["total"])
}

func TestConn_DeadlinePassed(t *testing.T) {
	node := listen(t, func(c net.Conn) { io.Copy(io.Discard, c) })

	conn, err := NewDialer(Options{}).Dial(context.Background(), node)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Write([]byte("x"), time.Second, time.Now().Add(-time.Millisecond))
	require.Error(t, err)
	var te *protocol.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, protocol.ErrorCodeTimeout, te.Code)
	assert.Equal(t, true, te.Details["total"])
}

func TestConn_PeerClosed(t *testing.T) {
	node := listen(t, func(c net.Conn) {})

	conn, err := NewDialer(Options{}).Dial(context.Background(), node)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.ReadFull(make([]byte, 8), time.Second, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrConnection))
	assert.True(t, errors.Is(err, io.EOF))
	assert.True(t, protocol.IsRetryable(err))
}

func TestDialer_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewDialer(Options{ConnectTimeout: time.Second}).Dial(context.Background(), cluster.NewNode("A", addr, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrConnection))
}

func TestDialer_BuildTLSConfig(t *testing.T) {
	d := NewDialer(Options{UseTLS: true, SkipVerify: true})
	cfg, err := d.buildTLSConfig("db.example.com:3000")
	require.NoError(t, err)
	assert.Equal(t, "db.example.com", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)

	d = NewDialer(Options{UseTLS: true, CertPath: "missing.crt", KeyPath: "missing.key"})
	_, err = d.buildTLSConfig("db:3000")
	require.Error(t, err)
	assert.Equal(t, model.ResultTLSError, protocol.ResultOf(err))
}
