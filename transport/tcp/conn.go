package tcp

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/transport"
)

// tcpConn represents a single TCP connection to a node
type tcpConn struct {
	conn     net.Conn
	node     string
	lastUsed atomic.Int64 // unix nanoseconds
	alive    atomic.Bool
}

func newConn(conn net.Conn, node string) *tcpConn {
	c := &tcpConn{conn: conn, node: node}
	c.alive.Store(true)
	c.touch()
	return c
}

// Write implements transport.Conn
func (c *tcpConn) Write(buf []byte, socketTimeout time.Duration, deadline time.Time) error {
	d, ok := transport.EffectiveDeadline(time.Now(), socketTimeout, deadline)
	if !ok {
		return protocol.TimeoutError(c.node, 0, true)
	}
	if err := c.conn.SetWriteDeadline(d); err != nil {
		c.markDead()
		return protocol.ConnectionError(c.node, errors.Wrap(err, "set write deadline"))
	}

	if _, err := c.conn.Write(buf); err != nil {
		c.markDead()
		return c.classify(err, "write", d, deadline)
	}

	c.touch()
	return nil
}

// ReadFull implements transport.Conn
func (c *tcpConn) ReadFull(buf []byte, socketTimeout time.Duration, deadline time.Time) error {
	d, ok := transport.EffectiveDeadline(time.Now(), socketTimeout, deadline)
	if !ok {
		return protocol.TimeoutError(c.node, 0, true)
	}
	if err := c.conn.SetReadDeadline(d); err != nil {
		c.markDead()
		return protocol.ConnectionError(c.node, errors.Wrap(err, "set read deadline"))
	}

	if _, err := io.ReadFull(c.conn, buf); err != nil {
		c.markDead()
		return c.classify(err, "read", d, deadline)
	}

	c.touch()
	return nil
}

// classify maps a socket error onto the transport error taxonomy. A timed
// out stream is out of sync and is never reused.
func (c *tcpConn) classify(err error, op string, effective, deadline time.Time) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return protocol.TimeoutError(c.node, 0, !deadline.IsZero() && effective.Equal(deadline))
	}
	return protocol.ConnectionError(c.node, errors.Wrapf(err, "%s %s", op, c.conn.RemoteAddr()))
}

// IsAlive implements transport.Conn
func (c *tcpConn) IsAlive() bool {
	return c.alive.Load()
}

// LastUsed implements transport.Conn
func (c *tcpConn) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// Close implements transport.Conn
func (c *tcpConn) Close() error {
	c.markDead()
	return c.conn.Close()
}

func (c *tcpConn) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

func (c *tcpConn) markDead() {
	c.alive.Store(false)
}
