package mock

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/transport"
)

// segment is a queued reply: readable bytes or an error.
type segment struct {
	data []byte
	err  error
}

// Conn implements transport.Conn against a Server. Replies to pipelined
// requests are queued in write order.
type Conn struct {
	server *Server
	node   string

	mu       sync.Mutex
	queue    []segment
	notify   chan struct{}
	closed   bool
	lastUsed atomic.Int64
	alive    atomic.Bool

	writeCalls atomic.Int32
	readCalls  atomic.Int32
}

func newConn(s *Server, node string) *Conn {
	c := &Conn{server: s, node: node, notify: make(chan struct{})}
	c.alive.Store(true)
	c.touch()
	return c
}

// Write implements transport.Conn
func (c *Conn) Write(buf []byte, socketTimeout time.Duration, deadline time.Time) error {
	c.writeCalls.Add(1)

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return protocol.ConnectionError(c.node, io.ErrClosedPipe)
	}
	if _, ok := transport.EffectiveDeadline(time.Now(), socketTimeout, deadline); !ok {
		return protocol.TimeoutError(c.node, 0, true)
	}

	reply, delay, err := c.server.handle(c.node, buf, socketTimeout, deadline)
	if err != nil {
		c.alive.Store(false)
		return err
	}
	c.touch()

	if reply.Hang {
		return nil
	}
	if delay > 0 {
		time.AfterFunc(delay, func() { c.deliver(reply) })
		return nil
	}
	c.deliver(reply)
	return nil
}

func (c *Conn) deliver(r Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if len(r.Data) > 0 {
		c.queue = append(c.queue, segment{data: append([]byte(nil), r.Data...)})
	}
	if r.ReadErr != nil {
		c.queue = append(c.queue, segment{err: r.ReadErr})
	}
	c.wakeLocked()
}

func (c *Conn) wakeLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// ReadFull implements transport.Conn
func (c *Conn) ReadFull(buf []byte, socketTimeout time.Duration, deadline time.Time) error {
	c.readCalls.Add(1)

	d, ok := transport.EffectiveDeadline(time.Now(), socketTimeout, deadline)
	if !ok {
		c.alive.Store(false)
		return protocol.TimeoutError(c.node, 0, true)
	}
	var expired <-chan time.Time
	if !d.IsZero() {
		timer := time.NewTimer(time.Until(d))
		defer timer.Stop()
		expired = timer.C
	}

	for {
		c.mu.Lock()
		done, err := c.takeLocked(buf)
		if done {
			c.mu.Unlock()
			if err != nil {
				c.alive.Store(false)
				return err
			}
			c.touch()
			return nil
		}
		if c.closed {
			c.mu.Unlock()
			return protocol.ConnectionError(c.node, io.EOF)
		}
		wait := c.notify
		c.mu.Unlock()

		select {
		case <-wait:
		case <-expired:
			c.alive.Store(false)
			return protocol.TimeoutError(c.node, 0, !deadline.IsZero() && d.Equal(deadline))
		}
	}
}

// takeLocked fills buf from the queue. It reports done when buf was filled or
// an error segment was reached first.
func (c *Conn) takeLocked(buf []byte) (bool, error) {
	avail := 0
	for i, s := range c.queue {
		if s.err != nil {
			if avail < len(buf) {
				c.queue = c.queue[i+1:]
				return true, s.err
			}
			break
		}
		avail += len(s.data)
		if avail >= len(buf) {
			break
		}
	}
	if avail < len(buf) {
		return false, nil
	}

	n := 0
	for n < len(buf) {
		s := &c.queue[0]
		k := copy(buf[n:], s.data)
		n += k
		s.data = s.data[k:]
		if len(s.data) == 0 {
			c.queue = c.queue[1:]
		}
	}
	return true, nil
}

// IsAlive implements transport.Conn
func (c *Conn) IsAlive() bool {
	return c.alive.Load()
}

// LastUsed implements transport.Conn
func (c *Conn) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// Close implements transport.Conn
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.alive.Store(false)
	c.wakeLocked()
	return nil
}

// IsClosed returns whether the connection has been closed
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Node returns the node the connection was dialed to
func (c *Conn) Node() string {
	return c.node
}

// GetWriteCallCount returns the number of times Write was called
func (c *Conn) GetWriteCallCount() int {
	return int(c.writeCalls.Load())
}

// GetReadCallCount returns the number of times ReadFull was called
func (c *Conn) GetReadCallCount() int {
	return int(c.readCalls.Load())
}

func (c *Conn) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}
