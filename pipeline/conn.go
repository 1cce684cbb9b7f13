package pipeline

import (
	"time"

	"github.com/coder/quartz"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/transport"
)

// inflight is one submission of a command. A command that retries is
// submitted again and gets a new inflight.
type inflight struct {
	cmd   Command
	conn  *Conn
	timer *quartz.Timer
	done  bool

	// held is a failure delivered once the socket goroutine working for the
	// command has returned.
	held *failure
}

type failure struct {
	err       error
	retryable bool
}

// readerQueue is a FIFO ring of commands awaiting their responses.
type readerQueue struct {
	buf  []*inflight
	head int
	size int
}

func (q *readerQueue) len() int {
	return q.size
}

func (q *readerQueue) push(f *inflight) {
	if q.size == len(q.buf) {
		n := len(q.buf) * 2
		if n == 0 {
			n = 4
		}
		buf := make([]*inflight, n)
		for i := 0; i < q.size; i++ {
			buf[i] = q.buf[(q.head+i)%len(q.buf)]
		}
		q.buf = buf
		q.head = 0
	}
	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
}

func (q *readerQueue) peek() *inflight {
	if q.size == 0 {
		return nil
	}
	return q.buf[q.head]
}

func (q *readerQueue) pop() *inflight {
	if q.size == 0 {
		return nil
	}
	f := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return f
}

// Conn is a pipelined connection: at most one writer and any number of
// readers whose responses arrive in the order their requests were written.
type Conn struct {
	id   uint64
	node *cluster.Node
	loop *EventLoop

	sock     transport.Conn
	state    stateMachine
	writer   *inflight
	readers  readerQueue
	inPool   bool
	writing  bool
	reading  bool
	lastUsed time.Time
}

// ID returns the connection id.
func (c *Conn) ID() uint64 {
	return c.id
}

// State returns the current state. Only meaningful on the owning loop.
func (c *Conn) State() ConnState {
	return c.state.current
}

// Readers returns the number of queued readers. Only meaningful on the owning
// loop.
func (c *Conn) Readers() int {
	return c.readers.len()
}

func (c *Conn) canceling() bool {
	return c.state.current == StateCanceling
}

func (c *Conn) canceled() bool {
	return c.state.current == StateCanceled || c.state.current == StateClosed
}
