package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/quartz"
	pkgerrors "github.com/pkg/errors"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/logging"
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/transport"
)

var (
	errMuxClosed = pkgerrors.New("pipeline closed")

	// ErrNotHead is returned when a reader other than the head of its
	// connection's queue is completed.
	ErrNotHead = pkgerrors.New("reader is not the head of the connection queue")
)

// Command is an asynchronous request driven by a Mux.
type Command interface {
	// Node returns the node the request is sent to.
	Node() *cluster.Node

	// Loop returns the event loop the command runs on.
	Loop() *EventLoop

	// Request returns the encoded request.
	Request() []byte

	// SocketTimeout bounds each socket read and write of the command.
	SocketTimeout() time.Duration

	// Deadline is the command's absolute deadline. Zero means none.
	Deadline() time.Time

	// ReadResponse consumes the command's complete response from conn. It is
	// called outside the event loop, at most once per submission.
	ReadResponse(conn transport.Conn) error

	// OnSuccess is called on the loop once the response was read.
	OnSuccess()

	// OnError is called on the loop when the submission failed. retryable
	// tells whether the failure allows another attempt.
	OnError(err error, retryable bool)
}

// MuxOptions configures a Mux.
type MuxOptions struct {
	// MaxConnsPerNode caps pipelined connections per node and event loop.
	MaxConnsPerNode int

	// IdleTimeout discards pooled connections unused for longer.
	IdleTimeout time.Duration

	// Clock drives command timeouts. Defaults to the real clock.
	Clock quartz.Clock

	Logger logging.Logger
}

// controlDialer is implemented by dialers that accept a raw socket hook.
type controlDialer interface {
	WithSocketControl(fn func(network, address string, c syscall.RawConn) error) transport.Dialer
}

// loopState is owned by one event loop.
type loopState struct {
	pools map[string]*Pool
	conns map[*Conn]struct{}
}

// Mux runs commands over pipelined connections. Connection state is only
// changed on the event loop the connection belongs to.
type Mux struct {
	loops   *Loops
	dialer  transport.Dialer
	opts    MuxOptions
	clock   quartz.Clock
	logger  logging.Logger
	buffers BufferConfig

	states   []*loopState
	handlers []StateChangeHandler
	nextID   atomic.Uint64
	open     atomic.Int64
	closed   atomic.Bool
	io       sync.WaitGroup
}

// NewMux creates a Mux over loops. Socket buffer sizes are probed once and
// applied to every connection when the dialer supports it.
func NewMux(loops *Loops, dialer transport.Dialer, opts MuxOptions) *Mux {
	if opts.MaxConnsPerNode < 1 {
		opts.MaxConnsPerNode = 8
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 55 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}

	m := &Mux{
		loops:  loops,
		dialer: dialer,
		opts:   opts,
		clock:  opts.Clock,
		logger: logging.OrNoop(opts.Logger),
		states: make([]*loopState, loops.Size()),
	}
	for i := range m.states {
		m.states[i] = &loopState{
			pools: make(map[string]*Pool),
			conns: make(map[*Conn]struct{}),
		}
	}

	m.buffers = ProbeBufferSizes(m.logger)
	if cd, ok := dialer.(controlDialer); ok {
		if fn := m.buffers.Control(); fn != nil {
			m.dialer = cd.WithSocketControl(fn)
		}
	}
	return m
}

// OnStateChange registers a handler for connection state transitions. It must
// be called before the first Submit.
func (m *Mux) OnStateChange(h StateChangeHandler) {
	m.handlers = append(m.handlers, h)
}

// Buffers returns the probed socket buffer configuration.
func (m *Mux) Buffers() BufferConfig {
	return m.buffers
}

// OpenConns returns the number of open pipelined connections.
func (m *Mux) OpenConns() int64 {
	return m.open.Load()
}

// Loops returns the event loops the Mux runs on.
func (m *Mux) Loops() *Loops {
	return m.loops
}

// Submit queues cmd on its event loop. When the Mux is closed cmd fails
// immediately on the calling goroutine.
func (m *Mux) Submit(cmd Command) {
	loop := cmd.Loop()
	if m.closed.Load() || !loop.Execute(func() { m.start(cmd) }) {
		cmd.OnError(protocol.ConnectionError(cmd.Node().Name, errMuxClosed), false)
	}
}

func (m *Mux) start(cmd Command) {
	f := &inflight{cmd: cmd}
	if m.closed.Load() {
		m.fail(f, protocol.ConnectionError(cmd.Node().Name, errMuxClosed), false)
		return
	}

	if dl := cmd.Deadline(); !dl.IsZero() {
		d := dl.Sub(m.clock.Now())
		if d <= 0 {
			m.fail(f, protocol.TimeoutError(cmd.Node().Name, 0, true), true)
			return
		}
		loop := cmd.Loop()
		f.timer = m.clock.AfterFunc(d, func() {
			loop.Execute(func() { m.timeout(f) })
		}, "pipeline", "timeout")
	}
	m.acquire(f)
}

func (m *Mux) state(loop *EventLoop) *loopState {
	return m.states[loop.Index()]
}

func (m *Mux) pool(loop *EventLoop, node *cluster.Node) *Pool {
	ls := m.state(loop)
	p, ok := ls.pools[node.Name]
	if !ok {
		p = newPool(node, m.opts.MaxConnsPerNode)
		ls.pools[node.Name] = p
	}
	return p
}

// acquire assigns f a connection. New connections are preferred while the
// pool is under capacity so load spreads over the allowed sockets.
func (m *Mux) acquire(f *inflight) {
	node := f.cmd.Node()
	loop := f.cmd.Loop()
	pool := m.pool(loop, node)

	if pool.full() {
		for c := pool.pop(); c != nil; c = pool.pop() {
			if c.canceling() {
				c.inPool = false
				continue
			}
			if c.canceled() {
				m.release(c, nil)
				continue
			}

			c.inPool = false
			if m.validate(c) {
				m.writeStart(c, f)
				return
			}

			m.logger.Debug("invalid pipeline connection",
				logging.String("node", node.Name),
				logging.Int64("conn", int64(c.id)),
			)
			m.releaseDrained(c)
		}
	}

	if pool.reserve() {
		c := &Conn{
			id:   m.nextID.Add(1),
			node: node,
			loop: loop,
		}
		c.state.lastTransition = m.clock.Now()
		m.state(loop).conns[c] = struct{}{}
		m.open.Add(1)

		c.writer = f
		f.conn = c
		go m.dial(c, f.cmd.Deadline())
		return
	}

	m.logger.Warn("pipeline connections exhausted",
		logging.String("node", node.Name),
		logging.Int("capacity", pool.capacity),
	)
	m.fail(f, protocol.ConnectionExhaustedError(node.Name, pool.capacity), true)
}

func (m *Mux) validate(c *Conn) bool {
	if c.sock == nil || !c.sock.IsAlive() {
		return false
	}
	return c.readers.len() > 0 || m.clock.Since(c.lastUsed) <= m.opts.IdleTimeout
}

func (m *Mux) dial(c *Conn, deadline time.Time) {
	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	sock, err := m.dialer.Dial(ctx, c.node)
	if !c.loop.Execute(func() { m.connected(c, sock, err) }) && sock != nil {
		sock.Close()
	}
}

func (m *Mux) connected(c *Conn, sock transport.Conn, err error) {
	if c.State() != StateConnecting {
		// Canceled while dialing.
		if sock != nil {
			sock.Close()
		}
		return
	}

	if err != nil {
		f := c.writer
		c.writer = nil
		m.release(c, err)
		m.fail(f, err, protocol.IsRetryable(err))
		return
	}

	c.sock = sock
	c.lastUsed = m.clock.Now()
	m.transition(c, StateWriting, nil)
	m.write(c)
}

// writeStart installs f as the writer of c.
func (m *Mux) writeStart(c *Conn, f *inflight) {
	c.writer = f
	f.conn = c
	m.transition(c, StateWriting, nil)
	m.write(c)
}

func (m *Mux) write(c *Conn) {
	f := c.writer
	sock := c.sock
	req := f.cmd.Request()
	socketTimeout, deadline := f.cmd.SocketTimeout(), f.cmd.Deadline()
	c.writing = true

	m.io.Add(1)
	go func() {
		defer m.io.Done()
		err := sock.Write(req, socketTimeout, deadline)
		c.loop.Execute(func() { m.written(c, f, err) })
	}()
}

func (m *Mux) written(c *Conn, f *inflight, err error) {
	c.writing = false
	if f.done {
		m.deliverHeld(f)
		return
	}
	if c.writer != f {
		return
	}
	if err != nil {
		m.cancel(c, err, true)
		return
	}
	m.promote(c, f)
}

// promote moves the writer to the tail of the reader queue and returns the
// connection to its pool, or leaves it to close once drained when the pool is
// full.
func (m *Mux) promote(c *Conn, f *inflight) {
	c.writer = nil
	c.readers.push(f)
	c.lastUsed = m.clock.Now()
	m.transition(c, StateReading, nil)

	if m.pool(c.loop, c.node).push(c) {
		c.inPool = true
	}

	if !c.reading {
		m.read(c)
	}
}

// read starts reading the response of the head reader.
func (m *Mux) read(c *Conn) {
	f := c.readers.peek()
	sock := c.sock
	c.reading = true

	m.io.Add(1)
	go func() {
		defer m.io.Done()
		err := f.cmd.ReadResponse(sock)
		c.loop.Execute(func() { m.responded(c, f, err) })
	}()
}

func (m *Mux) responded(c *Conn, f *inflight, err error) {
	c.reading = false
	if f.done {
		m.deliverHeld(f)
		return
	}

	if err == nil {
		if nerr := m.nextReader(c, f); nerr != nil {
			m.logger.Error("pipeline reader out of order", logging.Int64("conn", int64(c.id)))
			m.cancel(c, protocol.ProtocolError(nerr.Error(), nil), false)
			return
		}
		c.lastUsed = m.clock.Now()
		f.cmd.OnSuccess()
		return
	}

	m.responseError(c, f, err)
}

// responseError fails f. Socket level errors and responses that leave the
// stream unusable cancel every command on the connection.
func (m *Mux) responseError(c *Conn, f *inflight, err error) {
	switch {
	case errors.Is(err, protocol.ErrConnection), errors.Is(err, protocol.ErrTimeout):
		m.cancel(c, err, true)

	case fatalResponse(err):
		m.cancel(c, err, false)

	default:
		if nerr := m.nextReader(c, f); nerr != nil {
			m.cancel(c, protocol.ProtocolError(nerr.Error(), nil), false)
			return
		}
		m.fail(f, err, false)
	}
}

func fatalResponse(err error) bool {
	switch protocol.ResultOf(err) {
	case model.ResultQueryAborted,
		model.ResultScanAborted,
		model.ResultAsyncConnection,
		model.ResultTLSError,
		model.ResultClientAbort,
		model.ResultClientError,
		model.ResultNotAuthenticated:
		return true
	default:
		return false
	}
}

// nextReader removes f from the head of the reader queue. Responses arrive in
// write order, so f must be the head.
func (m *Mux) nextReader(c *Conn, f *inflight) error {
	if c.readers.peek() != f {
		return ErrNotHead
	}
	c.readers.pop()
	m.finish(f)

	if c.readers.len() > 0 {
		if !c.reading {
			m.read(c)
		}
		return nil
	}
	if c.writer != nil {
		return nil
	}
	if c.inPool {
		m.transition(c, StateIdle, nil)
		return nil
	}
	m.release(c, nil)
	return nil
}

func (m *Mux) timeout(f *inflight) {
	if f.done {
		return
	}
	f.timer = nil

	err := protocol.TimeoutError(f.cmd.Node().Name, 0, true)
	if f.conn == nil {
		m.fail(f, err, true)
		return
	}
	m.cancel(f.conn, err, true)
}

// cancel fails the writer and every reader of c with err, then closes c or,
// when pooled, marks it canceled so the next acquire discards it. Commands a
// socket goroutine is still working for are failed once it returns, so a
// command never runs two submissions at once.
func (m *Mux) cancel(c *Conn, err error, retryable bool) {
	if c.canceling() || c.canceled() {
		return
	}

	m.logger.Debug("canceling pipeline connection",
		logging.String("node", c.node.Name),
		logging.Int64("conn", int64(c.id)),
		logging.Int("readers", c.readers.len()),
		logging.Error("error", err),
	)

	m.transition(c, StateCanceling, err)
	if c.sock != nil {
		c.sock.Close()
	}

	if w := c.writer; w != nil {
		c.writer = nil
		if c.writing {
			m.hold(w, err, retryable)
		} else {
			m.fail(w, err, retryable)
		}
	}
	var head *inflight
	if c.reading {
		head = c.readers.peek()
	}
	for r := c.readers.pop(); r != nil; r = c.readers.pop() {
		if r == head {
			m.hold(r, err, retryable)
			continue
		}
		m.fail(r, err, retryable)
	}

	if !c.inPool {
		m.release(c, err)
		return
	}
	m.transition(c, StateCanceled, err)
}

// releaseDrained closes c once it has no writer and no readers.
func (m *Mux) releaseDrained(c *Conn) {
	if c.writer != nil || c.readers.len() > 0 {
		return
	}
	m.release(c, nil)
}

func (m *Mux) release(c *Conn, err error) {
	if c.State() == StateClosed {
		return
	}
	if c.sock != nil {
		c.sock.Close()
	}
	m.transition(c, StateClosed, err)

	pool := m.pool(c.loop, c.node)
	pool.remove(c)
	pool.total--
	c.inPool = false

	delete(m.state(c.loop).conns, c)
	m.open.Add(-1)
}

func (m *Mux) finish(f *inflight) {
	f.done = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (m *Mux) fail(f *inflight, err error, retryable bool) {
	if f.done {
		return
	}
	m.finish(f)
	f.cmd.OnError(err, retryable)
}

// hold finishes f but delays its OnError until deliverHeld.
func (m *Mux) hold(f *inflight, err error, retryable bool) {
	if f.done {
		return
	}
	m.finish(f)
	f.held = &failure{err: err, retryable: retryable}
}

func (m *Mux) deliverHeld(f *inflight) {
	h := f.held
	if h == nil {
		return
	}
	f.held = nil
	f.cmd.OnError(h.err, h.retryable)
}

func (m *Mux) transition(c *Conn, to ConnState, cause error) {
	from := c.state.current
	if from == to {
		return
	}
	t, err := c.state.transitionTo(to, m.clock.Now())
	if err != nil {
		m.logger.Error("pipeline connection state",
			logging.Int64("conn", int64(c.id)),
			logging.Error("error", err),
		)
		return
	}
	t.ConnID = c.id
	t.Node = c.node.Name
	t.Error = cause
	for _, h := range m.handlers {
		h(t)
	}
}

// Close fails every in-flight command and closes every connection, then waits
// for socket goroutines to hand their results back to the loops. The event
// loops are left running.
func (m *Mux) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	for i := 0; i < m.loops.Size(); i++ {
		loop := m.loops.Get(i)
		ls := m.states[i]
		done := make(chan struct{})
		if !loop.Execute(func() {
			defer close(done)
			for c := range ls.conns {
				c.inPool = false
				m.cancel(c, protocol.ConnectionError(c.node.Name, errMuxClosed), false)
				m.release(c, nil)
			}
		}) {
			continue
		}
		<-done
	}
	m.io.Wait()
	return nil
}
