package batch

import (
	"errors"
	"sync"
	"time"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/logging"
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/pipeline"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/transport"
)

const (
	// authHeadroom is reserved in every async buffer so a retry on a fresh
	// connection can reuse it.
	authHeadroom = 158

	// asyncBufferAlign rounds async buffers up to reduce fragmentation.
	asyncBufferAlign = 8192
)

// asyncBufferSize returns the buffer capacity for a request of size bytes.
func asyncBufferSize(size int) int {
	return (size + authHeadroom + asyncBufferAlign - 1) &^ (asyncBufferAlign - 1)
}

// AsyncListener receives the outcome of an asynchronous batch read. It is
// called exactly once, on the batch's event loop goroutine. When that loop is
// already closed it runs on the goroutine that finished the batch.
type AsyncListener func(err error)

// asyncExecutor counts the sub-commands of one asynchronous batch and
// notifies the listener after the last one finished.
type asyncExecutor struct {
	x        *Executor
	exec     *execution
	loop     *pipeline.EventLoop
	listener AsyncListener

	mu       sync.Mutex
	max      int
	count    int
	valid    bool
	err      error
	notified bool
}

// complete records n finished sub-commands.
func (a *asyncExecutor) complete(err error, n int) {
	a.mu.Lock()
	a.count += n
	if err != nil {
		if a.valid && a.exec.policy.FailFast {
			a.err = err
		}
		a.valid = false
	}
	done := a.count >= a.max && !a.notified
	if done {
		a.notified = true
	}
	result := a.err
	a.mu.Unlock()

	if done {
		notify(a.loop, a.listener, result)
	}
}

// notify passes err to listener on loop.
func notify(loop *pipeline.EventLoop, listener AsyncListener, err error) {
	if !loop.Execute(func() { listener(err) }) {
		listener(err)
	}
}

func (a *asyncExecutor) isValid() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valid
}

// expand accounts for a split: the parent's completion is replaced by one
// completion per new group.
func (a *asyncExecutor) expand(groups int) {
	a.mu.Lock()
	a.max += groups - 1
	a.mu.Unlock()
}

// asyncCommand is one node group executed over a pipelined connection. It
// implements pipeline.Command.
type asyncCommand struct {
	ae      *asyncExecutor
	node    *cluster.Node
	offsets []uint32
	buf     *protocol.Buffer

	iteration     int
	master        bool
	masterSC      bool
	socketTimeout time.Duration
	deadline      time.Time
}

// newCommand encodes g into an aligned buffer. A parent passes on its retry
// state and deadline.
func (a *asyncExecutor) newCommand(g *NodeGroup, opts protocol.BatchOptions, compress bool, parent *asyncCommand) (*asyncCommand, error) {
	buf, err := encodeAsync(a.exec.records, g.Offsets, opts, compress)
	if err != nil {
		return nil, err
	}

	c := &asyncCommand{ae: a, node: g.Node, offsets: g.Offsets, buf: buf}
	if parent != nil {
		c.iteration = parent.iteration
		c.master = parent.master
		c.masterSC = parent.masterSC
		c.socketTimeout = parent.socketTimeout
		c.deadline = parent.deadline
		return c, nil
	}

	c.master = true
	c.masterSC = true
	c.socketTimeout, _ = a.exec.policy.timeouts()
	c.deadline = a.exec.deadline
	return c, nil
}

func encodeAsync(records []*model.BatchRecord, offsets []uint32, opts protocol.BatchOptions, compress bool) (*protocol.Buffer, error) {
	size, err := protocol.EstimateBatchSize(records, offsets, opts)
	if err != nil {
		return nil, err
	}

	buf := protocol.AcquireBuffer(asyncBufferSize(size))
	n := protocol.WriteBatch(buf.B, records, offsets, opts)
	if n != size {
		buf.Release()
		return nil, protocol.ProtocolError("batch size estimate mismatch", map[string]interface{}{
			"estimated": size,
			"written":   n,
		})
	}
	buf.B = buf.B[:n]

	if !compress || n <= protocol.CompressThreshold {
		return buf, nil
	}
	compressed, err := protocol.CompressProto(buf.B)
	buf.Release()
	if err != nil {
		return nil, err
	}
	return &protocol.Buffer{B: compressed}, nil
}

func (c *asyncCommand) submit() {
	c.ae.x.observer.CommandIssued(c.node.Name)
	c.ae.x.mux.Submit(c)
}

// Node implements pipeline.Command
func (c *asyncCommand) Node() *cluster.Node {
	return c.node
}

// Loop implements pipeline.Command
func (c *asyncCommand) Loop() *pipeline.EventLoop {
	return c.ae.loop
}

// Request implements pipeline.Command
func (c *asyncCommand) Request() []byte {
	return c.buf.B
}

// SocketTimeout implements pipeline.Command
func (c *asyncCommand) SocketTimeout() time.Duration {
	return c.socketTimeout
}

// Deadline implements pipeline.Command
func (c *asyncCommand) Deadline() time.Time {
	return c.deadline
}

// ReadResponse implements pipeline.Command
func (c *asyncCommand) ReadResponse(conn transport.Conn) error {
	e := c.ae.exec
	return transport.ReadBatchResponse(conn, c.socketTimeout, c.deadline, len(e.records), e.policy.Deserialize, e.sink)
}

// OnSuccess implements pipeline.Command
func (c *asyncCommand) OnSuccess() {
	c.release()
	c.ae.complete(nil, 1)
}

// OnError implements pipeline.Command
func (c *asyncCommand) OnError(err error, retryable bool) {
	if retryable {
		handled, rerr := c.retry(err)
		if handled {
			return
		}
		if rerr != nil {
			err = rerr
		}
	}

	c.ae.x.observer.CommandFailed(c.node.Name, err)
	c.ae.exec.markPending(c.offsets, err)
	c.release()
	c.ae.complete(err, 1)
}

func (c *asyncCommand) release() {
	c.buf.Release()
}

// retry resubmits the command or splits it. It reports false when the command
// must fail, with a replacement error when the split itself failed.
func (c *asyncCommand) retry(cause error) (bool, error) {
	a := c.ae
	x := a.x
	p := a.exec.policy

	c.iteration++
	if c.iteration > p.MaxRetries {
		return false, nil
	}
	if !c.deadline.IsZero() && !x.clock.Now().Before(c.deadline) {
		return false, nil
	}

	x.observer.Retry(c.node.Name, c.iteration)
	if p.Replica != cluster.ReplicaMaster {
		c.master = !c.master
	}

	split, err := c.splitRetry(cause)
	if err != nil {
		return false, err
	}
	if split {
		return true, nil
	}

	c.submit()
	return true, nil
}

// splitRetry re-plans the command's offsets onto other nodes. The wire
// options and offsets are recovered from the sent request so the new requests
// carry the same fields byte for byte. It reports false when an ordinary
// retry should be used instead.
func (c *asyncCommand) splitRetry(cause error) (bool, error) {
	a := c.ae
	e := a.exec
	x := a.x
	replica := e.policy.Replica

	if !replica.Reassignable() || !a.isValid() {
		return false, nil
	}
	if _, err := x.router.Nodes(); err != nil {
		return false, nil
	}

	req, err := protocol.ParseBatchRequest(c.buf.B)
	if err != nil {
		return false, err
	}
	opts := req.Options()
	ph, err := protocol.ParseProtoHeader(c.buf.B)
	if err != nil {
		return false, err
	}
	compressed := ph.Type == protocol.CompressedMessageType

	if !errors.Is(cause, protocol.ErrTimeout) || opts.ReadModeSC != protocol.ReadModeSCLinearize {
		c.masterSC = !c.masterSC
	}

	groups, err := Plan(x.router, e.records, req.Offsets(), Routing{
		Replica:   replica,
		ReplicaSC: e.replicaSC,
		Master:    c.master,
		MasterSC:  c.masterSC,
		IsRetry:   true,
	})
	if err != nil {
		return false, err
	}
	if len(groups) == 1 && groups[0].Node == c.node {
		return false, nil
	}
	if !c.deadline.IsZero() && !x.clock.Now().Before(c.deadline) {
		// Too late to split; the original error stands.
		return false, cause
	}

	a.expand(len(groups))
	x.observer.SplitRetry(len(c.offsets), len(groups))
	e.logger.Info("async split retry",
		logging.String("node", c.node.Name),
		logging.Int("offsets", len(c.offsets)),
		logging.Int("groups", len(groups)),
		logging.Int("iteration", c.iteration),
	)

	for i, g := range groups {
		cmd, err := a.newCommand(g, opts, compressed, c)
		if err != nil {
			for _, rest := range groups[i:] {
				e.markPending(rest.Offsets, err)
			}
			a.complete(err, len(groups)-i)
			break
		}
		cmd.submit()
	}
	c.release()
	return true, nil
}

// ReadAsync executes records over pipelined connections on loop, or on the
// next loop when loop is nil. Planning errors are returned directly; every
// later outcome goes to listener.
func (x *Executor) ReadAsync(policy *Policy, records []*model.BatchRecord, listener AsyncListener, loop *pipeline.EventLoop) error {
	if x.mux == nil {
		return protocol.ParameterError("asynchronous execution is not enabled")
	}
	if listener == nil {
		return protocol.ParameterError("nil async listener")
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	if loop == nil {
		loop = x.mux.Loops().Next()
	}
	if len(records) == 0 {
		notify(loop, listener, nil)
		return nil
	}
	if err := validate(records); err != nil {
		return err
	}
	for _, r := range records {
		r.Reset()
	}

	e := x.newExecution(policy, records)
	groups, err := Plan(x.router, records, nil, e.routing())
	if err != nil {
		e.logger.Warn("batch planning failed", logging.Error("error", err))
		return err
	}

	a := &asyncExecutor{
		x:        x,
		exec:     e,
		loop:     loop,
		listener: listener,
		max:      len(groups),
		valid:    true,
	}
	for i, g := range groups {
		cmd, err := a.newCommand(g, e.opts, policy.Compress, nil)
		if err != nil {
			for _, rest := range groups[i:] {
				e.markPending(rest.Offsets, err)
			}
			a.complete(err, len(groups)-i)
			break
		}
		cmd.submit()
	}
	return nil
}
