// Package client is the entry point of the batch engine. A Client owns the
// connection pools, worker pool and event loops behind every batch call.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dan-strohschein/clusterbatch/batch"
	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/logging"
	"github.com/dan-strohschein/clusterbatch/mapper"
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/pipeline"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/transport"
	"github.com/dan-strohschein/clusterbatch/transport/tcp"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client is closed")

// Client runs batch reads against a cluster. It is safe for concurrent use.
type Client struct {
	opts    ClientOptions
	logger  logging.Logger
	router  *cluster.Router
	pools   *tcp.Pools
	workers *batch.WorkerPool
	loops   *pipeline.Loops // nil when asynchronous calls are disabled
	mux     *pipeline.Mux
	exec    *batch.Executor
	metrics *Metrics
	closed  atomic.Bool
	closeMu sync.RWMutex   // Orders call registration against Close
	calls   sync.WaitGroup // Calls running on their caller's goroutine
	hooks   []hookEntry    // Registered hooks in execution order
	hooksMu sync.RWMutex   // Protects hooks slice
}

// NewClient creates a client routing through table. If opts is nil, default
// options are used. If dialer is nil, a TCP dialer is built from opts.
func NewClient(opts *ClientOptions, table cluster.PartitionTable, dialer transport.Dialer) (*Client, error) {
	if opts == nil {
		defaultOpts := DefaultOptions()
		opts = &defaultOpts
	}
	if table == nil {
		return nil, protocol.ParameterError("partition table is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(opts.LogLevel, opts.LogFormat, nil)
	}

	if dialer == nil {
		dialer = tcp.NewDialer(tcp.Options{
			ConnectTimeout: opts.ConnectTimeout,
			KeepAlive:      opts.KeepAlive,
			UseTLS:         opts.TLSEnabled,
			CertPath:       opts.TLSCertFile,
			KeyPath:        opts.TLSKeyFile,
			SkipVerify:     opts.TLSInsecureSkipVerify,
		})
		if opts.TLSInsecureSkipVerify {
			logger.Warn("TLS certificate verification disabled - USE ONLY FOR TESTING")
		}
	}

	c := &Client{
		opts:    *opts,
		logger:  logger,
		router:  cluster.NewRouter(table),
		metrics: NewMetrics(opts.Registerer),
		pools: tcp.NewPools(dialer, tcp.PoolOptions{
			MaxConnsPerNode: opts.MaxConnsPerNode,
			IdleTimeout:     opts.IdleTimeout,
		}),
		workers: batch.NewWorkerPool(opts.WorkerPoolSize),
	}

	execOpts := []batch.Option{
		batch.WithLogger(logger),
		batch.WithObserver(c.metrics),
	}
	if opts.EventLoops > 0 {
		c.loops = pipeline.NewLoops(opts.EventLoops)
		c.mux = pipeline.NewMux(c.loops, dialer, pipeline.MuxOptions{
			MaxConnsPerNode: opts.PipelineConnsPerNode,
			IdleTimeout:     opts.IdleTimeout,
			Logger:          logger,
		})
		c.mux.OnStateChange(c.metrics.ConnStateChanged)
		c.metrics.trackPipeline(c.mux)
		execOpts = append(execOpts, batch.WithMux(c.mux))
	}
	c.exec = batch.NewExecutor(c.router, c.pools, c.workers, execOpts...)

	logger.Info("client created",
		logging.Int("worker_pool", c.workers.Size()),
		logging.Int("event_loops", opts.EventLoops),
		logging.Int("max_conns_per_node", opts.MaxConnsPerNode),
	)
	return c, nil
}

// policy returns p or a copy of the default policy.
func (c *Client) policy(p *batch.Policy) *batch.Policy {
	if p != nil {
		return p
	}
	cp := c.opts.Policy
	return &cp
}

func (c *Client) newHookContext(op string, records int, p *batch.Policy) *HookContext {
	return &HookContext{
		Operation: op,
		Records:   records,
		Policy:    p,
		StartTime: time.Now(),
		Metadata:  make(map[string]interface{}),
		TraceID:   uuid.NewString(),
	}
}

// begin registers a running call. It fails once Close has started.
func (c *Client) begin() error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed.Load() {
		return ErrClosed
	}
	c.calls.Add(1)
	return nil
}

// call wraps a synchronous batch call with hooks and metrics.
func (c *Client) call(ctx context.Context, op string, records int, p *batch.Policy, fn func(p *batch.Policy) error) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.calls.Done()

	p = c.policy(p)
	hookCtx := c.newHookContext(op, records, p)
	if err := c.executeBeforeHooks(ctx, hookCtx); err != nil {
		c.metrics.observeCall(op, time.Since(hookCtx.StartTime), err)
		return err
	}

	err := fn(p)
	return c.finish(ctx, hookCtx, err)
}

func (c *Client) finish(ctx context.Context, hookCtx *HookContext, err error) error {
	hookCtx.Duration = time.Since(hookCtx.StartTime)
	hookCtx.Error = err
	if hookErr := c.executeAfterHooks(ctx, hookCtx); hookErr != nil {
		err = hookErr
	}
	c.metrics.observeCall(hookCtx.Operation, hookCtx.Duration, err)
	return err
}

// BatchRead reads records and writes each outcome into its record. The
// returned error is the first batch-level failure; records never answered
// carry its result code. A nil policy uses the client's default policy.
func (c *Client) BatchRead(ctx context.Context, policy *batch.Policy, records []*model.BatchRecord) error {
	return c.call(ctx, OpRead, len(records), policy, func(p *batch.Policy) error {
		return c.exec.Read(ctx, p, records)
	})
}

// BatchReadAsync reads records over pipelined connections and calls listener
// exactly once with the outcome. An error is returned instead when the call
// cannot start; the listener is then not called.
func (c *Client) BatchReadAsync(policy *batch.Policy, records []*model.BatchRecord, listener batch.AsyncListener) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.calls.Done()
	if listener == nil {
		return protocol.ParameterError("listener is required")
	}

	p := c.policy(policy)
	ctx := context.Background()
	hookCtx := c.newHookContext(OpReadAsync, len(records), p)
	if err := c.executeBeforeHooks(ctx, hookCtx); err != nil {
		c.metrics.observeCall(OpReadAsync, time.Since(hookCtx.StartTime), err)
		return err
	}

	err := c.exec.ReadAsync(p, records, func(err error) {
		listener(c.finish(ctx, hookCtx, err))
	}, nil)
	if err != nil {
		c.metrics.observeCall(OpReadAsync, time.Since(hookCtx.StartTime), err)
	}
	return err
}

// BatchGet reads all bins of keys. Missing records are nil.
func (c *Client) BatchGet(ctx context.Context, policy *batch.Policy, keys []*model.Key) ([]*model.Record, error) {
	var recs []*model.Record
	err := c.call(ctx, OpGet, len(keys), policy, func(p *batch.Policy) error {
		var err error
		recs, err = c.exec.Get(ctx, p, keys)
		return err
	})
	return recs, err
}

// BatchGetBins reads the named bins of keys. Missing records are nil.
func (c *Client) BatchGetBins(ctx context.Context, policy *batch.Policy, keys []*model.Key, binNames ...string) ([]*model.Record, error) {
	var recs []*model.Record
	err := c.call(ctx, OpGetBins, len(keys), policy, func(p *batch.Policy) error {
		var err error
		recs, err = c.exec.GetBins(ctx, p, keys, binNames...)
		return err
	})
	return recs, err
}

// BatchExists reports which keys exist.
func (c *Client) BatchExists(ctx context.Context, policy *batch.Policy, keys []*model.Key) ([]bool, error) {
	var exists []bool
	err := c.call(ctx, OpExists, len(keys), policy, func(p *batch.Policy) error {
		var err error
		exists, err = c.exec.Exists(ctx, p, keys)
		return err
	})
	return exists, err
}

// BatchGetStream reads keys and passes each record to fn as it arrives.
// Returning false from fn aborts the call with a client abort error.
func (c *Client) BatchGetStream(ctx context.Context, policy *batch.Policy, keys []*model.Key, binNames []string, fn batch.RecordFunc) error {
	return c.call(ctx, OpGetStream, len(keys), policy, func(p *batch.Policy) error {
		return c.exec.GetStream(ctx, p, keys, binNames, fn)
	})
}

// BatchGetObjects reads keys into objects, which must be struct pointers
// tagged for the mapper package. Only the bins the structs name are read.
// The result reports which keys were found; objects of missing keys are left
// untouched.
func (c *Client) BatchGetObjects(ctx context.Context, policy *batch.Policy, keys []*model.Key, objects []interface{}) ([]bool, error) {
	if len(keys) != len(objects) {
		return nil, protocol.ParameterError("keys and objects differ in length").
			WithDetail("keys", len(keys)).
			WithDetail("objects", len(objects))
	}

	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		bins, err := mapper.BinNames(objects[i])
		if err != nil {
			return nil, protocol.ParameterError(err.Error()).WithDetail("index", i)
		}
		records[i] = model.NewBatchRead(k, bins...)
	}

	found := make([]bool, len(keys))
	err := c.call(ctx, OpGetObjects, len(keys), policy, func(p *batch.Policy) error {
		if err := c.exec.Read(ctx, p, records); err != nil {
			return err
		}
		for i, r := range records {
			if r.Result != model.ResultOK {
				continue
			}
			if err := mapper.Decode(r.Record, objects[i]); err != nil {
				return protocol.ParameterError(err.Error()).WithDetail("index", i)
			}
			found[i] = true
		}
		return nil
	})
	return found, err
}

// Metrics returns the client's collectors.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Close stops the client. Calls already running on their caller's goroutine
// are waited for before connections close; asynchronous reads still in
// flight then fail.
func (c *Client) Close() error {
	c.closeMu.Lock()
	swapped := c.closed.CompareAndSwap(false, true)
	c.closeMu.Unlock()
	if !swapped {
		return nil
	}
	c.logger.Info("closing client")
	c.calls.Wait()

	var g errgroup.Group
	g.Go(func() error {
		c.workers.Close()
		return c.pools.Close()
	})
	if c.mux != nil {
		g.Go(func() error {
			err := c.mux.Close()
			c.loops.Close()
			return err
		})
	}
	return g.Wait()
}
