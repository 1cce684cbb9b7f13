package batch

import (
	"context"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/logging"
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/pipeline"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/transport"
)

// Executor runs batch reads against a cluster. It is safe for concurrent use.
type Executor struct {
	router   *cluster.Router
	conns    transport.ConnProvider
	pool     *WorkerPool
	mux      *pipeline.Mux
	clock    quartz.Clock
	logger   logging.Logger
	observer Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the clock used for deadlines and retry sleeps.
func WithClock(clock quartz.Clock) Option {
	return func(x *Executor) {
		x.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(x *Executor) {
		x.logger = logging.OrNoop(logger)
	}
}

// WithObserver sets the receiver of execution events.
func WithObserver(o Observer) Option {
	return func(x *Executor) {
		if o != nil {
			x.observer = o
		}
	}
}

// WithMux enables asynchronous execution over pipelined connections.
func WithMux(m *pipeline.Mux) Option {
	return func(x *Executor) {
		x.mux = m
	}
}

// NewExecutor creates an executor. Synchronous sub-requests take connections
// from conns; concurrent ones run on pool.
func NewExecutor(router *cluster.Router, conns transport.ConnProvider, pool *WorkerPool, opts ...Option) *Executor {
	x := &Executor{
		router:   router,
		conns:    conns,
		pool:     pool,
		clock:    quartz.NewReal(),
		logger:   logging.NewNoopLogger(),
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func (x *Executor) newExecution(policy *Policy, records []*model.BatchRecord) *execution {
	traceID := uuid.NewString()
	e := &execution{
		x:         x,
		policy:    policy,
		opts:      policy.options(),
		records:   records,
		replicaSC: policy.replicaSC(),
		traceID:   traceID,
		logger:    x.logger.WithFields(logging.String("trace_id", traceID)),
	}
	if _, total := policy.timeouts(); total > 0 {
		e.deadline = x.clock.Now().Add(total)
	}
	e.sink = e.store
	return e
}

func validate(records []*model.BatchRecord) error {
	for i, r := range records {
		if r == nil || r.Key == nil {
			return protocol.ParameterError("batch record has no key").WithDetail("index", i)
		}
	}
	return nil
}

// Read executes records and writes each outcome into its record. The returned
// error is the first batch-level failure. Records answered before it keep
// their results and records never answered carry the failure's result code.
func (x *Executor) Read(ctx context.Context, policy *Policy, records []*model.BatchRecord) error {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if len(records) == 0 {
		return nil
	}
	if err := validate(records); err != nil {
		return err
	}
	for _, r := range records {
		r.Reset()
	}

	return x.run(ctx, x.newExecution(policy, records))
}

func (x *Executor) run(ctx context.Context, e *execution) error {
	groups, err := Plan(x.router, e.records, nil, e.routing())
	if err != nil {
		e.logger.Warn("batch planning failed", logging.Error("error", err))
		e.markPending(allOffsets(len(e.records)), err)
		return err
	}

	e.logger.Debug("batch planned",
		logging.Int("records", len(e.records)),
		logging.Int("groups", len(groups)),
		logging.Bool("concurrent", e.policy.Concurrent),
	)
	return e.dispatch(ctx, groups, nil)
}

func allOffsets(n int) []uint32 {
	offsets := make([]uint32, n)
	for i := range offsets {
		offsets[i] = uint32(i)
	}
	return offsets
}
