package client

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dan-strohschein/clusterbatch/pipeline"
	"github.com/dan-strohschein/clusterbatch/protocol"
)

const metricsNamespace = "clusterbatch"

// Metrics holds the client's Prometheus collectors. It receives batch
// execution events and pipelined connection transitions.
type Metrics struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	commands     *prometheus.CounterVec
	nodeErrors   *prometheus.CounterVec
	retries      *prometheus.CounterVec
	splitRetries prometheus.Counter
	splitGroups  prometheus.Histogram
	poolRejected prometheus.Counter
	transitions  *prometheus.CounterVec

	factory promauto.Factory
}

// NewMetrics registers the client collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batch_calls_total",
			Help:      "Batch calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "batch_call_duration_seconds",
			Help:      "Duration of batch calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "node_commands_total",
			Help:      "Node sub-request attempts.",
		}, []string{"node"}),
		nodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "node_errors_total",
			Help:      "Node sub-requests that gave up, by error code.",
		}, []string{"node", "code"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "node_retries_total",
			Help:      "Node sub-request retries.",
		}, []string{"node"}),
		splitRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "split_retries_total",
			Help:      "Failed groups re-planned onto other nodes.",
		}),
		splitGroups: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "split_retry_groups",
			Help:      "Node groups produced by a split retry.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		poolRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "worker_pool_rejections_total",
			Help:      "Sub-requests refused by the saturated worker pool.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pipeline_connection_transitions_total",
			Help:      "Pipelined connection state transitions by target state.",
		}, []string{"state"}),
		factory: f,
	}
}

// trackPipeline exports the open connection count of mux.
func (m *Metrics) trackPipeline(mux *pipeline.Mux) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "pipeline_connections_open",
		Help:      "Open pipelined connections.",
	}, func() float64 {
		return float64(mux.OpenConns())
	})
}

// CommandIssued implements batch.Observer.
func (m *Metrics) CommandIssued(node string) {
	m.commands.WithLabelValues(node).Inc()
}

// CommandFailed implements batch.Observer.
func (m *Metrics) CommandFailed(node string, err error) {
	m.nodeErrors.WithLabelValues(node, protocol.CodeOf(err).String()).Inc()
}

// Retry implements batch.Observer.
func (m *Metrics) Retry(node string, _ int) {
	m.retries.WithLabelValues(node).Inc()
}

// SplitRetry implements batch.Observer.
func (m *Metrics) SplitRetry(_, groups int) {
	m.splitRetries.Inc()
	m.splitGroups.Observe(float64(groups))
}

// PoolRejected implements batch.Observer.
func (m *Metrics) PoolRejected() {
	m.poolRejected.Inc()
}

// ConnStateChanged counts pipelined connection transitions. It is registered
// as a pipeline.StateChangeHandler.
func (m *Metrics) ConnStateChanged(t pipeline.StateTransition) {
	m.transitions.WithLabelValues(strings.ToLower(t.To.String())).Inc()
}

func (m *Metrics) observeCall(operation string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = protocol.CodeOf(err).String()
	}
	m.calls.WithLabelValues(operation, outcome).Inc()
	m.callDuration.WithLabelValues(operation).Observe(d.Seconds())
}
