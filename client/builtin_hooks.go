package client

import (
	"context"
	"sync/atomic"

	"github.com/dan-strohschein/clusterbatch/logging"
	"github.com/dan-strohschein/clusterbatch/protocol"
)

// ============================================================================
// LoggingHook - Logs batch call details
// ============================================================================

// LoggingHook logs batch calls with configurable detail levels.
type LoggingHook struct {
	logger       logging.Logger
	logCalls     bool // Log each call start
	logDurations bool // Log execution times
}

// NewLoggingHook creates a new logging hook with the given logger.
func NewLoggingHook(logger logging.Logger, logCalls, logDurations bool) *LoggingHook {
	return &LoggingHook{
		logger:       logging.OrNoop(logger),
		logCalls:     logCalls,
		logDurations: logDurations,
	}
}

func (h *LoggingHook) Name() string {
	return "logging"
}

func (h *LoggingHook) Before(ctx context.Context, hookCtx *HookContext) error {
	if h.logCalls {
		h.logger.Debug("executing batch call",
			logging.String("operation", hookCtx.Operation),
			logging.Int("records", hookCtx.Records),
			logging.String("trace_id", hookCtx.TraceID))
	}
	return nil
}

func (h *LoggingHook) After(ctx context.Context, hookCtx *HookContext) error {
	fields := []logging.Field{
		logging.String("operation", hookCtx.Operation),
		logging.Int("records", hookCtx.Records),
		logging.String("trace_id", hookCtx.TraceID),
	}

	if h.logDurations {
		fields = append(fields, logging.Duration("duration", hookCtx.Duration))
	}

	if hookCtx.Error != nil {
		fields = append(fields, logging.Error("error", hookCtx.Error))
		h.logger.Error("batch call failed", fields...)
	} else {
		h.logger.Debug("batch call completed", fields...)
	}

	return nil
}

// ============================================================================
// MetricsHook - Collects call counters
// ============================================================================

// MetricsHook collects batch call counters using atomic counters. It needs no
// registry, unlike the Prometheus collectors configured in ClientOptions.
type MetricsHook struct {
	TotalCalls      atomic.Uint64
	TotalRecords    atomic.Uint64
	TotalErrors     atomic.Uint64
	TotalTimeouts   atomic.Uint64
	TotalDurationNs atomic.Uint64
}

// NewMetricsHook creates a new metrics collection hook.
func NewMetricsHook() *MetricsHook {
	return &MetricsHook{}
}

func (h *MetricsHook) Name() string {
	return "metrics"
}

func (h *MetricsHook) Before(ctx context.Context, hookCtx *HookContext) error {
	return nil
}

func (h *MetricsHook) After(ctx context.Context, hookCtx *HookContext) error {
	h.TotalCalls.Add(1)
	h.TotalRecords.Add(uint64(hookCtx.Records))
	h.TotalDurationNs.Add(uint64(hookCtx.Duration.Nanoseconds()))

	if hookCtx.Error != nil {
		h.TotalErrors.Add(1)
		if protocol.CodeOf(hookCtx.Error) == protocol.ErrorCodeTimeout {
			h.TotalTimeouts.Add(1)
		}
	}

	return nil
}

// GetStats returns current metrics as a map.
func (h *MetricsHook) GetStats() map[string]interface{} {
	totalCalls := h.TotalCalls.Load()
	totalDur := h.TotalDurationNs.Load()

	avgDuration := int64(0)
	if totalCalls > 0 {
		avgDuration = int64(totalDur / totalCalls)
	}

	return map[string]interface{}{
		"total_calls":       totalCalls,
		"total_records":     h.TotalRecords.Load(),
		"total_errors":      h.TotalErrors.Load(),
		"total_timeouts":    h.TotalTimeouts.Load(),
		"total_duration_ns": totalDur,
		"avg_duration_ns":   avgDuration,
		"avg_duration_ms":   float64(avgDuration) / 1_000_000,
	}
}

// Reset clears all metrics.
func (h *MetricsHook) Reset() {
	h.TotalCalls.Store(0)
	h.TotalRecords.Store(0)
	h.TotalErrors.Store(0)
	h.TotalTimeouts.Store(0)
	h.TotalDurationNs.Store(0)
}

// ============================================================================
// RecordLimitHook - Rejects oversized batches
// ============================================================================

// RecordLimitHook aborts calls carrying more than a fixed number of records.
type RecordLimitHook struct {
	max int
}

// NewRecordLimitHook creates a hook rejecting calls above max records.
func NewRecordLimitHook(max int) *RecordLimitHook {
	return &RecordLimitHook{max: max}
}

func (h *RecordLimitHook) Name() string {
	return "record_limit"
}

func (h *RecordLimitHook) Before(ctx context.Context, hookCtx *HookContext) error {
	if hookCtx.Records > h.max {
		return protocol.ParameterError("batch exceeds record limit").
			WithDetail("records", hookCtx.Records).
			WithDetail("limit", h.max)
	}
	return nil
}

func (h *RecordLimitHook) After(ctx context.Context, hookCtx *HookContext) error {
	return nil
}
