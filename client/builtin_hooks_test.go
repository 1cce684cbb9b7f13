package client

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dan-strohschein/clusterbatch/logging"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/testutil"
)

func newHookContext(op string, records int) *HookContext {
	return &HookContext{
		Operation: op,
		Records:   records,
		StartTime: time.Now(),
		Metadata:  make(map[string]interface{}),
		TraceID:   "trace-1",
	}
}

func TestLoggingHook(t *testing.T) {
	var buf bytes.Buffer
	hook := NewLoggingHook(logging.NewLogger("DEBUG", logging.FormatLogfmt, &buf), true, true)

	if hook.Name() != "logging" {
		t.Errorf("expected name 'logging', got %s", hook.Name())
	}

	ctx := context.Background()
	hookCtx := newHookContext(OpGet, 3)
	if err := hook.Before(ctx, hookCtx); err != nil {
		t.Fatalf("Before: %v", err)
	}
	hookCtx.Duration = 5 * time.Millisecond
	if err := hook.After(ctx, hookCtx); err != nil {
		t.Fatalf("After: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"executing batch call", "batch call completed", "operation=get", "records=3", "trace_id=trace-1", "duration=5ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	hookCtx.Error = protocol.TimeoutError("A", 1, true)
	hook.After(ctx, hookCtx)
	if !strings.Contains(buf.String(), "batch call failed") {
		t.Errorf("failure not logged:\n%s", buf.String())
	}
}

func TestLoggingHook_Quiet(t *testing.T) {
	var buf bytes.Buffer
	hook := NewLoggingHook(logging.NewLogger("DEBUG", logging.FormatLogfmt, &buf), false, false)

	hookCtx := newHookContext(OpRead, 1)
	hook.Before(context.Background(), hookCtx)
	if buf.Len() != 0 {
		t.Errorf("Before logged with logCalls disabled:\n%s", buf.String())
	}
	hook.After(context.Background(), hookCtx)
	if strings.Contains(buf.String(), "duration=") {
		t.Errorf("duration logged with logDurations disabled:\n%s", buf.String())
	}
}

func TestMetricsHook(t *testing.T) {
	hook := NewMetricsHook()
	if hook.Name() != "metrics" {
		t.Errorf("expected name 'metrics', got %s", hook.Name())
	}

	ctx := context.Background()
	ok := newHookContext(OpRead, 4)
	ok.Duration = 2 * time.Millisecond
	hook.After(ctx, ok)

	failed := newHookContext(OpExists, 2)
	failed.Duration = 4 * time.Millisecond
	failed.Error = protocol.TimeoutError("A", 0, true)
	hook.After(ctx, failed)

	other := newHookContext(OpGet, 1)
	other.Error = errors.New("boom")
	hook.After(ctx, other)

	stats := hook.GetStats()
	if stats["total_calls"] != uint64(3) {
		t.Errorf("total_calls = %v", stats["total_calls"])
	}
	if stats["total_records"] != uint64(7) {
		t.Errorf("total_records = %v", stats["total_records"])
	}
	if stats["total_errors"] != uint64(2) {
		t.Errorf("total_errors = %v", stats["total_errors"])
	}
	if stats["total_timeouts"] != uint64(1) {
		t.Errorf("total_timeouts = %v", stats["total_timeouts"])
	}
	if stats["avg_duration_ns"] != int64(2*time.Millisecond) {
		t.Errorf("avg_duration_ns = %v", stats["avg_duration_ns"])
	}

	hook.Reset()
	if hook.TotalCalls.Load() != 0 || hook.TotalDurationNs.Load() != 0 {
		t.Error("Reset did not clear counters")
	}
}

func TestRecordLimitHook(t *testing.T) {
	f := newClientFixture(t, nil, "A")
	keys, _ := f.stored(t, []string{"A"}, []string{"A"}, []string{"A"})

	f.client.RegisterHook(NewRecordLimitHook(2))

	err := f.client.BatchRead(context.Background(), nil, testutil.BatchReads(keys))
	if !errors.Is(err, protocol.ErrParameter) {
		t.Fatalf("expected parameter error, got %v", err)
	}
	if n := f.server.GetRequestCount(); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}

	if _, err := f.client.BatchGet(context.Background(), nil, keys[:2]); err != nil {
		t.Errorf("BatchGet within limit: %v", err)
	}
}
