package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dan-strohschein/clusterbatch/model"
)

// WithTimeout creates a context with timeout for tests.
// Default timeout is 10 seconds.
func WithTimeout(t testing.TB, timeout ...time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()

	duration := 10 * time.Second
	if len(timeout) > 0 {
		duration = timeout[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	t.Cleanup(cancel)

	return ctx, cancel
}

// WaitFor polls a condition until it returns true or times out.
//
// Example:
//
//	testutil.WaitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
//	    return mux.OpenConns() == 0
//	})
func WaitFor(t testing.TB, timeout, interval time.Duration, condition func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}

	t.Errorf("condition not met within timeout %v", timeout)
	return false
}

// Eventually is an alias for WaitFor.
func Eventually(t testing.TB, timeout, interval time.Duration, condition func() bool) bool {
	t.Helper()
	return WaitFor(t, timeout, interval, condition)
}

// AwaitError waits for one value on ch, failing the test after timeout.
func AwaitError(t testing.TB, ch <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		t.Fatalf("no result within %v", timeout)
		return nil
	}
}

// ResultCodes returns the result code of every batch record.
func ResultCodes(records []*model.BatchRecord) []model.ResultCode {
	codes := make([]model.ResultCode, len(records))
	for i, r := range records {
		codes[i] = r.Result
	}
	return codes
}

// SkipIf skips the test if the condition is true.
func SkipIf(t testing.TB, condition bool, reason string) {
	t.Helper()
	if condition {
		t.Skip(reason)
	}
}
