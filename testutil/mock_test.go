package testutil_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/dan-strohschein/clusterbatch/testutil"
)

func TestRecorder_Calls(t *testing.T) {
	rec := testutil.NewRecorder()

	rec.CommandIssued("A")
	rec.Retry("A", 1)
	rec.SplitRetry(3, 2)
	rec.CommandIssued("B")
	rec.CommandFailed("B", errors.New("down"))
	rec.PoolRejected()

	if got := rec.GetCallCount("CommandIssued"); got != 2 {
		t.Errorf("expected 2 issued commands, got %d", got)
	}
	nodes := rec.Nodes("CommandIssued")
	if nodes[0] != "A" || nodes[1] != "B" {
		t.Errorf("unexpected node order %v", nodes)
	}

	split := rec.Calls("SplitRetry")
	if len(split) != 1 || split[0].Args[0] != 3 || split[0].Args[1] != 2 {
		t.Errorf("unexpected split calls %v", split)
	}
	if failed := rec.Calls("CommandFailed"); failed[0].Err == nil {
		t.Error("expected failure to carry its error")
	}
	if len(rec.GetCalls()) != 6 {
		t.Errorf("expected 6 calls, got %d", len(rec.GetCalls()))
	}
}

func TestRecorder_Reset(t *testing.T) {
	rec := testutil.NewRecorder()
	rec.PoolRejected()
	rec.Reset()

	if len(rec.GetCalls()) != 0 {
		t.Error("expected no calls after reset")
	}
}

func TestRecorder_ThreadSafety(t *testing.T) {
	rec := testutil.NewRecorder()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.CommandIssued("A")
		}()
	}
	wg.Wait()

	if got := rec.GetCallCount("CommandIssued"); got != 10 {
		t.Errorf("expected 10 calls, got %d", got)
	}
}
