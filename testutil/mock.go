package testutil

import (
	"fmt"
	"sync"
)

// Call records one observed batch event.
type Call struct {
	Method string
	Node   string
	Args   []interface{}
	Err    error
}

// Recorder is an observer that records every batch event for assertions.
// It satisfies the batch observer interface.
//
// Example usage:
//
//	rec := testutil.NewRecorder()
//	exec := batch.NewExecutor(router, pools, pool, batch.WithObserver(rec))
//	...
//	assert.Equal(t, 1, rec.GetCallCount("SplitRetry"))
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

// CommandIssued records a command sent to node.
func (r *Recorder) CommandIssued(node string) {
	r.record(Call{Method: "CommandIssued", Node: node})
}

// CommandFailed records a command that failed for good.
func (r *Recorder) CommandFailed(node string, err error) {
	r.record(Call{Method: "CommandFailed", Node: node, Err: err})
}

// Retry records a retry attempt.
func (r *Recorder) Retry(node string, iteration int) {
	r.record(Call{Method: "Retry", Node: node, Args: []interface{}{iteration}})
}

// SplitRetry records a command re-planned onto groups nodes.
func (r *Recorder) SplitRetry(offsets, groups int) {
	r.record(Call{Method: "SplitRetry", Args: []interface{}{offsets, groups}})
}

// PoolRejected records a sub-task the worker pool refused.
func (r *Recorder) PoolRejected() {
	r.record(Call{Method: "PoolRejected"})
}

// GetCalls returns all recorded calls.
func (r *Recorder) GetCalls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Call, len(r.calls))
	copy(result, r.calls)
	return result
}

// Calls returns the recorded calls of one method.
func (r *Recorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []Call
	for _, c := range r.calls {
		if c.Method == method {
			result = append(result, c)
		}
	}
	return result
}

// GetCallCount returns the number of times a method was called.
func (r *Recorder) GetCallCount(method string) int {
	return len(r.Calls(method))
}

// Nodes returns the nodes of a method's calls in call order.
func (r *Recorder) Nodes(method string) []string {
	calls := r.Calls(method)
	nodes := make([]string, len(calls))
	for i, c := range calls {
		nodes[i] = c.Node
	}
	return nodes
}

// Reset clears all recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// String summarizes the recorded calls for failure messages.
func (r *Recorder) String() string {
	calls := r.GetCalls()
	s := fmt.Sprintf("%d calls", len(calls))
	for _, c := range calls {
		s += fmt.Sprintf("\n  %s %s %v", c.Method, c.Node, c.Args)
		if c.Err != nil {
			s += fmt.Sprintf(" err=%v", c.Err)
		}
	}
	return s
}
