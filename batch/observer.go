package batch

// Observer receives execution events. Implementations must be safe for
// concurrent use; calls come from worker goroutines and event loops.
type Observer interface {
	// CommandIssued is called before each node sub-request attempt.
	CommandIssued(node string)

	// CommandFailed is called when a node sub-request gives up.
	CommandFailed(node string, err error)

	// Retry is called before a node sub-request is retried.
	Retry(node string, iteration int)

	// SplitRetry is called when a failed group is re-planned onto other nodes.
	SplitRetry(offsets, groups int)

	// PoolRejected is called when the worker pool refuses a sub-request.
	PoolRejected()
}

type noopObserver struct{}

func (noopObserver) CommandIssued(string)        {}
func (noopObserver) CommandFailed(string, error) {}
func (noopObserver) Retry(string, int)           {}
func (noopObserver) SplitRetry(int, int)         {}
func (noopObserver) PoolRejected()               {}
