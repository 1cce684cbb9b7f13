package batch

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/dan-strohschein/clusterbatch/protocol"
)

// WorkerPool bounds the node sub-requests running concurrently across all
// batch calls of a client. Submission never blocks.
type WorkerPool struct {
	sem    *semaphore.Weighted
	size   int
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool running at most size tasks at once.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the pool capacity.
func (p *WorkerPool) Size() int {
	return p.size
}

// TrySubmit runs fn on a pool worker. It fails with a pool saturated error when
// every worker is busy or the pool is closed.
func (p *WorkerPool) TrySubmit(fn func()) error {
	if p.closed.Load() || !p.sem.TryAcquire(1) {
		return protocol.PoolSaturatedError(p.size)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

// Close rejects further submissions and waits for running tasks.
func (p *WorkerPool) Close() {
	p.closed.Store(true)
	p.wg.Wait()
}
