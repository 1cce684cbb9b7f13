package batch

import (
	"context"

	"github.com/dan-strohschein/clusterbatch/logging"
)

// dispatch executes groups and returns the first error any of them reported.
// Only a top-level pass with more than one group runs on the worker pool;
// split retries always run in the calling goroutine.
func (e *execution) dispatch(ctx context.Context, groups []*NodeGroup, parent *command) error {
	slot := &errorSlot{}

	if e.policy.Concurrent && len(groups) > 1 && parent == nil {
		e.runConcurrent(ctx, groups, slot)
	} else {
		e.runSequential(ctx, groups, slot, parent)
	}
	return slot.get()
}

// runSequential stops issuing sub-requests after the first failure. Records
// answered before it keep their results; the rest get its result code.
func (e *execution) runSequential(ctx context.Context, groups []*NodeGroup, slot *errorSlot, parent *command) {
	for i, g := range groups {
		cmd := newCommand(e, slot, g, parent)
		if err := cmd.run(ctx); err != nil {
			for _, rest := range groups[i+1:] {
				e.markPending(rest.Offsets, err)
			}
			slot.trySet(err)
			return
		}
	}
}

// runConcurrent submits one task per group and waits for exactly as many
// completions as tasks were accepted. A rejected submission fails the batch
// and stops further submissions. Groups never submitted get its result code.
func (e *execution) runConcurrent(ctx context.Context, groups []*NodeGroup, slot *errorSlot) {
	done := make(chan struct{}, len(groups))
	submitted := 0

	for i, g := range groups {
		cmd := newCommand(e, slot, g, nil)
		err := e.x.pool.TrySubmit(func() {
			defer func() { done <- struct{}{} }()
			if err := cmd.run(ctx); err != nil {
				slot.trySet(err)
			}
		})
		if err != nil {
			e.x.observer.PoolRejected()
			e.logger.Warn("batch worker pool saturated",
				logging.Int("capacity", e.x.pool.Size()),
				logging.Int("submitted", submitted),
				logging.Int("groups", len(groups)),
			)
			for _, rest := range groups[i:] {
				e.markPending(rest.Offsets, err)
			}
			slot.trySet(err)
			break
		}
		submitted++
	}

	for i := 0; i < submitted; i++ {
		<-done
	}
}
