package batch

import (
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/logging"
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/protocol"
)

// errorSlot keeps the first error reported by the sub-requests of one
// dispatch pass. Later errors are dropped.
type errorSlot struct {
	set atomic.Bool
	err error
}

// trySet stores err if no error was stored yet.
func (s *errorSlot) trySet(err error) bool {
	if !s.set.CompareAndSwap(false, true) {
		return false
	}
	s.err = err
	return true
}

func (s *errorSlot) isSet() bool {
	return s.set.Load()
}

// get returns the stored error. Only valid once every writer has finished.
func (s *errorSlot) get() error {
	if !s.set.Load() {
		return nil
	}
	return s.err
}

// execution is the state shared by every sub-request of one batch call,
// retries included.
type execution struct {
	x         *Executor
	policy    *Policy
	opts      protocol.BatchOptions
	records   []*model.BatchRecord
	replicaSC cluster.ReplicaPolicy
	deadline  time.Time
	traceID   string
	logger    logging.Logger

	// sink receives every parsed entry. Sub-requests own disjoint offsets, so
	// concurrent calls never touch the same record.
	sink func(protocol.BatchResult) error
}

// store writes a parsed entry into its record.
func (e *execution) store(r protocol.BatchResult) error {
	rec := e.records[r.Offset]
	rec.Result = r.Result
	if r.Record != nil {
		r.Record.Key = rec.Key
		rec.Record = r.Record
	}
	return nil
}

// routing returns the planner inputs for a first attempt.
func (e *execution) routing() Routing {
	return Routing{
		Replica:   e.policy.Replica,
		ReplicaSC: e.replicaSC,
		Master:    true,
		MasterSC:  true,
	}
}

// markPending gives offsets still unanswered the result code of err.
func (e *execution) markPending(offsets []uint32, err error) {
	rc := protocol.ResultOf(err)
	for _, off := range offsets {
		if e.records[off].Result == model.ResultPending {
			e.records[off].Result = rc
		}
	}
}
