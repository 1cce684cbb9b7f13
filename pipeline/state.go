package pipeline

import (
	"fmt"
	"time"
)

// ConnState is the lifecycle state of a pipelined connection.
type ConnState int

const (
	// StateConnecting indicates the socket is being dialed for its first writer.
	StateConnecting ConnState = iota
	// StateIdle indicates no writer and no readers.
	StateIdle
	// StateWriting indicates a writer is sending. Readers may be queued.
	StateWriting
	// StateReading indicates queued readers and no writer.
	StateReading
	// StateCanceling indicates every command on the connection is being failed.
	StateCanceling
	// StateCanceled indicates a pooled connection that must not be reused.
	StateCanceled
	// StateClosed indicates the socket is closed and released from its pool.
	StateClosed
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateIdle:
		return "IDLE"
	case StateWriting:
		return "WRITING"
	case StateReading:
		return "READING"
	case StateCanceling:
		return "CANCELING"
	case StateCanceled:
		return "CANCELED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StateTransition represents a change in connection state.
type StateTransition struct {
	// ConnID identifies the connection within its Mux.
	ConnID uint64

	// Node is the name of the node the connection serves.
	Node string

	From ConnState
	To   ConnState

	// Timestamp is when the transition occurred.
	Timestamp time.Time

	// Error is the error that caused the transition (if any).
	Error error

	// Duration is how long the previous state was held.
	Duration time.Duration
}

// StateChangeHandler is called on the owning loop when a connection changes
// state. It must not block.
type StateChangeHandler func(transition StateTransition)

// stateMachine tracks one connection's state. It is only touched from the
// owning loop, so it needs no lock.
type stateMachine struct {
	current        ConnState
	lastTransition time.Time
}

// transitionTo moves to next, returning an error if the transition is illegal.
//
// Legal transitions:
//   - CONNECTING → WRITING, CANCELING, CLOSED
//   - IDLE → WRITING, CANCELING, CLOSED
//   - WRITING → READING, CANCELING
//   - READING → WRITING, IDLE, CANCELING, CLOSED
//   - CANCELING → CANCELED, CLOSED
//   - CANCELED → CLOSED
func (sm *stateMachine) transitionTo(next ConnState, now time.Time) (StateTransition, error) {
	if !isLegalTransition(sm.current, next) {
		return StateTransition{}, fmt.Errorf("illegal connection state transition: %s → %s", sm.current, next)
	}

	t := StateTransition{
		From:      sm.current,
		To:        next,
		Timestamp: now,
		Duration:  now.Sub(sm.lastTransition),
	}
	sm.current = next
	sm.lastTransition = now
	return t, nil
}

func isLegalTransition(from, to ConnState) bool {
	switch from {
	case StateConnecting, StateIdle:
		return to == StateWriting || to == StateCanceling || to == StateClosed
	case StateWriting:
		return to == StateReading || to == StateCanceling
	case StateReading:
		return to == StateWriting || to == StateIdle || to == StateCanceling || to == StateClosed
	case StateCanceling:
		return to == StateCanceled || to == StateClosed
	case StateCanceled:
		return to == StateClosed
	default:
		return false
	}
}
