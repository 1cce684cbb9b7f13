package model

import "slices"

// Record is a parsed server record.
type Record struct {
	Key        *Key
	Bins       map[string]any
	Generation uint32
	// Expiration is the remaining time to live in seconds. math.MaxUint32
	// means the record never expires.
	Expiration uint32
}

// BinSelection describes which bins a batch entry asks for.
type BinSelection int

const (
	// SelectBins reads the bins listed in BinNames.
	SelectBins BinSelection = iota
	// SelectAll reads every bin.
	SelectAll
	// SelectNone reads only the record metadata.
	SelectNone
)

// BatchRecord is one entry of a batch call. The executor writes Result and
// Record in place.
type BatchRecord struct {
	Key       *Key
	Selection BinSelection
	BinNames  []string

	Result ResultCode
	Record *Record
}

// NewBatchRead asks for the named bins of key. With no names it behaves like
// NewBatchReadAll.
func NewBatchRead(key *Key, binNames ...string) *BatchRecord {
	if len(binNames) == 0 {
		return NewBatchReadAll(key)
	}
	return &BatchRecord{Key: key, Selection: SelectBins, BinNames: binNames, Result: ResultPending}
}

// NewBatchReadAll asks for every bin of key.
func NewBatchReadAll(key *Key) *BatchRecord {
	return &BatchRecord{Key: key, Selection: SelectAll, Result: ResultPending}
}

// NewBatchExists asks only whether key exists.
func NewBatchExists(key *Key) *BatchRecord {
	return &BatchRecord{Key: key, Selection: SelectNone, Result: ResultPending}
}

// SameSelection reports whether both entries request the same bins.
func (r *BatchRecord) SameSelection(other *BatchRecord) bool {
	if r.Selection != other.Selection {
		return false
	}
	if r.Selection != SelectBins {
		return true
	}
	return slices.Equal(r.BinNames, other.BinNames)
}

// Reset clears the outcome so the record can be executed again.
func (r *BatchRecord) Reset() {
	r.Result = ResultPending
	r.Record = nil
}
