package testutil

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/clusterbatch/model"
)

// Sequence generators for unique values

var (
	userKeySequence uint64
	idSequence      uint64
)

// SequenceUserKey generates unique string user keys.
func SequenceUserKey() string {
	n := atomic.AddUint64(&userKeySequence, 1)
	return fmt.Sprintf("user-%d", n)
}

// SequenceID generates unique IDs.
func SequenceID() int64 {
	return int64(atomic.AddUint64(&idSequence, 1))
}

// Random generators for realistic test data

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

// RandomString generates a random string of the specified length.
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rng.Intn(len(charset))]
	}
	return string(b)
}

// RandomInt generates a random integer between min and max (inclusive).
func RandomInt(min, max int) int {
	return min + rng.Intn(max-min+1)
}

// KeyFactory creates keys in one namespace and set.
type KeyFactory struct {
	Namespace string
	SetName   string
}

// NewKeyFactory creates a factory for keys in namespace and set.
func NewKeyFactory(namespace, set string) *KeyFactory {
	return &KeyFactory{Namespace: namespace, SetName: set}
}

// Build creates a key with a unique user key.
func (f *KeyFactory) Build() *model.Key {
	return f.BuildWith(SequenceUserKey())
}

// BuildWith creates the key for userKey. It panics on unsupported key types.
func (f *KeyFactory) BuildWith(userKey any) *model.Key {
	k, err := model.NewKey(f.Namespace, f.SetName, userKey)
	if err != nil {
		panic(err)
	}
	return k
}

// BuildList creates count keys that all fall into different partitions, so
// each can be placed on its own replica list.
func (f *KeyFactory) BuildList(count int) []*model.Key {
	keys := make([]*model.Key, 0, count)
	seen := make(map[uint32]bool, count)
	for len(keys) < count {
		k := f.Build()
		if seen[k.PartitionID()] {
			continue
		}
		seen[k.PartitionID()] = true
		keys = append(keys, k)
	}
	return keys
}

// RecordOption modifies a record built by BuildRecord.
type RecordOption func(*model.Record)

// WithBins replaces the record's bins.
func WithBins(bins map[string]any) RecordOption {
	return func(r *model.Record) {
		r.Bins = bins
	}
}

// WithBin sets one bin.
func WithBin(name string, value any) RecordOption {
	return func(r *model.Record) {
		r.Bins[name] = value
	}
}

// WithGeneration sets the record generation.
func WithGeneration(gen uint32) RecordOption {
	return func(r *model.Record) {
		r.Generation = gen
	}
}

// WithExpiration sets the remaining time to live in seconds.
func WithExpiration(ttl uint32) RecordOption {
	return func(r *model.Record) {
		r.Expiration = ttl
	}
}

// BuildRecord creates a stored record for key with user-like bins.
func BuildRecord(key *model.Key, options ...RecordOption) *model.Record {
	r := &model.Record{
		Key: key,
		Bins: map[string]any{
			"id":   SequenceID(),
			"name": RandomString(8),
			"age":  int64(RandomInt(18, 90)),
		},
		Generation: 1,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// BuildRecords creates one stored record per key.
func BuildRecords(keys []*model.Key, options ...RecordOption) []*model.Record {
	records := make([]*model.Record, len(keys))
	for i, k := range keys {
		records[i] = BuildRecord(k, options...)
	}
	return records
}

// BatchReads wraps keys in batch records reading the named bins, or every bin
// when none are named.
func BatchReads(keys []*model.Key, binNames ...string) []*model.BatchRecord {
	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		records[i] = model.NewBatchRead(k, binNames...)
	}
	return records
}
