package batch

import (
	"context"

	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/protocol"
)

func keyRecords(keys []*model.Key, build func(*model.Key) *model.BatchRecord) ([]*model.BatchRecord, error) {
	records := make([]*model.BatchRecord, len(keys))
	for i, k := range keys {
		if k == nil {
			return nil, protocol.ParameterError("nil key").WithDetail("index", i)
		}
		records[i] = build(k)
	}
	return records, nil
}

// Get reads every bin of keys. The result has one entry per key, nil where the
// key was not found or could not be read.
func (x *Executor) Get(ctx context.Context, policy *Policy, keys []*model.Key) ([]*model.Record, error) {
	return x.GetBins(ctx, policy, keys)
}

// GetBins reads the named bins of keys. With no bin names every bin is read.
func (x *Executor) GetBins(ctx context.Context, policy *Policy, keys []*model.Key, binNames ...string) ([]*model.Record, error) {
	records, err := keyRecords(keys, func(k *model.Key) *model.BatchRecord {
		return model.NewBatchRead(k, binNames...)
	})
	if err != nil {
		return nil, err
	}

	err = x.Read(ctx, policy, records)
	out := make([]*model.Record, len(records))
	for i, r := range records {
		if r.Result == model.ResultOK {
			out[i] = r.Record
		}
	}
	return out, err
}

// Exists reports for each key whether it exists.
func (x *Executor) Exists(ctx context.Context, policy *Policy, keys []*model.Key) ([]bool, error) {
	records, err := keyRecords(keys, model.NewBatchExists)
	if err != nil {
		return nil, err
	}

	err = x.Read(ctx, policy, records)
	out := make([]bool, len(records))
	for i, r := range records {
		out[i] = r.Result == model.ResultOK
	}
	return out, err
}

// RecordFunc receives one streamed entry: the index of its key and the record,
// nil when the key was not found. Returning false aborts the batch.
type RecordFunc func(index int, rec *model.Record) bool

// GetStream reads the named bins of keys and hands every entry to fn as it is
// parsed instead of collecting results. Entries arrive in response order. With
// a concurrent policy fn is called from several goroutines at once.
func (x *Executor) GetStream(ctx context.Context, policy *Policy, keys []*model.Key, binNames []string, fn RecordFunc) error {
	if policy == nil {
		policy = DefaultPolicy()
	}
	records, err := keyRecords(keys, func(k *model.Key) *model.BatchRecord {
		return model.NewBatchRead(k, binNames...)
	})
	if err != nil || len(records) == 0 {
		return err
	}

	e := x.newExecution(policy, records)
	e.sink = func(r protocol.BatchResult) error {
		rec := records[r.Offset]
		rec.Result = r.Result
		if r.Record != nil {
			r.Record.Key = rec.Key
		}
		if !fn(int(r.Offset), r.Record) {
			return protocol.ClientAbortError()
		}
		return nil
	}
	return x.run(ctx, e)
}
