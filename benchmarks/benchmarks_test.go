package benchmarks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dan-strohschein/clusterbatch/batch"
	"github.com/dan-strohschein/clusterbatch/client"
	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/logging"
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/testutil"
	"github.com/dan-strohschein/clusterbatch/transport/mock"
)

var benchNodes = []string{"A", "B", "C", "D"}

func benchRecords(b *testing.B, n int) []*model.BatchRecord {
	b.Helper()
	keys := testutil.NewKeyFactory("test", "bench").BuildList(n)
	return testutil.BatchReads(keys)
}

// BenchmarkKeyDigest measures key construction including the digest
func BenchmarkKeyDigest(b *testing.B) {
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := model.NewKey("test", "bench", fmt.Sprintf("user-%d", i)); err != nil {
			b.Fatalf("NewKey failed: %v", err)
		}
	}
}

// BenchmarkPlan measures grouping records by node
func BenchmarkPlan(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("records=%d", n), func(b *testing.B) {
			topo := testutil.NewTopology(b, "test", benchNodes...)
			router := topo.Router()
			records := benchRecords(b, n)
			routing := batch.Routing{Replica: cluster.ReplicaSequence, ReplicaSC: cluster.ReplicaSequence}

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := batch.Plan(router, records, nil, routing); err != nil {
					b.Fatalf("Plan failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkWriteBatch measures request sizing and encoding
func BenchmarkWriteBatch(b *testing.B) {
	for _, n := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("records=%d", n), func(b *testing.B) {
			records := benchRecords(b, n)
			opts := batch.DefaultPolicy()

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				buf, err := protocol.EncodeBatch(records, nil, protocol.BatchOptions{
					TotalTimeout: opts.TotalTimeout,
					AllowInline:  opts.AllowInline,
				}, false)
				if err != nil {
					b.Fatalf("EncodeBatch failed: %v", err)
				}
				buf.Release()
			}
		})
	}
}

// BenchmarkParseBatchChunk measures response parsing
func BenchmarkParseBatchChunk(b *testing.B) {
	const n = 100

	builder := protocol.NewResponseBuilder()
	for i := 0; i < n; i++ {
		builder.Record(uint32(i), model.ResultOK, 1, 0,
			protocol.Bin{Name: "id", Value: int64(i)},
			protocol.Bin{Name: "name", Value: fmt.Sprintf("user-%d", i)},
		)
	}
	proto := builder.Last(model.ResultOK).Proto()
	body := proto[protocol.ProtoHeaderSize:]

	b.SetBytes(int64(len(body)))
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := protocol.ParseBatchChunk(body, n, true, func(protocol.BatchResult) error { return nil })
		if err != nil {
			b.Fatalf("ParseBatchChunk failed: %v", err)
		}
	}
}

func benchClient(b *testing.B, n int) (*client.Client, []*model.Key) {
	b.Helper()

	topo := testutil.NewTopology(b, "test", benchNodes...)
	keys := testutil.NewKeyFactory("test", "bench").BuildList(n)
	server := mock.NewServer().WithRecords(testutil.BuildRecords(keys)...)

	opts := client.DefaultOptions()
	opts.Logger = logging.NewNoopLogger()
	opts.Policy.TotalTimeout = 5 * time.Second

	c, err := client.NewClient(&opts, topo.Table(), server)
	if err != nil {
		b.Fatalf("NewClient failed: %v", err)
	}
	b.Cleanup(func() { c.Close() })
	return c, keys
}

// BenchmarkBatchRead measures synchronous batch reads against the mock cluster
func BenchmarkBatchRead(b *testing.B) {
	for _, concurrent := range []bool{false, true} {
		b.Run(fmt.Sprintf("concurrent=%v", concurrent), func(b *testing.B) {
			c, keys := benchClient(b, 100)
			p := batch.DefaultPolicy()
			p.TotalTimeout = 5 * time.Second
			p.Concurrent = concurrent

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := c.BatchGet(context.Background(), p, keys); err != nil {
					b.Fatalf("BatchGet failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkBatchReadAsync measures pipelined batch reads
func BenchmarkBatchReadAsync(b *testing.B) {
	c, keys := benchClient(b, 100)
	done := make(chan error, 1)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		records := testutil.BatchReads(keys)
		if err := c.BatchReadAsync(nil, records, func(err error) { done <- err }); err != nil {
			b.Fatalf("BatchReadAsync failed: %v", err)
		}
		if err := <-done; err != nil {
			b.Fatalf("listener failed: %v", err)
		}
	}
}
