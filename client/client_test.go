package client

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dan-strohschein/clusterbatch/batch"
	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/logging"
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/testutil"
	"github.com/dan-strohschein/clusterbatch/transport/mock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clientFixture struct {
	topo   *testutil.Topology
	keys   *testutil.KeyFactory
	server *mock.Server
	reg    *prometheus.Registry
	client *Client
}

func newClientFixture(t *testing.T, configure func(*ClientOptions), nodes ...string) *clientFixture {
	t.Helper()

	f := &clientFixture{
		topo:   testutil.NewTopology(t, "test", nodes...),
		keys:   testutil.NewKeyFactory("test", "users"),
		server: mock.NewServer(),
		reg:    prometheus.NewRegistry(),
	}

	opts := DefaultOptions()
	opts.Logger = logging.NewNoopLogger()
	opts.Registerer = f.reg
	opts.WorkerPoolSize = 4
	opts.Policy.TotalTimeout = 2 * time.Second
	opts.Policy.SocketTimeout = time.Second
	if configure != nil {
		configure(&opts)
	}

	c, err := NewClient(&opts, f.topo.Table(), f.server)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	f.client = c
	return f
}

func (f *clientFixture) stored(t *testing.T, replicas ...[]string) ([]*model.Key, []*model.Record) {
	t.Helper()
	keys := f.keys.BuildList(len(replicas))
	for i, k := range keys {
		f.topo.Pin(k, replicas[i]...)
	}
	recs := testutil.BuildRecords(keys)
	f.server.WithRecords(recs...)
	return keys, recs
}

func timeoutOn(node string) mock.Handler {
	return func(string, *protocol.BatchRequest) mock.Reply {
		return mock.Reply{ReadErr: protocol.TimeoutError(node, 0, false)}
	}
}

func TestNewClient_RequiresTable(t *testing.T) {
	_, err := NewClient(nil, nil, mock.NewServer())
	assert.ErrorIs(t, err, protocol.ErrParameter)
}

func TestClient_BatchRead(t *testing.T) {
	f := newClientFixture(t, nil, "A", "B")
	keys, recs := f.stored(t, []string{"A"}, []string{"B"})

	records := testutil.BatchReads(keys)
	require.NoError(t, f.client.BatchRead(context.Background(), nil, records))

	for i, r := range records {
		require.Equal(t, model.ResultOK, r.Result)
		assert.Equal(t, recs[i].Bins, r.Record.Bins)
	}
	assert.Equal(t, 2, f.server.GetRequestCount())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.calls.WithLabelValues(OpRead, "ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.commands.WithLabelValues("A")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.commands.WithLabelValues("B")))
}

func TestClient_DefaultPolicyFromOptions(t *testing.T) {
	f := newClientFixture(t, func(o *ClientOptions) {
		o.Policy.Predicate = []byte{0x93, 0x51, 0x02}
	}, "A")
	keys, _ := f.stored(t, []string{"A"})

	require.NoError(t, f.client.BatchRead(context.Background(), nil, testutil.BatchReads(keys)))

	reqs := f.server.RequestsTo("A")
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.PredicateField([]byte{0x93, 0x51, 0x02}), reqs[0].Batch.Predicate)
}

func TestClient_BatchGetAndExists(t *testing.T) {
	f := newClientFixture(t, nil, "A")
	keys, recs := f.stored(t, []string{"A"}, []string{"A"})
	missing := f.keys.BuildWith("missing")
	f.topo.Pin(missing, "A")
	all := append(keys, missing)

	got, err := f.client.BatchGet(context.Background(), nil, all)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, recs[0].Bins, got[0].Bins)
	assert.Equal(t, recs[1].Bins, got[1].Bins)
	assert.Nil(t, got[2])

	bins, err := f.client.BatchGetBins(context.Background(), nil, keys, "name")
	require.NoError(t, err)
	require.Len(t, bins, 2)
	assert.Equal(t, map[string]interface{}{"name": recs[0].Bins["name"]}, bins[0].Bins)

	exists, err := f.client.BatchExists(context.Background(), nil, all)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, false}, exists)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.calls.WithLabelValues(OpGet, "ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.calls.WithLabelValues(OpGetBins, "ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.calls.WithLabelValues(OpExists, "ok")))
}

func TestClient_BatchGetStream(t *testing.T) {
	f := newClientFixture(t, nil, "A")
	keys, _ := f.stored(t, []string{"A"}, []string{"A"}, []string{"A"})

	var mu sync.Mutex
	seen := make(map[int]bool)
	err := f.client.BatchGetStream(context.Background(), nil, keys, nil, func(i int, rec *model.Record) bool {
		mu.Lock()
		defer mu.Unlock()
		seen[i] = rec != nil
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, seen)

	err = f.client.BatchGetStream(context.Background(), nil, keys, nil, func(int, *model.Record) bool {
		return false
	})
	assert.ErrorIs(t, err, protocol.ErrClientAbort)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.calls.WithLabelValues(OpGetStream, "client_abort")))
}

func TestClient_BatchReadAsync(t *testing.T) {
	f := newClientFixture(t, nil, "A", "B")
	keys, recs := f.stored(t, []string{"A"}, []string{"B"}, []string{"A"})

	records := testutil.BatchReads(keys)
	done := make(chan error, 1)
	require.NoError(t, f.client.BatchReadAsync(nil, records, func(err error) { done <- err }))
	require.NoError(t, testutil.AwaitError(t, done, 5*time.Second))

	for i, r := range records {
		require.Equal(t, model.ResultOK, r.Result)
		assert.Equal(t, recs[i].Bins, r.Record.Bins)
	}
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.calls.WithLabelValues(OpReadAsync, "ok")))
	assert.Greater(t, promtest.ToFloat64(f.client.metrics.transitions.WithLabelValues("writing")), 0.0)
}

func TestClient_BatchReadAsyncDisabled(t *testing.T) {
	f := newClientFixture(t, func(o *ClientOptions) { o.EventLoops = 0 }, "A")
	keys, _ := f.stored(t, []string{"A"})

	err := f.client.BatchReadAsync(nil, testutil.BatchReads(keys), func(error) {
		t.Error("listener must not be called")
	})
	assert.ErrorIs(t, err, protocol.ErrParameter)

	err = f.client.BatchReadAsync(nil, testutil.BatchReads(keys), nil)
	assert.ErrorIs(t, err, protocol.ErrParameter)
}

func TestClient_SplitRetryMetrics(t *testing.T) {
	f := newClientFixture(t, nil, "A", "B", "C")
	keys, _ := f.stored(t, []string{"A", "B"}, []string{"A", "C"})
	f.server.WithNodeHandler("A", timeoutOn("A"))

	records := testutil.BatchReads(keys)
	require.NoError(t, f.client.BatchRead(context.Background(), nil, records))

	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.splitRetries))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.retries.WithLabelValues("A")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.commands.WithLabelValues("B")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.commands.WithLabelValues("C")))
}

func TestClient_FailureMetrics(t *testing.T) {
	f := newClientFixture(t, func(o *ClientOptions) {
		o.Policy.Replica = cluster.ReplicaMaster
		o.Policy.MaxRetries = 0
	}, "A")
	keys, _ := f.stored(t, []string{"A"})
	f.server.WithNodeHandler("A", timeoutOn("A"))

	err := f.client.BatchRead(context.Background(), nil, testutil.BatchReads(keys))
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.calls.WithLabelValues(OpRead, "timeout")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.client.metrics.nodeErrors.WithLabelValues("A", "timeout")))
}

func TestClient_MetricsRegistered(t *testing.T) {
	f := newClientFixture(t, nil, "A")
	keys, _ := f.stored(t, []string{"A"})
	require.NoError(t, f.client.BatchRead(context.Background(), nil, testutil.BatchReads(keys)))

	families, err := f.reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["clusterbatch_batch_calls_total"])
	assert.True(t, names["clusterbatch_batch_call_duration_seconds"])
	assert.True(t, names["clusterbatch_node_commands_total"])
	assert.True(t, names["clusterbatch_pipeline_connections_open"])
}

func TestClient_Close(t *testing.T) {
	f := newClientFixture(t, nil, "A")
	keys, _ := f.stored(t, []string{"A"})

	require.NoError(t, f.client.Close())
	require.NoError(t, f.client.Close())

	err := f.client.BatchRead(context.Background(), nil, testutil.BatchReads(keys))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = f.client.BatchGet(context.Background(), nil, keys)
	assert.ErrorIs(t, err, ErrClosed)

	err = f.client.BatchReadAsync(nil, testutil.BatchReads(keys), func(error) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, f.server.GetRequestCount())
}

func TestClient_CloseWaitsForRunningCalls(t *testing.T) {
	f := newClientFixture(t, nil, "A")
	keys, _ := f.stored(t, []string{"A"}, []string{"A"})
	f.server.WithResponseDelay(200 * time.Millisecond)

	records := testutil.BatchReads(keys)
	done := make(chan error, 1)
	go func() {
		done <- f.client.BatchRead(context.Background(), nil, records)
	}()
	testutil.WaitFor(t, time.Second, 5*time.Millisecond, func() bool {
		return f.server.GetRequestCount() > 0
	})

	require.NoError(t, f.client.Close())

	// The read finished on live connections before Close returned.
	select {
	case err := <-done:
		require.NoError(t, err)
	default:
		t.Fatal("Close returned while a read was still running")
	}
	assert.Equal(t, []model.ResultCode{model.ResultOK, model.ResultOK}, testutil.ResultCodes(records))
}

func TestClient_DebugInfo(t *testing.T) {
	f := newClientFixture(t, nil, "A")
	keys, _ := f.stored(t, []string{"A"})
	require.NoError(t, f.client.BatchRead(context.Background(), nil, testutil.BatchReads(keys)))

	info := f.client.GetDebugInfo()
	assert.Equal(t, Version, info["version"])
	assert.Equal(t, false, info["closed"])

	pools, ok := info["pools"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, int64(1), pools["connectionsCreated"])

	pipe, ok := info["pipeline"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, pipe["eventLoops"])

	assert.Contains(t, f.client.DumpDebugInfoJSON(), `"replica": "sequence"`)
}

func TestClient_LoggerFromOptions(t *testing.T) {
	var buf bytes.Buffer
	f := newClientFixture(t, func(o *ClientOptions) {
		o.Logger = logging.NewLogger("INFO", logging.FormatLogfmt, &buf)
	}, "A")
	require.NoError(t, f.client.Close())

	assert.Contains(t, buf.String(), "client created")
	assert.Contains(t, buf.String(), "closing client")
}

func TestBatchReadAsync_HooksSeeOutcome(t *testing.T) {
	f := newClientFixture(t, nil, "A")
	keys, _ := f.stored(t, []string{"A"}, []string{"A"})

	hook := NewMetricsHook()
	f.client.RegisterHook(hook)

	done := make(chan error, 1)
	require.NoError(t, f.client.BatchReadAsync(nil, testutil.BatchReads(keys), func(err error) { done <- err }))
	require.NoError(t, testutil.AwaitError(t, done, 5*time.Second))

	assert.Equal(t, uint64(1), hook.TotalCalls.Load())
	assert.Equal(t, uint64(2), hook.TotalRecords.Load())
	assert.Zero(t, hook.TotalErrors.Load())
}

var _ batch.Observer = (*Metrics)(nil)

type profile struct {
	Name string `bin:"name"`
	Age  int    `bin:"age"`
	Gen  uint32 `meta:"generation"`
}

func TestClient_BatchGetObjects(t *testing.T) {
	f := newClientFixture(t, nil, "A")
	keys, recs := f.stored(t, []string{"A"}, []string{"A"})
	missing := f.keys.BuildWith("missing")
	f.topo.Pin(missing, "A")

	objects := []interface{}{&profile{}, &profile{}, &profile{Name: "untouched"}}
	found, err := f.client.BatchGetObjects(context.Background(), nil, append(keys, missing), objects)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, false}, found)

	first := objects[0].(*profile)
	assert.Equal(t, recs[0].Bins["name"], first.Name)
	assert.EqualValues(t, recs[0].Bins["age"], first.Age)
	assert.Equal(t, recs[0].Generation, first.Gen)
	assert.Equal(t, "untouched", objects[2].(*profile).Name)

	reqs := f.server.RequestsTo("A")
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"name", "age"}, reqs[0].Batch.Entries[0].BinNames)

	_, err = f.client.BatchGetObjects(context.Background(), nil, keys, objects)
	assert.ErrorIs(t, err, protocol.ErrParameter)

	_, err = f.client.BatchGetObjects(context.Background(), nil, keys[:1], []interface{}{profile{}})
	assert.ErrorIs(t, err, protocol.ErrParameter)
}
