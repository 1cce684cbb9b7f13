package tcp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/transport"
)

type stubConn struct {
	lastUsed time.Time
	alive    atomic.Bool
	closed   atomic.Bool
}

func (c *stubConn) Write([]byte, time.Duration, time.Time) error    { return nil }
func (c *stubConn) ReadFull([]byte, time.Duration, time.Time) error { return nil }
func (c *stubConn) IsAlive() bool                                   { return c.alive.Load() }
func (c *stubConn) LastUsed() time.Time                             { return c.lastUsed }
func (c *stubConn) Close() error {
	c.closed.Store(true)
	c.alive.Store(false)
	return nil
}

type stubDialer struct {
	clock quartz.Clock
	err   error
	dials atomic.Int32
}

func (d *stubDialer) Dial(ctx context.Context, node *cluster.Node) (transport.Conn, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	c := &stubConn{lastUsed: d.clock.Now()}
	c.alive.Store(true)
	return c, nil
}

func newTestPools(t *testing.T, max int) (*Pools, *stubDialer, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	d := &stubDialer{clock: clock}
	p := NewPools(d, PoolOptions{MaxConnsPerNode: max, IdleTimeout: 10 * time.Second, Clock: clock})
	t.Cleanup(func() { p.Close() })
	return p, d, clock
}

func TestPools_Reuse(t *testing.T) {
	p, d, _ := newTestPools(t, 4)
	node := cluster.NewNode("A", "a", 0)
	ctx := context.Background()

	c1, err := p.Get(ctx, node)
	require.NoError(t, err)
	p.Put(node, c1, true)

	c2, err := p.Get(ctx, node)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, int32(1), d.dials.Load())

	m := p.Metrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(1), m.Misses)
	assert.Equal(t, 1, m.ConnectionsActive)
}

func TestPools_Exhausted(t *testing.T) {
	p, _, _ := newTestPools(t, 2)
	node := cluster.NewNode("A", "a", 0)
	ctx := context.Background()

	c1, err := p.Get(ctx, node)
	require.NoError(t, err)
	_, err = p.Get(ctx, node)
	require.NoError(t, err)

	_, err = p.Get(ctx, node)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrConnectionExhausted))
	assert.True(t, protocol.IsRetryable(err))
	assert.Equal(t, int64(1), p.Metrics().Exhausted)

	// Other nodes have their own capacity.
	_, err = p.Get(ctx, cluster.NewNode("B", "b", 0))
	require.NoError(t, err)

	// Returning an unhealthy connection frees its slot.
	p.Put(node, c1, false)
	assert.True(t, c1.(*stubConn).closed.Load())
	_, err = p.Get(ctx, node)
	require.NoError(t, err)
}

func TestPools_DialError(t *testing.T) {
	p, d, _ := newTestPools(t, 1)
	d.err = protocol.ConnectionError("A", errors.New("refused"))
	node := cluster.NewNode("A", "a", 0)

	_, err := p.Get(context.Background(), node)
	require.Error(t, err)
	m := p.Metrics()
	assert.Equal(t, int64(1), m.Errors)
	assert.Equal(t, d.err, m.LastError)

	// A failed dial does not consume capacity.
	d.err = nil
	_, err = p.Get(context.Background(), node)
	require.NoError(t, err)
}

func TestPools_SkipsDeadIdle(t *testing.T) {
	p, d, _ := newTestPools(t, 2)
	node := cluster.NewNode("A", "a", 0)
	ctx := context.Background()

	c1, err := p.Get(ctx, node)
	require.NoError(t, err)
	p.Put(node, c1, true)
	c1.(*stubConn).alive.Store(false)

	c2, err := p.Get(ctx, node)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.True(t, c1.(*stubConn).closed.Load())
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestPools_ReapIdle(t *testing.T) {
	p, _, clock := newTestPools(t, 2)
	node := cluster.NewNode("A", "a", 0)
	ctx := context.Background()

	c, err := p.Get(ctx, node)
	require.NoError(t, err)
	p.Put(node, c, true)

	// Step in reaper-interval increments so no ticker event is skipped.
	for i := 0; i < 2; i++ {
		clock.Advance(5 * time.Second).MustWait(ctx)
		p.reap()
	}
	assert.False(t, c.(*stubConn).closed.Load(), "idle for exactly the timeout")

	clock.Advance(5 * time.Second).MustWait(ctx)
	p.reap()
	assert.True(t, c.(*stubConn).closed.Load())
	assert.Equal(t, 0, p.Metrics().ConnectionsIdle)
}

func TestPools_Close(t *testing.T) {
	p, _, _ := newTestPools(t, 2)
	node := cluster.NewNode("A", "a", 0)
	ctx := context.Background()

	c, err := p.Get(ctx, node)
	require.NoError(t, err)
	p.Put(node, c, true)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, c.(*stubConn).closed.Load())

	_, err = p.Get(ctx, node)
	assert.True(t, errors.Is(err, protocol.ErrConnection))
}
