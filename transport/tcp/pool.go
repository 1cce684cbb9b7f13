package tcp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/pkg/errors"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/transport"
)

var errPoolClosed = errors.New("pool is closed")

// PoolOptions configures the per-node connection pools
type PoolOptions struct {
	// MaxConnsPerNode caps open connections to a single node
	MaxConnsPerNode int

	// IdleTimeout closes pooled connections unused for longer
	IdleTimeout time.Duration

	// Clock drives idle reaping. Defaults to the real clock.
	Clock quartz.Clock
}

// poolStats tracks connection pool statistics
type poolStats struct {
	created   atomic.Int64
	active    atomic.Int32
	idle      atomic.Int32
	hits      atomic.Int64
	misses    atomic.Int64
	exhausted atomic.Int64
	errors    atomic.Int64
}

// nodePool holds the idle connections of one node
type nodePool struct {
	node  *cluster.Node
	conns chan transport.Conn
	total atomic.Int32
}

// Pools implements transport.ConnProvider with one bounded pool per node.
// Get never waits for a connection to be returned: at capacity it fails with
// a connection exhausted error, which callers treat like a timeout.
type Pools struct {
	dialer transport.Dialer
	opts   PoolOptions
	clock  quartz.Clock
	stats  poolStats

	mu            sync.RWMutex
	pools         map[string]*nodePool
	closed        bool
	lastError     error
	lastErrorTime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPools creates per-node pools dialing through dialer.
func NewPools(dialer transport.Dialer, opts PoolOptions) *Pools {
	if opts.MaxConnsPerNode < 1 {
		opts.MaxConnsPerNode = 100
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 55 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}

	p := &Pools{
		dialer: dialer,
		opts:   opts,
		clock:  opts.Clock,
		pools:  make(map[string]*nodePool),
		stopCh: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.cleanupWorker()
	return p
}

func (p *Pools) pool(node *cluster.Node) (*nodePool, error) {
	p.mu.RLock()
	np, ok := p.pools[node.Name]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, protocol.ConnectionError(node.Name, errPoolClosed)
	}
	if ok {
		return np, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if np, ok = p.pools[node.Name]; ok {
		return np, nil
	}
	np = &nodePool{
		node:  node,
		conns: make(chan transport.Conn, p.opts.MaxConnsPerNode),
	}
	p.pools[node.Name] = np
	return np, nil
}

// Get implements transport.ConnProvider
func (p *Pools) Get(ctx context.Context, node *cluster.Node) (transport.Conn, error) {
	np, err := p.pool(node)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case conn := <-np.conns:
			p.stats.idle.Add(-1)
			if !conn.IsAlive() || p.expired(conn) {
				p.discard(np, conn)
				continue
			}
			p.stats.hits.Add(1)
			p.stats.active.Add(1)
			return conn, nil

		default:
			// No idle connection available, try to create new one
			if np.total.Add(1) > int32(p.opts.MaxConnsPerNode) {
				np.total.Add(-1)
				p.stats.exhausted.Add(1)
				return nil, protocol.ConnectionExhaustedError(node.Name, p.opts.MaxConnsPerNode)
			}

			conn, err := p.dialer.Dial(ctx, node)
			if err != nil {
				np.total.Add(-1)
				p.recordError(err)
				return nil, err
			}

			p.stats.created.Add(1)
			p.stats.misses.Add(1)
			p.stats.active.Add(1)
			return conn, nil
		}
	}
}

// Put implements transport.ConnProvider
func (p *Pools) Put(node *cluster.Node, conn transport.Conn, healthy bool) {
	if conn == nil {
		return
	}
	p.stats.active.Add(-1)

	p.mu.RLock()
	np := p.pools[node.Name]
	closed := p.closed
	p.mu.RUnlock()

	if np == nil {
		conn.Close()
		return
	}
	if closed || !healthy || !conn.IsAlive() {
		p.discard(np, conn)
		return
	}

	select {
	case np.conns <- conn:
		p.stats.idle.Add(1)
	default:
		p.discard(np, conn)
	}
}

func (p *Pools) discard(np *nodePool, conn transport.Conn) {
	np.total.Add(-1)
	conn.Close()
}

func (p *Pools) expired(conn transport.Conn) bool {
	return p.clock.Since(conn.LastUsed()) > p.opts.IdleTimeout
}

// Close implements transport.ConnProvider
func (p *Pools) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pools := p.pools
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for _, np := range pools {
		p.drain(np, func(transport.Conn) bool { return true })
	}
	return nil
}

// Metrics returns a snapshot of pool counters.
func (p *Pools) Metrics() transport.Metrics {
	p.mu.RLock()
	lastErr := p.lastError
	lastErrTime := p.lastErrorTime
	p.mu.RUnlock()

	return transport.Metrics{
		ConnectionsCreated: p.stats.created.Load(),
		ConnectionsActive:  int(p.stats.active.Load()),
		ConnectionsIdle:    int(p.stats.idle.Load()),
		Hits:               p.stats.hits.Load(),
		Misses:             p.stats.misses.Load(),
		Exhausted:          p.stats.exhausted.Load(),
		Errors:             p.stats.errors.Load(),
		LastError:          lastErr,
		LastErrorTime:      lastErrTime,
	}
}

// recordError records a dial error in metrics
func (p *Pools) recordError(err error) {
	p.stats.errors.Add(1)
	p.mu.Lock()
	p.lastError = err
	p.lastErrorTime = p.clock.Now()
	p.mu.Unlock()
}

// cleanupWorker periodically removes idle and dead connections
func (p *Pools) cleanupWorker() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.opts.IdleTimeout/2, "tcp", "reaper")
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

func (p *Pools) reap() {
	p.mu.RLock()
	pools := make([]*nodePool, 0, len(p.pools))
	for _, np := range p.pools {
		pools = append(pools, np)
	}
	p.mu.RUnlock()

	for _, np := range pools {
		p.drain(np, func(conn transport.Conn) bool {
			return !conn.IsAlive() || p.expired(conn)
		})
	}
}

// drain inspects each idle connection once, closing those remove selects and
// putting the rest back.
func (p *Pools) drain(np *nodePool, remove func(transport.Conn) bool) {
	n := len(np.conns)
	for i := 0; i < n; i++ {
		select {
		case conn := <-np.conns:
			if remove(conn) {
				p.stats.idle.Add(-1)
				p.discard(np, conn)
				continue
			}
			select {
			case np.conns <- conn:
			default:
				p.stats.idle.Add(-1)
				p.discard(np, conn)
			}
		default:
			return
		}
	}
}
