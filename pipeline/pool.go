package pipeline

import "github.com/dan-strohschein/clusterbatch/cluster"

// Pool holds the pipelined connections of one node on one event loop. Pooled
// connections may still have readers; a pooled connection is handed to the
// next writer while earlier responses are outstanding.
type Pool struct {
	node     *cluster.Node
	capacity int
	total    int
	idle     []*Conn
}

func newPool(node *cluster.Node, capacity int) *Pool {
	return &Pool{node: node, capacity: capacity}
}

// Total returns the number of open connections, pooled or not.
func (p *Pool) Total() int {
	return p.total
}

// Idle returns the number of pooled connections.
func (p *Pool) Idle() int {
	return len(p.idle)
}

func (p *Pool) full() bool {
	return p.total >= p.capacity
}

// reserve counts a new connection against capacity.
func (p *Pool) reserve() bool {
	if p.full() {
		return false
	}
	p.total++
	return true
}

// push pools c unless the pool is at capacity.
func (p *Pool) push(c *Conn) bool {
	if len(p.idle) >= p.capacity {
		return false
	}
	p.idle = append(p.idle, c)
	return true
}

// pop removes the oldest pooled connection.
func (p *Pool) pop() *Conn {
	if len(p.idle) == 0 {
		return nil
	}
	c := p.idle[0]
	p.idle[0] = nil
	p.idle = p.idle[1:]
	return c
}

func (p *Pool) remove(c *Conn) {
	for i, pc := range p.idle {
		if pc == c {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}
