// Package pipeline multiplexes asynchronous commands over pipelined
// connections. Each EventLoop owns its connections and pools; all connection
// state is changed on the owning loop's goroutine only.
package pipeline

import (
	"sync"
	"sync/atomic"
)

// EventLoop runs posted closures one at a time on a single goroutine.
type EventLoop struct {
	index int

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newEventLoop(index int) *EventLoop {
	l := &EventLoop{
		index: index,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// Index returns the loop's position in its Loops.
func (l *EventLoop) Index() int {
	return l.index
}

// Execute posts fn to the loop. It reports false when the loop is closed.
// Closures posted from the loop itself run after the current one returns.
func (l *EventLoop) Execute(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *EventLoop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		queue := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range queue {
			fn()
		}

		if len(queue) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

// Close stops accepting closures, runs the ones already posted and waits for
// the loop goroutine to exit.
func (l *EventLoop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

// Loops is a fixed set of event loops.
type Loops struct {
	loops []*EventLoop
	next  atomic.Uint32
}

// NewLoops starts n event loops.
func NewLoops(n int) *Loops {
	if n < 1 {
		n = 1
	}
	ls := &Loops{loops: make([]*EventLoop, n)}
	for i := range ls.loops {
		ls.loops[i] = newEventLoop(i)
	}
	return ls
}

// Size returns the number of loops.
func (ls *Loops) Size() int {
	return len(ls.loops)
}

// Get returns loop i.
func (ls *Loops) Get(i int) *EventLoop {
	return ls.loops[i]
}

// Next assigns loops round robin.
func (ls *Loops) Next() *EventLoop {
	i := ls.next.Add(1) - 1
	return ls.loops[int(i%uint32(len(ls.loops)))]
}

// Close closes every loop.
func (ls *Loops) Close() {
	for _, l := range ls.loops {
		l.Close()
	}
}
