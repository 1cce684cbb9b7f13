// Package transport defines the connection abstraction the batch engine runs on
package transport

import (
	"context"
	"time"

	"github.com/dan-strohschein/clusterbatch/cluster"
)

// Conn is a single stream connection to a server node.
//
// Write and ReadFull bound each call by socketTimeout (zero means none) and by
// the absolute deadline (zero means none), whichever comes first. A Conn
// supports one concurrent writer and one concurrent reader.
type Conn interface {
	// Write sends all of buf.
	Write(buf []byte, socketTimeout time.Duration, deadline time.Time) error

	// ReadFull fills buf completely.
	ReadFull(buf []byte, socketTimeout time.Duration, deadline time.Time) error

	// IsAlive reports whether the connection has not failed or been closed.
	IsAlive() bool

	// LastUsed returns the time of the last successful read or write.
	LastUsed() time.Time

	// Close closes the connection. Blocked calls return an error.
	Close() error
}

// Dialer opens connections to nodes.
type Dialer interface {
	Dial(ctx context.Context, node *cluster.Node) (Conn, error)
}

// ConnProvider hands out connections for synchronous commands.
type ConnProvider interface {
	// Get returns an idle or new connection to node.
	Get(ctx context.Context, node *cluster.Node) (Conn, error)

	// Put returns conn after use. Unhealthy connections are closed instead of
	// pooled.
	Put(node *cluster.Node, conn Conn, healthy bool)

	// Close closes every pooled connection.
	Close() error
}

// Metrics contains performance and health counters of a ConnProvider.
type Metrics struct {
	// ConnectionsCreated is the total number of connections opened
	ConnectionsCreated int64

	// ConnectionsActive is the number of connections currently handed out
	ConnectionsActive int

	// ConnectionsIdle is the number of pooled connections
	ConnectionsIdle int

	// Hits counts Get calls served by an idle connection
	Hits int64

	// Misses counts Get calls that had to dial
	Misses int64

	// Exhausted counts Get calls rejected at capacity
	Exhausted int64

	// Errors counts failed dials
	Errors int64

	// LastError is the most recent dial error
	LastError error

	// LastErrorTime is when the last error occurred
	LastErrorTime time.Time
}

// EffectiveDeadline combines a per-call socket timeout with an absolute
// deadline. It reports false when deadline has already passed. A zero result
// means no deadline.
func EffectiveDeadline(now time.Time, socketTimeout time.Duration, deadline time.Time) (time.Time, bool) {
	var d time.Time
	if socketTimeout > 0 {
		d = now.Add(socketTimeout)
	}
	if !deadline.IsZero() {
		if !now.Before(deadline) {
			return time.Time{}, false
		}
		if d.IsZero() || deadline.Before(d) {
			d = deadline
		}
	}
	return d, true
}
