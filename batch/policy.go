// Package batch plans batch reads across cluster nodes, executes the per-node
// sub-requests and split-retries failed groups.
package batch

import (
	"time"

	"github.com/creasty/defaults"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/protocol"
)

// Policy controls one batch call.
type Policy struct {
	// TotalTimeout bounds the whole call including retries. Zero disables the
	// deadline.
	TotalTimeout time.Duration `yaml:"totalTimeout" default:"1s"`

	// SocketTimeout bounds each socket read or write. It is capped to
	// TotalTimeout.
	SocketTimeout time.Duration `yaml:"socketTimeout" default:"30s"`

	// MaxRetries is the number of retries after the first attempt of a node
	// sub-request.
	MaxRetries int `yaml:"maxRetries" default:"2"`

	// SleepBetweenRetries pauses before each retry.
	SleepBetweenRetries time.Duration `yaml:"sleepBetweenRetries"`

	Replica    cluster.ReplicaPolicy `yaml:"replica"`
	ReadModeAP protocol.ReadModeAP   `yaml:"readModeAP"`
	ReadModeSC protocol.ReadModeSC   `yaml:"readModeSC"`

	// Concurrent runs node sub-requests on the worker pool instead of one
	// after another in the calling goroutine.
	Concurrent bool `yaml:"concurrent"`

	// SendSetName adds the set name to every full sub-header.
	SendSetName bool `yaml:"sendSetName"`

	// AllowInline lets the server answer in its network thread.
	AllowInline bool `yaml:"allowInline" default:"true"`

	// Deserialize decodes bin values. When false values stay raw bytes.
	Deserialize bool `yaml:"deserialize" default:"true"`

	// FailFast reports the first sub-request error to async listeners. When
	// false the listener succeeds and failed records carry their codes.
	FailFast bool `yaml:"failFast" default:"true"`

	// Compress sends requests larger than protocol.CompressThreshold as
	// compressed protos.
	Compress bool `yaml:"compress"`

	// Predicate is an encoded filter expression applied by the server.
	Predicate []byte `yaml:"-"`
}

// SetDefaults implements defaults.Setter. The zero replica policy is master,
// so defaults must be applied before explicit settings.
func (p *Policy) SetDefaults() {
	if p.Replica == cluster.ReplicaMaster {
		p.Replica = cluster.ReplicaSequence
	}
}

// DefaultPolicy returns the batch policy defaults.
func DefaultPolicy() *Policy {
	p := &Policy{}
	defaults.MustSet(p)
	return p
}

// timeouts returns the effective socket and total timeouts.
func (p *Policy) timeouts() (socket, total time.Duration) {
	socket, total = p.SocketTimeout, p.TotalTimeout
	if total > 0 && (socket == 0 || socket > total) {
		socket = total
	}
	return socket, total
}

func (p *Policy) options() protocol.BatchOptions {
	return protocol.BatchOptions{
		ReadModeAP:   p.ReadModeAP,
		ReadModeSC:   p.ReadModeSC,
		TotalTimeout: p.TotalTimeout,
		SendSetName:  p.SendSetName,
		AllowInline:  p.AllowInline,
		Predicate:    protocol.PredicateField(p.Predicate),
	}
}

// replicaSC derives the replica policy for strong consistency partitions.
func (p *Policy) replicaSC() cluster.ReplicaPolicy {
	return cluster.ReplicaForSC(p.ReadModeSC, p.Replica)
}
