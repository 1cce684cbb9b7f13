// Package cluster resolves keys to the server nodes that own their partitions.
package cluster

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Node is a server node as seen by the batch engine.
type Node struct {
	Name    string
	Address string
	Rack    int

	active atomic.Bool
}

// NewNode creates an active node.
func NewNode(name, address string, rack int) *Node {
	n := &Node{Name: name, Address: address, Rack: rack}
	n.active.Store(true)
	return n
}

// Active reports whether the node may receive commands.
func (n *Node) Active() bool {
	return n != nil && n.active.Load()
}

// SetActive marks the node up or down.
func (n *Node) SetActive(active bool) {
	n.active.Store(active)
}

// String returns the node name and address.
func (n *Node) String() string {
	return fmt.Sprintf("%s %s", n.Name, n.Address)
}

// ReplicaPolicy selects which copy of a partition serves a read.
type ReplicaPolicy int

const (
	// ReplicaMaster always reads from the partition master.
	ReplicaMaster ReplicaPolicy = iota
	// ReplicaAny distributes reads round robin across all replicas.
	ReplicaAny
	// ReplicaSequence tries the master first, then the next replica.
	ReplicaSequence
	// ReplicaPreferRack tries replicas on the client's rack first.
	ReplicaPreferRack
)

// String returns the policy name.
func (r ReplicaPolicy) String() string {
	switch r {
	case ReplicaMaster:
		return "master"
	case ReplicaAny:
		return "any"
	case ReplicaSequence:
		return "sequence"
	case ReplicaPreferRack:
		return "prefer_rack"
	default:
		return "unknown"
	}
}

// Reassignable reports whether a retry may move a key to another replica.
func (r ReplicaPolicy) Reassignable() bool {
	return r == ReplicaSequence || r == ReplicaPreferRack
}

// MarshalText implements encoding.TextMarshaler.
func (r ReplicaPolicy) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so policies can be set
// from configuration files.
func (r *ReplicaPolicy) UnmarshalText(text []byte) error {
	for _, p := range []ReplicaPolicy{ReplicaMaster, ReplicaAny, ReplicaSequence, ReplicaPreferRack} {
		if p.String() == strings.ToLower(string(text)) {
			*r = p
			return nil
		}
	}
	return fmt.Errorf("unknown replica policy %q", text)
}
