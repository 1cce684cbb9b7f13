package cluster

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"

	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/protocol"
)

// PartitionTable is the topology lookup the router consumes. Implementations
// must be safe for concurrent use.
type PartitionTable interface {
	// Nodes returns the nodes currently in the cluster.
	Nodes() []*Node
	// StrongConsistency reports whether the namespace runs in SC mode. It
	// fails when the namespace is unknown.
	StrongConsistency(namespace string, partition uint32) (bool, error)
	// GetNode returns the node serving the partition or nil when no
	// eligible replica exists.
	GetNode(namespace string, partition uint32, replica ReplicaPolicy, master, isRetry bool) *Node
}

type namespaceMap struct {
	sc       bool
	replicas [model.PartitionCount][]*Node
}

// PartitionMap is an in-memory PartitionTable. Replica lists are placed by
// rendezvous hashing, so every client computes the same owners for the same
// node set.
type PartitionMap struct {
	mu         sync.RWMutex
	nodes      []*Node
	namespaces map[string]*namespaceMap
	rack       int
	next       atomic.Uint64
}

// NewPartitionMap creates an empty map for a client located on rack.
func NewPartitionMap(rack int) *PartitionMap {
	return &PartitionMap{
		namespaces: make(map[string]*namespaceMap),
		rack:       rack,
	}
}

// AddNamespace places every partition of namespace on replicationFactor of
// the given nodes. Nodes are added to the cluster node list.
func (m *PartitionMap) AddNamespace(namespace string, sc bool, replicationFactor int, nodes ...*Node) {
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	if replicationFactor > len(nodes) {
		replicationFactor = len(nodes)
	}

	nm := &namespaceMap{sc: sc}
	scores := make([]nodeScore, len(nodes))
	var buf []byte

	for pid := 0; pid < model.PartitionCount; pid++ {
		for i, n := range nodes {
			buf = append(buf[:0], namespace...)
			buf = append(buf, n.Name...)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(pid))
			scores[i] = nodeScore{node: n, score: xxhash.Sum64(buf)}
		}
		sort.Slice(scores, func(a, b int) bool {
			if scores[a].score == scores[b].score {
				return scores[a].node.Name < scores[b].node.Name
			}
			return scores[a].score > scores[b].score
		})
		owners := make([]*Node, replicationFactor)
		for i := range owners {
			owners[i] = scores[i].node
		}
		nm.replicas[pid] = owners
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaces[namespace] = nm
	for _, n := range nodes {
		m.addNodeLocked(n)
	}
}

type nodeScore struct {
	node  *Node
	score uint64
}

// SetReplicas overrides the replica list of one partition, master first.
// An empty list leaves the partition without owners.
func (m *PartitionMap) SetReplicas(namespace string, partition uint32, nodes ...*Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nm, ok := m.namespaces[namespace]
	if !ok {
		return fmt.Errorf("namespace %q not found", namespace)
	}
	if partition >= model.PartitionCount {
		return fmt.Errorf("partition %d out of range", partition)
	}
	nm.replicas[partition] = append([]*Node(nil), nodes...)
	for _, n := range nodes {
		m.addNodeLocked(n)
	}
	return nil
}

// Replicas returns the replica list of a partition, master first.
func (m *PartitionMap) Replicas(namespace string, partition uint32) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nm, ok := m.namespaces[namespace]
	if !ok || partition >= model.PartitionCount {
		return nil
	}
	return append([]*Node(nil), nm.replicas[partition]...)
}

// RemoveNode drops a node from the cluster node list. Partition ownership is
// left alone; callers usually deactivate the node instead.
func (m *PartitionMap) RemoveNode(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.nodes {
		if n.Name == name {
			m.nodes = append(m.nodes[:i], m.nodes[i+1:]...)
			return
		}
	}
}

func (m *PartitionMap) addNodeLocked(n *Node) {
	for _, existing := range m.nodes {
		if existing == n {
			return
		}
	}
	m.nodes = append(m.nodes, n)
}

// Nodes implements PartitionTable.
func (m *PartitionMap) Nodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Node(nil), m.nodes...)
}

// StrongConsistency implements PartitionTable.
func (m *PartitionMap) StrongConsistency(namespace string, partition uint32) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nm, ok := m.namespaces[namespace]
	if !ok {
		return false, protocol.ParameterError(fmt.Sprintf("namespace %q not found", namespace))
	}
	return nm.sc, nil
}

// GetNode implements PartitionTable.
//
// Sequence starts at the master when master is set and at the first prole
// otherwise, then walks the list. PreferRack picks the first active replica on
// the client's rack, except on retries where it falls back to sequence order
// so the failed rack-local copy is not hit again first.
func (m *PartitionMap) GetNode(namespace string, partition uint32, replica ReplicaPolicy, master, isRetry bool) *Node {
	m.mu.RLock()
	nm, ok := m.namespaces[namespace]
	var replicas []*Node
	if ok && partition < model.PartitionCount {
		replicas = nm.replicas[partition]
	}
	m.mu.RUnlock()

	if len(replicas) == 0 {
		return nil
	}

	switch replica {
	case ReplicaMaster:
		if replicas[0].Active() {
			return replicas[0]
		}
		return nil

	case ReplicaAny:
		start := int(m.next.Add(1) % uint64(len(replicas)))
		return firstActive(replicas, start)

	case ReplicaPreferRack:
		if !isRetry {
			for _, n := range rotate(replicas, sequenceStart(replicas, master)) {
				if n.Active() && n.Rack == m.rack {
					return n
				}
			}
		}
		return firstActive(replicas, sequenceStart(replicas, master))

	default:
		return firstActive(replicas, sequenceStart(replicas, master))
	}
}

func sequenceStart(replicas []*Node, master bool) int {
	if master || len(replicas) < 2 {
		return 0
	}
	return 1
}

func rotate(replicas []*Node, start int) []*Node {
	out := make([]*Node, 0, len(replicas))
	out = append(out, replicas[start:]...)
	return append(out, replicas[:start]...)
}

func firstActive(replicas []*Node, start int) *Node {
	for i := 0; i < len(replicas); i++ {
		n := replicas[(start+i)%len(replicas)]
		if n.Active() {
			return n
		}
	}
	return nil
}
