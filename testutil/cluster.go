package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/model"
)

// Topology builds a partition map over named nodes. Node addresses equal
// their names, which is what the mock transport expects.
//
// Example usage:
//
//	topo := testutil.NewTopology(t, "test", "A", "B", "C")
//	topo.Pin(k1, "A", "B").Pin(k2, "A", "C")
//	exec := batch.NewExecutor(topo.Router(), pools, batch.NewWorkerPool(4))
type Topology struct {
	t     testing.TB
	nodes map[string]*cluster.Node
	names []string
	table *cluster.PartitionMap
}

// NewTopology creates nodes and places namespace on them with two replicas.
func NewTopology(t testing.TB, namespace string, names ...string) *Topology {
	t.Helper()
	tp := &Topology{
		t:     t,
		nodes: make(map[string]*cluster.Node, len(names)),
		names: names,
		table: cluster.NewPartitionMap(0),
	}
	for _, name := range names {
		tp.nodes[name] = cluster.NewNode(name, name, 0)
	}
	tp.table.AddNamespace(namespace, false, 2, tp.all()...)
	return tp
}

func (tp *Topology) all() []*cluster.Node {
	nodes := make([]*cluster.Node, len(tp.names))
	for i, name := range tp.names {
		nodes[i] = tp.nodes[name]
	}
	return nodes
}

// WithNamespace places another namespace on every node.
func (tp *Topology) WithNamespace(namespace string, sc bool, replicationFactor int) *Topology {
	tp.table.AddNamespace(namespace, sc, replicationFactor, tp.all()...)
	return tp
}

// Pin sets the replica list of key's partition, master first.
func (tp *Topology) Pin(key *model.Key, names ...string) *Topology {
	tp.t.Helper()
	nodes := make([]*cluster.Node, len(names))
	for i, name := range names {
		nodes[i] = tp.Node(name)
	}
	require.NoError(tp.t, tp.table.SetReplicas(key.Namespace, key.PartitionID(), nodes...))
	return tp
}

// Node returns the named node.
func (tp *Topology) Node(name string) *cluster.Node {
	tp.t.Helper()
	n, ok := tp.nodes[name]
	require.True(tp.t, ok, "unknown node %q", name)
	return n
}

// Table returns the partition map.
func (tp *Topology) Table() *cluster.PartitionMap {
	return tp.table
}

// Router returns a router over the partition map.
func (tp *Topology) Router() *cluster.Router {
	return cluster.NewRouter(tp.table)
}
