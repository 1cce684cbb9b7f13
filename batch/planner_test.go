package batch

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/testutil"
)

func masterRouting(replica cluster.ReplicaPolicy) Routing {
	return Routing{Replica: replica, ReplicaSC: cluster.ReplicaMaster, Master: true, MasterSC: true}
}

func TestPlan_GroupsByNode(t *testing.T) {
	topo := testutil.NewTopology(t, "test", "A", "B", "C")
	keys := testutil.NewKeyFactory("test", "users").BuildList(5)
	topo.Pin(keys[0], "B", "A").
		Pin(keys[1], "A", "B").
		Pin(keys[2], "B", "C").
		Pin(keys[3], "C", "A").
		Pin(keys[4], "A", "C")
	records := testutil.BatchReads(keys)

	groups, err := Plan(topo.Router(), records, nil, masterRouting(cluster.ReplicaSequence))
	require.NoError(t, err)
	require.Len(t, groups, 3)

	// Groups follow the order their node is first seen.
	assert.Equal(t, "B", groups[0].Node.Name)
	assert.Equal(t, []uint32{0, 2}, groups[0].Offsets)
	assert.Equal(t, "A", groups[1].Node.Name)
	assert.Equal(t, []uint32{1, 4}, groups[1].Offsets)
	assert.Equal(t, "C", groups[2].Node.Name)
	assert.Equal(t, []uint32{3}, groups[2].Offsets)
}

func TestPlan_OffsetsPartitionInput(t *testing.T) {
	topo := testutil.NewTopology(t, "test", "A", "B", "C")
	keys := testutil.NewKeyFactory("test", "users").BuildList(40)
	records := testutil.BatchReads(keys)

	groups, err := Plan(topo.Router(), records, nil, masterRouting(cluster.ReplicaSequence))
	require.NoError(t, err)

	var all []uint32
	seen := make(map[*cluster.Node]bool)
	for _, g := range groups {
		assert.False(t, seen[g.Node], "node %s planned twice", g.Node.Name)
		seen[g.Node] = true
		assert.NotEmpty(t, g.Offsets)
		assert.True(t, sort.SliceIsSorted(g.Offsets, func(i, j int) bool { return g.Offsets[i] < g.Offsets[j] }))
		all = append(all, g.Offsets...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	assert.Equal(t, allOffsets(len(records)), all)
}

func TestPlan_Deterministic(t *testing.T) {
	topo := testutil.NewTopology(t, "test", "A", "B", "C")
	records := testutil.BatchReads(testutil.NewKeyFactory("test", "users").BuildList(25))

	first, err := Plan(topo.Router(), records, nil, masterRouting(cluster.ReplicaSequence))
	require.NoError(t, err)
	second, err := Plan(topo.Router(), records, nil, masterRouting(cluster.ReplicaSequence))
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Same(t, first[i].Node, second[i].Node)
		assert.Equal(t, first[i].Offsets, second[i].Offsets)
	}
}

func TestPlan_SubsetOffsets(t *testing.T) {
	topo := testutil.NewTopology(t, "test", "A", "B")
	keys := testutil.NewKeyFactory("test", "users").BuildList(4)
	for _, k := range keys {
		topo.Pin(k, "A", "B")
	}
	records := testutil.BatchReads(keys)

	groups, err := Plan(topo.Router(), records, []uint32{3, 1}, Routing{
		Replica: cluster.ReplicaSequence,
		Master:  false,
		IsRetry: true,
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "B", groups[0].Node.Name)
	assert.Equal(t, []uint32{3, 1}, groups[0].Offsets)
}

func TestPlan_EmptyCluster(t *testing.T) {
	topo := testutil.NewTopology(t, "test")
	records := testutil.BatchReads(testutil.NewKeyFactory("test", "users").BuildList(2))

	_, err := Plan(topo.Router(), records, nil, masterRouting(cluster.ReplicaSequence))
	assert.ErrorIs(t, err, protocol.ErrClusterEmpty)
}

func TestPlan_NodeNotFound(t *testing.T) {
	topo := testutil.NewTopology(t, "test", "A")
	keys := testutil.NewKeyFactory("test", "users").BuildList(2)
	require.NoError(t, topo.Table().SetReplicas("test", keys[1].PartitionID()))
	records := testutil.BatchReads(keys)

	_, err := Plan(topo.Router(), records, nil, masterRouting(cluster.ReplicaSequence))
	assert.ErrorIs(t, err, protocol.ErrNodeNotFound)
}

func TestPlan_InactiveMasterSequence(t *testing.T) {
	topo := testutil.NewTopology(t, "test", "A", "B")
	keys := testutil.NewKeyFactory("test", "users").BuildList(1)
	topo.Pin(keys[0], "A", "B")
	topo.Node("A").SetActive(false)

	groups, err := Plan(topo.Router(), []*model.BatchRecord{model.NewBatchReadAll(keys[0])}, nil, masterRouting(cluster.ReplicaSequence))
	require.NoError(t, err)
	assert.Equal(t, "B", groups[0].Node.Name)

	_, err = Plan(topo.Router(), []*model.BatchRecord{model.NewBatchReadAll(keys[0])}, nil, masterRouting(cluster.ReplicaMaster))
	assert.ErrorIs(t, err, protocol.ErrNodeNotFound)
}
