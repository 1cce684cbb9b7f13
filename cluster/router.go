package cluster

import (
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/protocol"
)

// Router resolves keys against a partition table.
type Router struct {
	table PartitionTable
}

// NewRouter creates a router over table.
func NewRouter(table PartitionTable) *Router {
	return &Router{table: table}
}

// Nodes returns the cluster node list, failing when it is empty.
func (r *Router) Nodes() ([]*Node, error) {
	nodes := r.table.Nodes()
	if len(nodes) == 0 {
		return nil, protocol.ClusterEmptyError()
	}
	return nodes, nil
}

// Resolve returns the node serving key. Partitions in strong consistency mode
// use replicaSC and masterSC instead of replica and master.
func (r *Router) Resolve(key *model.Key, replica, replicaSC ReplicaPolicy, master, masterSC, isRetry bool) (*Node, error) {
	pid := key.PartitionID()

	sc, err := r.table.StrongConsistency(key.Namespace, pid)
	if err != nil {
		return nil, err
	}
	if sc {
		replica = replicaSC
		master = masterSC
	}

	node := r.table.GetNode(key.Namespace, pid, replica, master, isRetry)
	if node == nil {
		return nil, protocol.NodeNotFoundError(key.Namespace, pid)
	}
	return node, nil
}

// ReplicaForSC derives the replica policy used for strong consistency
// partitions from the read mode and the configured policy.
func ReplicaForSC(mode protocol.ReadModeSC, replica ReplicaPolicy) ReplicaPolicy {
	switch mode {
	case protocol.ReadModeSCSession:
		return ReplicaMaster
	case protocol.ReadModeSCLinearize:
		if replica == ReplicaPreferRack {
			return ReplicaSequence
		}
		return replica
	default:
		return replica
	}
}
