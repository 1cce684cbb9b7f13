package batch

import (
	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/model"
)

// NodeGroup is the share of a batch routed to one node.
type NodeGroup struct {
	Node    *cluster.Node
	Offsets []uint32
}

// Routing carries the replica selection inputs of one planning pass.
type Routing struct {
	Replica   cluster.ReplicaPolicy
	ReplicaSC cluster.ReplicaPolicy
	Master    bool
	MasterSC  bool
	IsRetry   bool
}

// Plan groups the records at offsets by the node serving them. Groups appear
// in the order their node is first seen, so the same table state and input
// always produce the same plan. A nil offsets slice plans every record.
func Plan(router *cluster.Router, records []*model.BatchRecord, offsets []uint32, r Routing) ([]*NodeGroup, error) {
	nodes, err := router.Nodes()
	if err != nil {
		return nil, err
	}

	n := len(offsets)
	if offsets == nil {
		n = len(records)
	}
	capacity := n / len(nodes)
	capacity += capacity >> 2
	if capacity < 10 {
		capacity = 10
	}

	var groups []*NodeGroup
	for i := 0; i < n; i++ {
		off := uint32(i)
		if offsets != nil {
			off = offsets[i]
		}

		node, err := router.Resolve(records[off].Key, r.Replica, r.ReplicaSC, r.Master, r.MasterSC, r.IsRetry)
		if err != nil {
			return nil, err
		}

		g := findGroup(groups, node)
		if g == nil {
			g = &NodeGroup{Node: node, Offsets: make([]uint32, 0, capacity)}
			groups = append(groups, g)
		}
		g.Offsets = append(g.Offsets, off)
	}
	return groups, nil
}

func findGroup(groups []*NodeGroup, node *cluster.Node) *NodeGroup {
	for _, g := range groups {
		if g.Node == node {
			return g
		}
	}
	return nil
}
