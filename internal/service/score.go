package service

import "github.com/kirychukyurii/vpn-node-balancer/internal/model"

// preferenceBias scales the priority/weight term so that load dominates the
// score whenever loads differ by ten points or more
const preferenceBias = 0.1

// NodeSnapshot is the scoring input taken from a node
type NodeSnapshot struct {
	ID           int64
	CurrentUsers int
	MaxUsers     int
	Priority     int
	Weight       float64
}

// SnapshotOf captures the scoring fields of a node
func SnapshotOf(n model.Node) NodeSnapshot {
	return NodeSnapshot{
		ID:           n.ID,
		CurrentUsers: n.CurrentUsers,
		MaxUsers:     n.MaxUsers,
		Priority:     n.Priority,
		Weight:       n.Weight,
	}
}

// Score ranks a node for placement, lower is better.
//
//	score = load + 0.1 / (1 + preference)
//
// load is current/max (1 for a node without capacity) and preference is
// priority/100 * weight, never negative.
func Score(s NodeSnapshot) float64 {
	load := 1.0
	if s.MaxUsers > 0 {
		load = float64(s.CurrentUsers) / float64(s.MaxUsers)
	}

	preference := max(0, float64(s.Priority)/100*s.Weight)

	return load + preferenceBias/(1+preference)
}

// better reports whether a ranks ahead of b
func better(a, b NodeSnapshot) bool {
	sa, sb := Score(a), Score(b)
	if sa != sb {
		return sa < sb
	}
	return a.ID < b.ID
}

// pickBest returns the best scored node, false for an empty slice
func pickBest(nodes []model.Node) (model.Node, bool) {
	if len(nodes) == 0 {
		return model.Node{}, false
	}

	best := nodes[0]
	for _, n := range nodes[1:] {
		if better(SnapshotOf(n), SnapshotOf(best)) {
			best = n
		}
	}
	return best, true
}
