package model

// Rebalance outcome reasons
const (
	RebalanceReasonNotEnoughNodes  = "not_enough_nodes"
	RebalanceReasonSmallDifference = "small_difference"
	RebalanceReasonNoUsers         = "no_users"
	RebalanceReasonBalanced        = "balanced"
	RebalanceReasonError           = "error"
)

// NodeLoad is a per-node load snapshot for dashboards
type NodeLoad struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Location       string  `json:"location,omitempty"`
	Status         string  `json:"status"`
	HealthStatus   string  `json:"health_status"`
	CurrentUsers   int     `json:"current_users"`
	MaxUsers       int     `json:"max_users"`
	LoadPercentage float64 `json:"load_percentage"`
}

// RebalanceResult reports a single rebalancing pass
type RebalanceResult struct {
	Success       bool   `json:"success"`
	FromNode      int64  `json:"from_node,omitempty"`
	ToNode        int64  `json:"to_node,omitempty"`
	MigratedCount int    `json:"migrated_count"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
}

// EvacuationResult reports users moved off a node
type EvacuationResult struct {
	NodeID        int64   `json:"node_id"`
	TotalUsers    int     `json:"total_users"`
	MigratedCount int     `json:"migrated_count"`
	FailedUsers   []int64 `json:"failed_users,omitempty"`
}

// Complete reports whether every user left the node
func (r *EvacuationResult) Complete() bool {
	return len(r.FailedUsers) == 0 && r.MigratedCount == r.TotalUsers
}
