package repository

import (
	"context"

	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
)

// NodeRepository defines persistence of node records
type NodeRepository interface {
	// ListNodes returns nodes matching the filter ordered by priority desc,
	// created_at asc, id asc
	ListNodes(ctx context.Context, filter model.NodeFilter) ([]model.Node, error)

	// GetNode returns model.ErrNodeNotFound for unknown ids
	GetNode(ctx context.Context, id int64) (*model.Node, error)

	// CreateNode inserts the node and fills ID, CreatedAt and UpdatedAt
	CreateNode(ctx context.Context, node *model.Node) error

	// UpdateNode applies a partial update and returns the stored node
	UpdateNode(ctx context.Context, id int64, update model.NodeUpdate) (*model.Node, error)

	// DeleteNode removes the node. Historical assignments keep a null node.
	// A node with active assignments is refused with model.ErrNodeHasActiveUsers.
	DeleteNode(ctx context.Context, id int64) error

	// UpdateNodeHealth persists a probe outcome
	UpdateNodeHealth(ctx context.Context, id int64, health model.HealthUpdate) error
}

// AssignmentRepository defines persistence of user to node assignments
type AssignmentRepository interface {
	// UserExists reports whether the user is known
	UserExists(ctx context.Context, userID int64) (bool, error)

	// GetActiveAssignment returns model.ErrAssignmentNotFound when the user has none
	GetActiveAssignment(ctx context.Context, userID int64) (*model.Assignment, error)

	// AssignUser atomically supersedes the user's active assignment, inserts a
	// new active one and moves the user counters of the involved nodes
	AssignUser(ctx context.Context, req model.AssignRequest) (*model.AssignResult, error)

	// ListActiveUserIDs returns users actively assigned to the node, oldest
	// first. limit <= 0 returns all of them.
	ListActiveUserIDs(ctx context.Context, nodeID int64, limit int) ([]int64, error)

	// CountActiveAssignments returns node id -> active assignment count
	CountActiveAssignments(ctx context.Context) (map[int64]int, error)

	// ReconcileNodeCounters sets every node's current_users to its active
	// assignment count and returns how many nodes were corrected
	ReconcileNodeCounters(ctx context.Context) (int, error)
}

// CountryRepository defines read access to countries
type CountryRepository interface {
	ListCountries(ctx context.Context, onlyActive bool) ([]model.Country, error)

	// GetCountryByCode returns model.ErrCountryNotFound for unknown codes
	GetCountryByCode(ctx context.Context, code string) (*model.Country, error)
}

// Store is the full persistence surface used by the services
type Store interface {
	NodeRepository
	AssignmentRepository
	CountryRepository

	// Close releases underlying resources
	Close()
}
