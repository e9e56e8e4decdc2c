package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
)

// MemoryStore is a process-local Store. A single mutex makes every
// operation, AssignUser included, atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	nodes       map[int64]*model.Node
	assignments []*model.Assignment
	users       map[int64]struct{}
	countries   map[int64]*model.Country
	nextNodeID  int64
	nextAssign  int64
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:     make(map[int64]*model.Node),
		users:     make(map[int64]struct{}),
		countries: make(map[int64]*model.Country),
		now:       time.Now,
	}
}

// AddUser registers a user id
func (s *MemoryStore) AddUser(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = struct{}{}
}

// AddCountry registers a country. Code is stored upper-case.
func (s *MemoryStore) AddCountry(country model.Country) {
	s.mu.Lock()
	defer s.mu.Unlock()
	country.Code = strings.ToUpper(country.Code)
	s.countries[country.ID] = &country
}

// ListNodes implements NodeRepository
func (s *MemoryStore) ListNodes(_ context.Context, filter model.NodeFilter) ([]model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		if filter.HealthStatus != "" && n.HealthStatus != filter.HealthStatus {
			continue
		}
		if filter.CountryID != nil && (n.CountryID == nil || *n.CountryID != *filter.CountryID) {
			continue
		}
		nodes = append(nodes, copyNode(n))
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Priority != nodes[j].Priority {
			return nodes[i].Priority > nodes[j].Priority
		}
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})

	return nodes, nil
}

// GetNode implements NodeRepository
func (s *MemoryStore) GetNode(_ context.Context, id int64) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, model.ErrNodeNotFound
	}
	node := copyNode(n)
	return &node, nil
}

// CreateNode implements NodeRepository
func (s *MemoryStore) CreateNode(_ context.Context, node *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.CurrentUsers < 0 {
		return fmt.Errorf("failed to create node: current_users must not be negative")
	}

	s.nextNodeID++
	now := s.now()
	node.ID = s.nextNodeID
	node.CreatedAt = now
	node.UpdatedAt = now

	stored := copyNode(node)
	s.nodes[node.ID] = &stored
	return nil
}

// UpdateNode implements NodeRepository
func (s *MemoryStore) UpdateNode(_ context.Context, id int64, update model.NodeUpdate) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, model.ErrNodeNotFound
	}

	update.Apply(n)
	n.UpdatedAt = s.now()

	node := copyNode(n)
	return &node, nil
}

// DeleteNode implements NodeRepository
func (s *MemoryStore) DeleteNode(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return model.ErrNodeNotFound
	}

	for _, a := range s.assignments {
		if a.NodeID == id && a.IsActive {
			return model.ErrNodeHasActiveUsers
		}
	}

	delete(s.nodes, id)
	for _, a := range s.assignments {
		if a.NodeID == id {
			a.NodeID = 0
		}
	}
	return nil
}

// UpdateNodeHealth implements NodeRepository
func (s *MemoryStore) UpdateNodeHealth(_ context.Context, id int64, health model.HealthUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return model.ErrNodeNotFound
	}

	checkedAt := health.CheckedAt
	n.HealthStatus = health.HealthStatus
	n.LastHealthCheck = &checkedAt
	if health.ResponseTimeMs != nil {
		ms := *health.ResponseTimeMs
		n.ResponseTimeMs = &ms
	}
	n.UpdatedAt = s.now()
	return nil
}

// UserExists implements AssignmentRepository
func (s *MemoryStore) UserExists(_ context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.users[userID]
	return ok, nil
}

// GetActiveAssignment implements AssignmentRepository
func (s *MemoryStore) GetActiveAssignment(_ context.Context, userID int64) (*model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.assignments) - 1; i >= 0; i-- {
		a := s.assignments[i]
		if a.UserID == userID && a.IsActive {
			assignment := *a
			return &assignment, nil
		}
	}
	return nil, model.ErrAssignmentNotFound
}

// AssignUser implements AssignmentRepository. Every check runs before the
// first mutation so a failure leaves the store untouched.
func (s *MemoryStore) AssignUser(_ context.Context, req model.AssignRequest) (*model.AssignResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[req.UserID]; !ok {
		return nil, model.ErrUserNotFound
	}

	target, ok := s.nodes[req.NodeID]
	if !ok {
		return nil, model.ErrNodeNotFound
	}

	if req.EnforceCapacity && !target.HasCapacity() {
		return nil, model.ErrNodeAtCapacity
	}

	now := s.now()
	result := &model.AssignResult{}

	for _, a := range s.assignments {
		if a.UserID != req.UserID || !a.IsActive {
			continue
		}
		a.IsActive = false
		if prev, ok := s.nodes[a.NodeID]; ok {
			prev.CurrentUsers = max(prev.CurrentUsers-1, 0)
			prev.UpdatedAt = now
			result.PreviousNodeIDs = append(result.PreviousNodeIDs, prev.ID)
		}
	}

	s.nextAssign++
	assignment := &model.Assignment{
		ID:         s.nextAssign,
		UserID:     req.UserID,
		NodeID:     req.NodeID,
		AssignedAt: now,
		IsActive:   true,
	}
	s.assignments = append(s.assignments, assignment)

	target.CurrentUsers++
	target.UpdatedAt = now

	stored := *assignment
	result.Assignment = &stored
	return result, nil
}

// ListActiveUserIDs implements AssignmentRepository
func (s *MemoryStore) ListActiveUserIDs(_ context.Context, nodeID int64, limit int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []int64
	for _, a := range s.assignments {
		if a.NodeID != nodeID || !a.IsActive {
			continue
		}
		users = append(users, a.UserID)
		if limit > 0 && len(users) == limit {
			break
		}
	}
	return users, nil
}

// CountActiveAssignments implements AssignmentRepository
func (s *MemoryStore) CountActiveAssignments(_ context.Context) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.countActiveLocked(), nil
}

func (s *MemoryStore) countActiveLocked() map[int64]int {
	counts := make(map[int64]int)
	for _, a := range s.assignments {
		if a.IsActive && a.NodeID != 0 {
			counts[a.NodeID]++
		}
	}
	return counts
}

// ReconcileNodeCounters implements AssignmentRepository
func (s *MemoryStore) ReconcileNodeCounters(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := s.countActiveLocked()
	now := s.now()
	corrected := 0
	for id, n := range s.nodes {
		if n.CurrentUsers != counts[id] {
			n.CurrentUsers = counts[id]
			n.UpdatedAt = now
			corrected++
		}
	}
	return corrected, nil
}

// ListCountries implements CountryRepository
func (s *MemoryStore) ListCountries(_ context.Context, onlyActive bool) ([]model.Country, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	countries := make([]model.Country, 0, len(s.countries))
	for _, c := range s.countries {
		if onlyActive && !c.IsActive {
			continue
		}
		countries = append(countries, *c)
	}

	sort.Slice(countries, func(i, j int) bool {
		if countries[i].Priority != countries[j].Priority {
			return countries[i].Priority > countries[j].Priority
		}
		return countries[i].Name < countries[j].Name
	})
	return countries, nil
}

// GetCountryByCode implements CountryRepository
func (s *MemoryStore) GetCountryByCode(_ context.Context, code string) (*model.Country, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code = strings.ToUpper(code)
	for _, c := range s.countries {
		if c.Code == code {
			country := *c
			return &country, nil
		}
	}
	return nil, model.ErrCountryNotFound
}

// Close implements Store
func (s *MemoryStore) Close() {}

// copyNode detaches pointer fields from the stored node
func copyNode(n *model.Node) model.Node {
	node := *n
	if n.CountryID != nil {
		id := *n.CountryID
		node.CountryID = &id
	}
	if n.ResponseTimeMs != nil {
		ms := *n.ResponseTimeMs
		node.ResponseTimeMs = &ms
	}
	if n.LastHealthCheck != nil {
		t := *n.LastHealthCheck
		node.LastHealthCheck = &t
	}
	return node
}

var _ Store = (*MemoryStore)(nil)
