package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kirychukyurii/vpn-node-balancer/internal/config"
	"github.com/kirychukyurii/vpn-node-balancer/internal/events"
	"github.com/kirychukyurii/vpn-node-balancer/internal/metrics"
	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
	"github.com/kirychukyurii/vpn-node-balancer/internal/repository"
)

// maxAdmissionAttempts bounds re-selection when an auto-selected node fills
// up between selection and admission
const maxAdmissionAttempts = 3

// Assignment kinds used in metrics
const (
	assignKindAuto     = "auto"
	assignKindExplicit = "explicit"
	assignKindMigrate  = "migrate"
)

// SelectOptions narrows node selection
type SelectOptions struct {
	CountryCode    string
	ExcludeNodeIDs []int64
}

// LoadBalancer defines placement, migration and rebalancing of users
type LoadBalancer interface {
	SelectOptimalNode(ctx context.Context, opts SelectOptions) (*model.Node, error)
	AssignUserToNode(ctx context.Context, userID int64, nodeID *int64) (*model.Assignment, error)
	MigrateUser(ctx context.Context, userID, targetNodeID int64) error
	RebalanceUsers(ctx context.Context) model.RebalanceResult
	EvacuateNode(ctx context.Context, nodeID int64) (*model.EvacuationResult, error)
	ReconcileCounters(ctx context.Context) (int, error)
	GetUserNode(ctx context.Context, userID int64) (*model.Node, error)
	GetNodeLoadStats(ctx context.Context) ([]model.NodeLoad, error)
	GetCountryAvailability(ctx context.Context) ([]model.CountryAvailability, error)
	HandleNodeDown(ctx context.Context, ev events.NodeEvent) error
}

// loadBalancer implements LoadBalancer interface
type loadBalancer struct {
	store  repository.Store
	cfg    config.BalancerConfig
	logger *slog.Logger
}

// NewLoadBalancer creates a new load balancer
func NewLoadBalancer(store repository.Store, cfg config.BalancerConfig, logger *slog.Logger) LoadBalancer {
	return &loadBalancer{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// SelectOptimalNode returns the lowest scored candidate. A country without
// candidates falls back to every country.
func (lb *loadBalancer) SelectOptimalNode(ctx context.Context, opts SelectOptions) (*model.Node, error) {
	var countryID *int64
	if opts.CountryCode != "" {
		country, err := lb.store.GetCountryByCode(ctx, opts.CountryCode)
		if err != nil {
			return nil, err
		}
		countryID = &country.ID
	}

	return lb.selectNode(ctx, countryID, opts.ExcludeNodeIDs)
}

func (lb *loadBalancer) selectNode(ctx context.Context, countryID *int64, exclude []int64) (*model.Node, error) {
	nodes, err := lb.candidates(ctx, exclude)
	if err != nil {
		return nil, err
	}

	outcome := metrics.SelectionSelected
	pool := nodes
	if countryID != nil {
		pool = inCountry(nodes, *countryID)
		if len(pool) == 0 && len(nodes) > 0 {
			lb.logger.Info("no candidates in requested country, falling back to all countries",
				slog.Int64("country_id", *countryID),
			)
			pool = nodes
			outcome = metrics.SelectionFallback
		}
	}

	best, ok := pickBest(pool)
	if !ok {
		metrics.ObserveSelection(metrics.SelectionUnavailable)
		lb.logger.Warn("no available VPN node",
			slog.Int("excluded", len(exclude)),
		)
		return nil, model.ErrNoNodeAvailable
	}

	metrics.ObserveSelection(outcome)
	lb.logger.Debug("node selected",
		slog.Int64("node_id", best.ID),
		slog.String("node_name", best.Name),
		slog.Float64("score", Score(SnapshotOf(best))),
	)

	return &best, nil
}

// candidates lists active, healthy nodes with free capacity
func (lb *loadBalancer) candidates(ctx context.Context, exclude []int64) ([]model.Node, error) {
	nodes, err := lb.store.ListNodes(ctx, model.NodeFilter{
		Status:       model.NodeStatusActive,
		HealthStatus: model.HealthStatusHealthy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate nodes: %w", err)
	}

	out := nodes[:0]
	for _, n := range nodes {
		if !n.CanAcceptUsers() || slices.Contains(exclude, n.ID) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func inCountry(nodes []model.Node, countryID int64) []model.Node {
	var out []model.Node
	for _, n := range nodes {
		if n.CountryID != nil && *n.CountryID == countryID {
			out = append(out, n)
		}
	}
	return out
}

// AssignUserToNode assigns the user to nodeID, or to the best node when
// nodeID is nil. An explicit node skips the capacity check.
func (lb *loadBalancer) AssignUserToNode(ctx context.Context, userID int64, nodeID *int64) (*model.Assignment, error) {
	exists, err := lb.store.UserExists(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %d: %w", userID, err)
	}
	if !exists {
		return nil, model.ErrUserNotFound
	}

	if nodeID != nil {
		if _, err := lb.store.GetNode(ctx, *nodeID); err != nil {
			return nil, err
		}

		res, err := lb.store.AssignUser(ctx, model.AssignRequest{UserID: userID, NodeID: *nodeID})
		metrics.ObserveAssignment(assignKindExplicit, err)
		if err != nil {
			return nil, fmt.Errorf("failed to assign user %d to node %d: %w", userID, *nodeID, err)
		}

		lb.logAssignment(res, "user assigned to requested node")
		return res.Assignment, nil
	}

	res, err := lb.place(ctx, userID, nil, nil, assignKindAuto)
	if err != nil {
		return nil, err
	}

	lb.logAssignment(res, "user assigned to selected node")
	return res.Assignment, nil
}

// place selects a node and admits the user with a capacity check, retrying
// with the full node excluded
func (lb *loadBalancer) place(ctx context.Context, userID int64, countryID *int64, exclude []int64, kind string) (*model.AssignResult, error) {
	exclude = slices.Clone(exclude)

	for range maxAdmissionAttempts {
		node, err := lb.selectNode(ctx, countryID, exclude)
		if err != nil {
			return nil, err
		}

		res, err := lb.store.AssignUser(ctx, model.AssignRequest{
			UserID:          userID,
			NodeID:          node.ID,
			EnforceCapacity: true,
		})
		metrics.ObserveAssignment(kind, err)

		if errors.Is(err, model.ErrNodeAtCapacity) {
			lb.logger.Debug("selected node filled up, selecting again",
				slog.Int64("node_id", node.ID),
				slog.Int64("user_id", userID),
			)
			exclude = append(exclude, node.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to assign user %d to node %d: %w", userID, node.ID, err)
		}

		return res, nil
	}

	return nil, model.ErrNoNodeAvailable
}

func (lb *loadBalancer) logAssignment(res *model.AssignResult, msg string) {
	lb.logger.Info(msg,
		slog.Int64("user_id", res.Assignment.UserID),
		slog.Int64("node_id", res.Assignment.NodeID),
		slog.Any("previous_node_ids", res.PreviousNodeIDs),
	)
}

// MigrateUser moves the user's active assignment to the target node in one
// transaction. Migrating to the current node is a no-op. A user without an
// active assignment is assigned to the target.
func (lb *loadBalancer) MigrateUser(ctx context.Context, userID, targetNodeID int64) error {
	exists, err := lb.store.UserExists(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to look up user %d: %w", userID, err)
	}
	if !exists {
		return model.ErrUserNotFound
	}

	return lb.migrate(ctx, userID, targetNodeID, false)
}

func (lb *loadBalancer) migrate(ctx context.Context, userID, targetNodeID int64, enforceCapacity bool) error {
	var fromNodeID int64
	current, err := lb.store.GetActiveAssignment(ctx, userID)
	switch {
	case errors.Is(err, model.ErrAssignmentNotFound):
	case err != nil:
		return err
	case current.NodeID == targetNodeID:
		return nil
	default:
		fromNodeID = current.NodeID
	}

	if _, err := lb.store.GetNode(ctx, targetNodeID); err != nil {
		return err
	}

	res, err := lb.store.AssignUser(ctx, model.AssignRequest{
		UserID:          userID,
		NodeID:          targetNodeID,
		EnforceCapacity: enforceCapacity,
	})
	metrics.ObserveAssignment(assignKindMigrate, err)
	if err != nil {
		return fmt.Errorf("failed to migrate user %d to node %d: %w", userID, targetNodeID, err)
	}

	lb.logger.Info("user migrated",
		slog.Int64("user_id", userID),
		slog.Int64("from_node_id", fromNodeID),
		slog.Int64("to_node_id", res.Assignment.NodeID),
	)
	return nil
}

// RebalanceUsers moves users from the most to the least loaded healthy node.
// A pass that moves nobody reports Success false with the reason. Users
// that fail to migrate are skipped.
func (lb *loadBalancer) RebalanceUsers(ctx context.Context) model.RebalanceResult {
	nodes, err := lb.store.ListNodes(ctx, model.NodeFilter{
		Status:       model.NodeStatusActive,
		HealthStatus: model.HealthStatusHealthy,
	})
	if err != nil {
		return lb.rebalanceFailed(fmt.Errorf("failed to list nodes: %w", err), model.RebalanceResult{})
	}

	if len(nodes) < 2 {
		return model.RebalanceResult{Reason: model.RebalanceReasonNotEnoughNodes}
	}

	most, least := nodes[0], nodes[0]
	for _, n := range nodes[1:] {
		if n.LoadPercentage() > most.LoadPercentage() {
			most = n
		}
		if n.LoadPercentage() < least.LoadPercentage() {
			least = n
		}
	}

	gap := most.LoadPercentage() - least.LoadPercentage()
	if gap < lb.cfg.RebalanceThreshold {
		return model.RebalanceResult{Reason: model.RebalanceReasonSmallDifference}
	}

	result := model.RebalanceResult{FromNode: most.ID, ToNode: least.ID}

	users, err := lb.store.ListActiveUserIDs(ctx, most.ID, lb.cfg.RebalanceBatch)
	if err != nil {
		return lb.rebalanceFailed(fmt.Errorf("failed to list users of node %d: %w", most.ID, err), result)
	}
	if len(users) == 0 {
		return model.RebalanceResult{Reason: model.RebalanceReasonNoUsers}
	}

	count := min(len(users), (most.CurrentUsers-least.CurrentUsers)/2)
	if count < 1 {
		return model.RebalanceResult{Reason: model.RebalanceReasonBalanced}
	}

	for _, userID := range users[:count] {
		if err := lb.migrate(ctx, userID, least.ID, true); err != nil {
			lb.logger.Warn("failed to migrate user while rebalancing",
				slog.Int64("user_id", userID),
				slog.Int64("from_node_id", most.ID),
				slog.Int64("to_node_id", least.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.MigratedCount++
	}

	metrics.AddRebalanceMigrations(result.MigratedCount)
	result.Success = true

	lb.logger.Info("users rebalanced",
		slog.Int64("from_node_id", most.ID),
		slog.Int64("to_node_id", least.ID),
		slog.Int("migrated", result.MigratedCount),
		slog.Float64("load_gap", gap),
	)

	return result
}

func (lb *loadBalancer) rebalanceFailed(err error, result model.RebalanceResult) model.RebalanceResult {
	lb.logger.Error("rebalancing failed",
		slog.Int("migrated", result.MigratedCount),
		slog.String("error", err.Error()),
	)

	result.Success = false
	result.Reason = model.RebalanceReasonError
	result.Error = err.Error()
	return result
}

// EvacuateNode moves every active user off the node, preferring nodes in
// the same country
func (lb *loadBalancer) EvacuateNode(ctx context.Context, nodeID int64) (*model.EvacuationResult, error) {
	node, err := lb.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	users, err := lb.store.ListActiveUserIDs(ctx, nodeID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list users of node %d: %w", nodeID, err)
	}

	result := &model.EvacuationResult{NodeID: nodeID, TotalUsers: len(users)}
	exclude := []int64{nodeID}

	for _, userID := range users {
		if _, err := lb.place(ctx, userID, node.CountryID, exclude, assignKindMigrate); err != nil {
			lb.logger.Warn("failed to evacuate user",
				slog.Int64("node_id", nodeID),
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
			result.FailedUsers = append(result.FailedUsers, userID)
			continue
		}
		result.MigratedCount++
	}

	lb.logger.Info("node evacuated",
		slog.Int64("node_id", nodeID),
		slog.String("node_name", node.Name),
		slog.Int("total_users", result.TotalUsers),
		slog.Int("migrated", result.MigratedCount),
		slog.Int("failed", len(result.FailedUsers)),
	)

	return result, nil
}

// HandleNodeDown evacuates a node reported down by the health checker
func (lb *loadBalancer) HandleNodeDown(ctx context.Context, ev events.NodeEvent) error {
	result, err := lb.EvacuateNode(ctx, ev.NodeID)
	if err != nil {
		return fmt.Errorf("failed to evacuate node %d: %w", ev.NodeID, err)
	}

	if !result.Complete() {
		return fmt.Errorf("evacuation of node %d left %d users behind", ev.NodeID, len(result.FailedUsers))
	}
	return nil
}

// ReconcileCounters recomputes current_users from active assignments
func (lb *loadBalancer) ReconcileCounters(ctx context.Context) (int, error) {
	corrected, err := lb.store.ReconcileNodeCounters(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile node counters: %w", err)
	}

	if corrected > 0 {
		lb.logger.Warn("node user counters corrected", slog.Int("nodes", corrected))
	}
	return corrected, nil
}

// GetUserNode returns the node of the user's active assignment
func (lb *loadBalancer) GetUserNode(ctx context.Context, userID int64) (*model.Node, error) {
	a, err := lb.store.GetActiveAssignment(ctx, userID)
	if err != nil {
		return nil, err
	}

	return lb.store.GetNode(ctx, a.NodeID)
}

// GetNodeLoadStats returns a load snapshot of every node
func (lb *loadBalancer) GetNodeLoadStats(ctx context.Context) ([]model.NodeLoad, error) {
	nodes, err := lb.store.ListNodes(ctx, model.NodeFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	loads := make([]model.NodeLoad, 0, len(nodes))
	for _, n := range nodes {
		loads = append(loads, model.NodeLoad{
			ID:             n.ID,
			Name:           n.Name,
			Location:       n.Location,
			Status:         n.Status,
			HealthStatus:   n.HealthStatus,
			CurrentUsers:   n.CurrentUsers,
			MaxUsers:       n.MaxUsers,
			LoadPercentage: n.LoadPercentage(),
		})
	}

	metrics.SetNodeLoads(loads)
	return loads, nil
}

// GetCountryAvailability summarizes active nodes per active country
func (lb *loadBalancer) GetCountryAvailability(ctx context.Context) ([]model.CountryAvailability, error) {
	countries, err := lb.store.ListCountries(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list countries: %w", err)
	}

	nodes, err := lb.store.ListNodes(ctx, model.NodeFilter{Status: model.NodeStatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	out := make([]model.CountryAvailability, 0, len(countries))
	for _, c := range countries {
		ca := model.CountryAvailability{Country: c}
		for _, n := range inCountry(nodes, c.ID) {
			ca.TotalNodes++
			if n.IsHealthy() {
				ca.HealthyNodes++
				ca.AvailableSlots += n.AvailableSlots()
			}
		}
		ca.Available = ca.AvailableSlots > 0
		out = append(out, ca)
	}

	return out, nil
}
