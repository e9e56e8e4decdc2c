package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kirychukyurii/vpn-node-balancer/internal/metrics"
	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
	"github.com/kirychukyurii/vpn-node-balancer/internal/panel"
	"github.com/kirychukyurii/vpn-node-balancer/internal/repository"
)

// HealthChecker defines interface for on-demand node probes
type HealthChecker interface {
	CheckNodeByID(ctx context.Context, nodeID int64) (model.ProbeResult, error)
}

// ClientInvalidator drops pooled panel sessions
type ClientInvalidator interface {
	InvalidateClient(nodeID int64)
}

// NodeManager defines the interface for node administration
type NodeManager interface {
	CreateNode(ctx context.Context, cfg model.NodeConfig) (*model.Node, error)
	GetNodes(ctx context.Context, filter model.NodeFilter, includeAssignments bool) ([]model.NodeWithAssignments, error)
	GetNodeByID(ctx context.Context, id int64) (*model.Node, error)
	UpdateNode(ctx context.Context, id int64, update model.NodeUpdate) (*model.Node, error)
	ActivateNode(ctx context.Context, id int64) (*model.Node, error)
	DeactivateNode(ctx context.Context, id int64) (*model.Node, error)
	DeleteNode(ctx context.Context, id int64, migrateUsers bool) error
	TestNodeConnection(ctx context.Context, id int64) (*model.ConnectionTestResult, error)
}

// nodeManager implements NodeManager interface
type nodeManager struct {
	store         repository.Store
	factory       panel.Factory
	pool          ClientInvalidator
	healthChecker HealthChecker
	balancer      LoadBalancer
	validate      *validator.Validate
	logger        *slog.Logger
}

// NewNodeManager creates a new node manager
func NewNodeManager(
	store repository.Store,
	factory panel.Factory,
	pool ClientInvalidator,
	healthChecker HealthChecker,
	balancer LoadBalancer,
	logger *slog.Logger,
) NodeManager {
	return &nodeManager{
		store:         store,
		factory:       factory,
		pool:          pool,
		healthChecker: healthChecker,
		balancer:      balancer,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger,
	}
}

// CreateNode registers a node after a successful panel login. The node
// starts active with unknown health.
func (m *nodeManager) CreateNode(ctx context.Context, cfg model.NodeConfig) (*model.Node, error) {
	if err := m.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidNodeConfig, err)
	}

	panelURL, err := panel.NormalizeURL(cfg.PanelURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidNodeConfig, err)
	}

	node := &model.Node{
		Name:          cfg.Name,
		Description:   cfg.Description,
		Location:      cfg.Location,
		CountryID:     cfg.CountryID,
		PanelURL:      panelURL,
		PanelUsername: cfg.PanelUsername,
		PanelPassword: cfg.PanelPassword,
		Status:        model.NodeStatusActive,
		HealthStatus:  model.HealthStatusUnknown,
		MaxUsers:      cfg.MaxUsers,
		Priority:      cfg.Priority,
		Weight:        cfg.Weight,
	}
	if node.MaxUsers == 0 {
		node.MaxUsers = model.DefaultMaxUsers
	}
	if node.Priority == 0 {
		node.Priority = model.DefaultPriority
	}
	if node.Weight == 0 {
		node.Weight = model.DefaultWeight
	}

	if res := m.testConnection(ctx, *node); !res.Success {
		return nil, fmt.Errorf("%w: %s", model.ErrConnectivity, res.Message)
	}

	if err := m.store.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	m.logger.Info("node created",
		slog.Int64("node_id", node.ID),
		slog.String("node_name", node.Name),
		slog.String("panel_url", node.PanelURL),
	)

	return node, nil
}

// GetNodes lists nodes ordered by priority, optionally with their active
// assignment counts
func (m *nodeManager) GetNodes(ctx context.Context, filter model.NodeFilter, includeAssignments bool) ([]model.NodeWithAssignments, error) {
	nodes, err := m.store.ListNodes(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var counts map[int64]int
	if includeAssignments {
		counts, err = m.store.CountActiveAssignments(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count assignments: %w", err)
		}
	}

	out := make([]model.NodeWithAssignments, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, model.NodeWithAssignments{Node: n, ActiveAssignments: counts[n.ID]})
	}
	return out, nil
}

// GetNodeByID returns a single node
func (m *nodeManager) GetNodeByID(ctx context.Context, id int64) (*model.Node, error) {
	return m.store.GetNode(ctx, id)
}

// UpdateNode applies a partial update. New panel credentials are tested
// before they are stored and probed right after.
func (m *nodeManager) UpdateNode(ctx context.Context, id int64, update model.NodeUpdate) (*model.Node, error) {
	if err := m.validate.Struct(update); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidNodeConfig, err)
	}

	if update.PanelURL != nil {
		panelURL, err := panel.NormalizeURL(*update.PanelURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidNodeConfig, err)
		}
		update.PanelURL = &panelURL
	}

	existing, err := m.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	credentialsChanged := update.ChangesCredentials()
	if credentialsChanged {
		candidate := *existing
		update.Apply(&candidate)

		if res := m.testConnection(ctx, candidate); !res.Success {
			return nil, fmt.Errorf("%w: %s", model.ErrConnectivity, res.Message)
		}
	}

	node, err := m.store.UpdateNode(ctx, id, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update node %d: %w", id, err)
	}

	m.logger.Info("node updated",
		slog.Int64("node_id", id),
		slog.Bool("credentials_changed", credentialsChanged),
	)

	if !credentialsChanged {
		return node, nil
	}

	m.pool.InvalidateClient(id)
	if _, err := m.healthChecker.CheckNodeByID(ctx, id); err != nil {
		m.logger.Warn("failed to probe updated node",
			slog.Int64("node_id", id),
			slog.String("error", err.Error()),
		)
		return node, nil
	}

	return m.store.GetNode(ctx, id)
}

// ActivateNode makes the node eligible for placement again
func (m *nodeManager) ActivateNode(ctx context.Context, id int64) (*model.Node, error) {
	return m.setStatus(ctx, id, model.NodeStatusActive)
}

// DeactivateNode excludes the node from placement without touching its users
func (m *nodeManager) DeactivateNode(ctx context.Context, id int64) (*model.Node, error) {
	return m.setStatus(ctx, id, model.NodeStatusInactive)
}

func (m *nodeManager) setStatus(ctx context.Context, id int64, status string) (*model.Node, error) {
	node, err := m.store.UpdateNode(ctx, id, model.NodeUpdate{Status: &status})
	if err != nil {
		if errors.Is(err, model.ErrNodeNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to set status of node %d: %w", id, err)
	}

	m.logger.Info("node status changed",
		slog.Int64("node_id", id),
		slog.String("status", status),
	)
	return node, nil
}

// DeleteNode removes a node. With migrateUsers the node is closed to
// placement, every active user is moved and a single leftover aborts the
// deletion. The store refuses to delete a node that still has active users.
func (m *nodeManager) DeleteNode(ctx context.Context, id int64, migrateUsers bool) error {
	node, err := m.store.GetNode(ctx, id)
	if err != nil {
		return err
	}

	users, err := m.store.ListActiveUserIDs(ctx, id, 1)
	if err != nil {
		return fmt.Errorf("failed to list users of node %d: %w", id, err)
	}

	deactivated := false
	if len(users) > 0 {
		if !migrateUsers {
			return model.ErrNodeHasActiveUsers
		}

		if node.Status != model.NodeStatusInactive {
			if _, err := m.setStatus(ctx, id, model.NodeStatusInactive); err != nil {
				return err
			}
			deactivated = true
		}

		res, err := m.balancer.EvacuateNode(ctx, id)
		if err != nil {
			m.restoreStatus(ctx, node, deactivated)
			return err
		}
		if !res.Complete() {
			m.restoreStatus(ctx, node, deactivated)
			return fmt.Errorf("%w: %d of %d users could not be migrated",
				model.ErrNodeHasActiveUsers, len(res.FailedUsers), res.TotalUsers)
		}
	}

	if err := m.store.DeleteNode(ctx, id); err != nil {
		m.restoreStatus(ctx, node, deactivated)
		return fmt.Errorf("failed to delete node %d: %w", id, err)
	}

	m.pool.InvalidateClient(id)
	metrics.ForgetNode(id, node.Name)

	m.logger.Info("node deleted",
		slog.Int64("node_id", id),
		slog.String("node_name", node.Name),
		slog.Bool("users_migrated", migrateUsers && len(users) > 0),
	)
	return nil
}

// restoreStatus reopens a node closed by an aborted deletion
func (m *nodeManager) restoreStatus(ctx context.Context, node *model.Node, deactivated bool) {
	if !deactivated {
		return
	}

	if _, err := m.setStatus(ctx, node.ID, node.Status); err != nil {
		m.logger.Error("failed to restore node status after aborted deletion",
			slog.Int64("node_id", node.ID),
			slog.String("status", node.Status),
			slog.String("error", err.Error()),
		)
	}
}

// TestNodeConnection logs in to the node panel without touching its health
func (m *nodeManager) TestNodeConnection(ctx context.Context, id int64) (*model.ConnectionTestResult, error) {
	node, err := m.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	res := m.testConnection(ctx, *node)
	return &res, nil
}

// testConnection requires a successful login. Listing inbounds is informational.
func (m *nodeManager) testConnection(ctx context.Context, node model.Node) model.ConnectionTestResult {
	start := time.Now()

	client, err := m.factory(node)
	if err != nil {
		return model.ConnectionTestResult{Message: err.Error()}
	}

	if err := client.Login(ctx); err != nil {
		return model.ConnectionTestResult{
			Message:        fmt.Sprintf("login failed: %v", err),
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}
	}

	res := model.ConnectionTestResult{Success: true, Message: "connection successful"}

	inbounds, err := client.ListInbounds(ctx)
	if err != nil {
		res.Message = fmt.Sprintf("connected, but failed to list inbounds: %v", err)
	} else {
		res.InboundsCount = len(inbounds)
	}

	res.ResponseTimeMs = time.Since(start).Milliseconds()
	return res
}
