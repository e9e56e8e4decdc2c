package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kirychukyurii/vpn-node-balancer/internal/cache"
	"github.com/kirychukyurii/vpn-node-balancer/internal/concurrent"
	"github.com/kirychukyurii/vpn-node-balancer/internal/metrics"
	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
	"github.com/kirychukyurii/vpn-node-balancer/internal/panel"
	"github.com/kirychukyurii/vpn-node-balancer/internal/repository"
)

// DefaultRefreshInterval is how long an authenticated client is reused
const DefaultRefreshInterval = 30 * time.Minute

// defaultConcurrency bounds parallel logins in batch operations
const defaultConcurrency = 8

// entry is a pooled client and the time it was authenticated
type entry struct {
	client      panel.API
	refreshedAt time.Time
}

// NodeClientPool caches authenticated panel clients per node. The cache is
// process-local and never authoritative for node health or load.
type NodeClientPool struct {
	store           repository.NodeRepository
	factory         panel.Factory
	clients         cache.Cache[*entry]
	refreshes       singleflight.Group
	refreshInterval time.Duration
	concurrency     int
	now             func() time.Time
	logger          *slog.Logger
}

// Option customizes the pool
type Option func(*NodeClientPool)

// WithClock overrides the time source used for freshness checks
func WithClock(now func() time.Time) Option {
	return func(p *NodeClientPool) {
		p.now = now
	}
}

// WithConcurrency bounds parallel logins in GetAllClients and CheckAllConnections
func WithConcurrency(n int) Option {
	return func(p *NodeClientPool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// New creates a client pool
func New(store repository.NodeRepository, factory panel.Factory, refreshInterval time.Duration, logger *slog.Logger, opts ...Option) *NodeClientPool {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}

	p := &NodeClientPool{
		store:           store,
		factory:         factory,
		clients:         cache.New[*entry](refreshInterval),
		refreshInterval: refreshInterval,
		concurrency:     defaultConcurrency,
		now:             time.Now,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

func cacheKey(nodeID int64) string {
	return strconv.FormatInt(nodeID, 10)
}

// GetClient returns a cached client younger than the refresh interval, or
// refreshes it
func (p *NodeClientPool) GetClient(ctx context.Context, nodeID int64) (panel.API, error) {
	if client, ok := p.fresh(nodeID); ok {
		return client, nil
	}

	return p.refresh(ctx, nodeID, false)
}

func (p *NodeClientPool) fresh(nodeID int64) (panel.API, bool) {
	e, ok := p.clients.Get(cacheKey(nodeID))
	if !ok || p.now().Sub(e.refreshedAt) >= p.refreshInterval {
		return nil, false
	}
	return e.client, true
}

// RefreshClient builds and authenticates a new client for the node.
// Concurrent refreshes of one node share a single login. On failure the
// previous entry is kept.
func (p *NodeClientPool) RefreshClient(ctx context.Context, nodeID int64) (panel.API, error) {
	return p.refresh(ctx, nodeID, true)
}

// refresh logs in unless force is unset and another caller refreshed the
// entry in the meantime
func (p *NodeClientPool) refresh(ctx context.Context, nodeID int64, force bool) (panel.API, error) {
	v, err, _ := p.refreshes.Do(cacheKey(nodeID), func() (any, error) {
		if !force {
			if client, ok := p.fresh(nodeID); ok {
				return client, nil
			}
		}

		node, err := p.store.GetNode(ctx, nodeID)
		if err != nil {
			return nil, err
		}

		client, err := p.login(ctx, *node)
		if err != nil {
			return nil, err
		}

		p.clients.Set(cacheKey(nodeID), &entry{client: client, refreshedAt: p.now()})
		return client, nil
	})
	metrics.ObservePoolRefresh(err)

	if err != nil {
		p.logger.Warn("failed to refresh panel client",
			slog.Int64("node_id", nodeID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to refresh client for node %d: %w", nodeID, err)
	}

	p.logger.Debug("panel client refreshed", slog.Int64("node_id", nodeID))
	return v.(panel.API), nil
}

func (p *NodeClientPool) login(ctx context.Context, node model.Node) (panel.API, error) {
	client, err := p.factory(node)
	if err != nil {
		return nil, fmt.Errorf("failed to create panel client: %w", err)
	}

	if err := client.Login(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

// GetAllClients returns clients of active nodes, healthy ones only when
// onlyHealthy is set. Nodes whose client cannot be obtained are skipped.
func (p *NodeClientPool) GetAllClients(ctx context.Context, onlyHealthy bool) (map[int64]panel.API, error) {
	filter := model.NodeFilter{Status: model.NodeStatusActive}
	if onlyHealthy {
		filter.HealthStatus = model.HealthStatusHealthy
	}

	nodes, err := p.store.ListNodes(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	results := concurrent.MapWithLimit(ctx, nodes, p.concurrency, func(ctx context.Context, n model.Node) (panel.API, error) {
		return p.GetClient(ctx, n.ID)
	})

	if failed := concurrent.CountErrors(results); failed > 0 {
		p.logger.Warn("skipped nodes without a usable panel client",
			slog.Int("failed", failed),
			slog.Int("total", len(nodes)),
		)
	}

	clients := make(map[int64]panel.API, len(nodes))
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		clients[nodes[r.Index].ID] = r.Value
	}

	return clients, nil
}

// CheckAllConnections logs in to every node regardless of cached state and
// persists healthy or unhealthy. Successful clients replace cache entries.
func (p *NodeClientPool) CheckAllConnections(ctx context.Context) (map[int64]bool, error) {
	nodes, err := p.store.ListNodes(ctx, model.NodeFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	results := concurrent.MapWithLimit(ctx, nodes, p.concurrency, func(ctx context.Context, n model.Node) (bool, error) {
		client, err := p.login(ctx, n)
		healthy := err == nil

		if healthy {
			p.clients.Set(cacheKey(n.ID), &entry{client: client, refreshedAt: p.now()})
		} else {
			p.logger.Warn("node connection check failed",
				slog.Int64("node_id", n.ID),
				slog.String("node_name", n.Name),
				slog.String("error", err.Error()),
			)
		}

		update := model.HealthUpdate{
			HealthStatus: model.HealthStatusUnhealthy,
			CheckedAt:    p.now(),
		}
		if healthy {
			update.HealthStatus = model.HealthStatusHealthy
		}
		if err := p.store.UpdateNodeHealth(ctx, n.ID, update); err != nil {
			p.logger.Error("failed to persist connection check",
				slog.Int64("node_id", n.ID),
				slog.String("error", err.Error()),
			)
		}

		return healthy, nil
	})

	status := make(map[int64]bool, len(nodes))
	for _, r := range results {
		status[nodes[r.Index].ID] = r.Err == nil && r.Value
	}

	return status, nil
}

// InvalidateClient drops the cached client of one node
func (p *NodeClientPool) InvalidateClient(nodeID int64) {
	p.clients.Delete(cacheKey(nodeID))
}

// ClearCache drops all cached clients
func (p *NodeClientPool) ClearCache() {
	p.clients.Clear()
	p.logger.Debug("panel client cache cleared")
}

// Len returns the number of cached clients
func (p *NodeClientPool) Len() int {
	return p.clients.Len()
}
