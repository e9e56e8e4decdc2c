package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirychukyurii/vpn-node-balancer/internal/concurrent"
	"github.com/kirychukyurii/vpn-node-balancer/internal/config"
	"github.com/kirychukyurii/vpn-node-balancer/internal/events"
	"github.com/kirychukyurii/vpn-node-balancer/internal/metrics"
	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
	"github.com/kirychukyurii/vpn-node-balancer/internal/panel"
	"github.com/kirychukyurii/vpn-node-balancer/internal/repository"
)

// Store is the persistence used by the checker
type Store interface {
	repository.NodeRepository
	CountActiveAssignments(ctx context.Context) (map[int64]int, error)
}

// ClientPool hands out authenticated panel clients for node stats and is
// cleared after every cycle
type ClientPool interface {
	GetClient(ctx context.Context, nodeID int64) (panel.API, error)
	ClearCache()
}

// Publisher receives node health transitions
type Publisher interface {
	Publish(ctx context.Context, name string, ev events.NodeEvent) error
}

// Checker probes node panels and persists their health
type Checker struct {
	cfg            *config.HealthCheckConfig
	store          Store
	factory        panel.Factory
	pool           ClientPool
	publisher      Publisher
	logger         *slog.Logger
	now            func() time.Time
	failureCounter map[int64]int // node id -> consecutive failed probes
	mu             sync.Mutex
}

// NewChecker creates a new health checker. pool and publisher may be nil.
func NewChecker(
	cfg *config.HealthCheckConfig,
	store Store,
	factory panel.Factory,
	pool ClientPool,
	publisher Publisher,
	logger *slog.Logger,
) *Checker {
	return &Checker{
		cfg:            cfg,
		store:          store,
		factory:        factory,
		pool:           pool,
		publisher:      publisher,
		logger:         logger,
		now:            time.Now,
		failureCounter: make(map[int64]int),
	}
}

// CheckNodeHealth logs in to the node panel with a fresh session and lists
// its inbounds. It never returns an error: every failure is reported in the
// result.
func (c *Checker) CheckNodeHealth(ctx context.Context, node model.Node) (res model.ProbeResult) {
	res = model.ProbeResult{
		NodeID:   node.ID,
		NodeName: node.Name,
		NodeURL:  node.PanelURL,
	}

	if c.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.IsHealthy = false
			res.Error = fmt.Sprintf("connection error: probe panicked: %v", r)
		}
		res.ResponseTimeMs = time.Since(start).Milliseconds()
		res.CheckedAt = c.now()
	}()

	client, err := c.factory(node)
	if err != nil {
		res.Error = fmt.Sprintf("connection error: %v", err)
		return res
	}

	if err := client.Login(ctx); err != nil {
		if errors.Is(err, panel.ErrAuthFailed) {
			res.Error = err.Error()
		} else {
			res.Error = fmt.Sprintf("connection error: %v", err)
		}
		return res
	}

	inbounds, err := client.ListInbounds(ctx)
	if err != nil {
		res.Error = fmt.Sprintf("failed to get inbounds: %v", err)
		return res
	}

	res.InboundsCount = len(inbounds)
	res.ActiveInboundsCount = panel.CountActive(inbounds)

	if c.cfg.RequireActiveInbound && res.ActiveInboundsCount == 0 {
		res.Error = "no active inbounds"
		return res
	}

	res.IsHealthy = true
	return res
}

// CheckNodeByID probes one node and persists the outcome
func (c *Checker) CheckNodeByID(ctx context.Context, nodeID int64) (model.ProbeResult, error) {
	node, err := c.store.GetNode(ctx, nodeID)
	if err != nil {
		return model.ProbeResult{}, err
	}

	res := c.CheckNodeHealth(ctx, *node)
	tr, err := c.record(ctx, *node, res)
	if err != nil {
		return res, err
	}
	c.publish(ctx, tr)

	return res, nil
}

// transition is a health change waiting to be published
type transition struct {
	name string
	ev   events.NodeEvent
}

// outcome is one probe of a cycle
type outcome struct {
	res        model.ProbeResult
	transition *transition
}

// CheckAllNodes probes every active node concurrently. A failing node never
// aborts the batch. The only error is a failure to list nodes. Health
// transitions are published once every probe has finished.
func (c *Checker) CheckAllNodes(ctx context.Context) (*model.HealthCheckReport, error) {
	report := &model.HealthCheckReport{
		CycleID: uuid.NewString(),
		Nodes:   []model.ProbeResult{},
	}

	nodes, err := c.store.ListNodes(ctx, model.NodeFilter{Status: model.NodeStatusActive})
	if err != nil {
		metrics.ObserveHealthCycle(err)
		return nil, fmt.Errorf("failed to list active nodes: %w", err)
	}

	log := c.logger.With(slog.String("cycle_id", report.CycleID))
	log.Info("starting health check cycle", slog.Int("nodes", len(nodes)))

	results := concurrent.MapWithLimit(ctx, nodes, c.cfg.Concurrency, func(ctx context.Context, n model.Node) (outcome, error) {
		res := c.CheckNodeHealth(ctx, n)
		tr, err := c.record(ctx, n, res)
		if err != nil {
			log.Error("failed to persist node health",
				slog.Int64("node_id", n.ID),
				slog.String("error", err.Error()),
			)
		}
		return outcome{res: res, transition: tr}, nil
	})

	var transitions []*transition
	for _, r := range results {
		res := r.Value.res
		if r.Value.transition != nil {
			transitions = append(transitions, r.Value.transition)
		}
		if r.Err != nil {
			n := nodes[r.Index]
			res = model.ProbeResult{
				NodeID:    n.ID,
				NodeName:  n.Name,
				NodeURL:   n.PanelURL,
				Error:     fmt.Sprintf("connection error: %v", r.Err),
				CheckedAt: c.now(),
			}
		}
		if res.IsHealthy {
			report.HealthyNodes++
		}
		report.Nodes = append(report.Nodes, res)
	}

	report.TotalNodes = len(nodes)
	report.CheckedAt = c.now()

	if c.pool != nil {
		c.pool.ClearCache()
	}
	metrics.ObserveHealthCycle(nil)

	log.Info("health check cycle completed",
		slog.Int("total_nodes", report.TotalNodes),
		slog.Int("healthy_nodes", report.HealthyNodes),
	)

	for _, tr := range transitions {
		c.publish(ctx, tr)
	}

	return report, nil
}

// Run performs one health check cycle, it is the scheduled job body
func (c *Checker) Run(ctx context.Context) error {
	_, err := c.CheckAllNodes(ctx)
	return err
}

// record persists the probe outcome and tracks consecutive failures. It
// returns the health transition the probe caused, if any.
func (c *Checker) record(ctx context.Context, node model.Node, res model.ProbeResult) (*transition, error) {
	metrics.ObserveProbe(res)

	if !res.IsHealthy {
		c.logger.Warn("node health check failed",
			slog.Int64("node_id", node.ID),
			slog.String("node_name", node.Name),
			slog.String("error", res.Error),
			slog.Int64("response_time_ms", res.ResponseTimeMs),
		)
	}

	responseTime := res.ResponseTimeMs
	err := c.store.UpdateNodeHealth(ctx, node.ID, model.HealthUpdate{
		HealthStatus:   res.HealthStatus(),
		ResponseTimeMs: &responseTime,
		CheckedAt:      res.CheckedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update health of node %d: %w", node.ID, err)
	}

	return c.trackTransition(node, res), nil
}

// trackTransition reports node.down once the failure threshold is reached
// and node.recovered when a down node passes a probe again
func (c *Checker) trackTransition(node model.Node, res model.ProbeResult) *transition {
	threshold := c.cfg.FailedThreshold
	if threshold <= 0 {
		threshold = 1
	}

	c.mu.Lock()
	previousFailures := c.failureCounter[node.ID]
	if res.IsHealthy {
		delete(c.failureCounter, node.ID)
	} else {
		c.failureCounter[node.ID]++
	}
	currentFailures := c.failureCounter[node.ID]
	c.mu.Unlock()

	var name string
	switch {
	case !res.IsHealthy && currentFailures == threshold:
		name = events.NodeDown
		c.logger.Error("node failure threshold reached",
			slog.Int64("node_id", node.ID),
			slog.String("node_name", node.Name),
			slog.Int("failures", currentFailures),
		)
	case res.IsHealthy && previousFailures >= threshold:
		name = events.NodeRecovered
		c.logger.Info("node health restored",
			slog.Int64("node_id", node.ID),
			slog.String("node_name", node.Name),
			slog.Int("previous_failures", previousFailures),
		)
	default:
		return nil
	}

	return &transition{
		name: name,
		ev: events.NodeEvent{
			NodeID:              node.ID,
			NodeName:            node.Name,
			ConsecutiveFailures: currentFailures,
			Error:               res.Error,
			At:                  res.CheckedAt,
		},
	}
}

func (c *Checker) publish(ctx context.Context, tr *transition) {
	if tr == nil || c.publisher == nil {
		return
	}

	if err := c.publisher.Publish(ctx, tr.name, tr.ev); err != nil {
		c.logger.Error("failed to publish node event",
			slog.String("event", tr.name),
			slog.Int64("node_id", tr.ev.NodeID),
			slog.String("error", err.Error()),
		)
	}
}

// ConsecutiveFailures returns the current failure streak of a node
func (c *Checker) ConsecutiveFailures(nodeID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCounter[nodeID]
}
