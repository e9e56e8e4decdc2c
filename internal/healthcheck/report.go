package healthcheck

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
	"github.com/kirychukyurii/vpn-node-balancer/internal/panel"
)

// GetHealthReport aggregates persisted node health without probing
func (c *Checker) GetHealthReport(ctx context.Context) (*model.HealthReport, error) {
	nodes, err := c.store.ListNodes(ctx, model.NodeFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	report := &model.HealthReport{
		TotalNodes:  len(nodes),
		Nodes:       nodes,
		GeneratedAt: c.now(),
	}

	for i := range nodes {
		n := &nodes[i]
		if n.IsActive() {
			report.ActiveNodes++
			report.TotalCapacity += n.MaxUsers
			report.TotalUsers += n.CurrentUsers
		} else {
			report.InactiveNodes++
		}

		switch n.HealthStatus {
		case model.HealthStatusHealthy:
			report.HealthyNodes++
		case model.HealthStatusUnhealthy:
			report.UnhealthyNodes++
		default:
			report.UnknownNodes++
		}
	}

	if report.TotalCapacity > 0 {
		report.SystemLoadPercentage = float64(report.TotalUsers) / float64(report.TotalCapacity) * 100
	}

	return report, nil
}

// GetNodeStats returns a read-only snapshot of one node. Live panel stats
// are best effort: a panel failure is reported inside them.
func (c *Checker) GetNodeStats(ctx context.Context, nodeID int64) (*model.NodeStats, error) {
	node, err := c.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	counts, err := c.store.CountActiveAssignments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}

	stats := &model.NodeStats{
		Node: *node,
		Load: model.NodeLoadDetails{
			CurrentUsers:      node.CurrentUsers,
			MaxUsers:          node.MaxUsers,
			LoadPercentage:    node.LoadPercentage(),
			AvailableSlots:    node.AvailableSlots(),
			ActiveAssignments: counts[node.ID],
		},
		Health: model.NodeHealthStats{
			HealthStatus:    node.HealthStatus,
			ResponseTimeMs:  node.ResponseTimeMs,
			LastHealthCheck: node.LastHealthCheck,
		},
	}

	if c.pool != nil {
		stats.Panel = c.panelStats(ctx, nodeID)
	}

	return stats, nil
}

// panelStats reads inbounds, clients and server status through the pooled client
func (c *Checker) panelStats(ctx context.Context, nodeID int64) *model.NodePanelStats {
	if c.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		defer cancel()
	}

	stats := &model.NodePanelStats{}

	client, err := c.pool.GetClient(ctx, nodeID)
	if err != nil {
		stats.Error = err.Error()
		return stats
	}
	stats.Connected = true

	inbounds, err := client.ListInbounds(ctx)
	if err != nil {
		stats.Error = fmt.Sprintf("failed to get inbounds: %v", err)
		return stats
	}
	stats.InboundsCount = len(inbounds)
	stats.ActiveInboundsCount = panel.CountActive(inbounds)
	stats.TotalClients, stats.ActiveClients = panel.ClientStats(inbounds)

	status, err := client.ServerStatus(ctx)
	if err != nil {
		c.logger.Debug("failed to get panel server status",
			slog.Int64("node_id", nodeID),
			slog.String("error", err.Error()),
		)
		return stats
	}
	stats.Server = &model.PanelServerStatus{
		CPU:         status.CPU,
		MemCurrent:  status.Mem.Current,
		MemTotal:    status.Mem.Total,
		Uptime:      status.Uptime,
		XrayState:   status.Xray.State,
		XrayVersion: status.Xray.Version,
	}

	return stats
}
