package model

import "time"

// ProbeResult is the outcome of a single node health probe
type ProbeResult struct {
	NodeID              int64     `json:"node_id"`
	NodeName            string    `json:"node_name"`
	NodeURL             string    `json:"node_url"`
	IsHealthy           bool      `json:"is_healthy"`
	Error               string    `json:"error,omitempty"`
	ResponseTimeMs      int64     `json:"response_time_ms"`
	InboundsCount       int       `json:"inbounds_count"`
	ActiveInboundsCount int       `json:"active_inbounds_count"`
	CheckedAt           time.Time `json:"checked_at"`
}

// HealthStatus maps the probe outcome to a node health status
func (r *ProbeResult) HealthStatus() string {
	if r.IsHealthy {
		return HealthStatusHealthy
	}
	return HealthStatusUnhealthy
}

// HealthCheckReport is the outcome of a full health check cycle
type HealthCheckReport struct {
	CycleID      string        `json:"cycle_id"`
	TotalNodes   int           `json:"total_nodes"`
	HealthyNodes int           `json:"healthy_nodes"`
	Nodes        []ProbeResult `json:"nodes"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// HealthReport aggregates persisted node health without probing
type HealthReport struct {
	TotalNodes           int       `json:"total_nodes"`
	ActiveNodes          int       `json:"active_nodes"`
	InactiveNodes        int       `json:"inactive_nodes"`
	HealthyNodes         int       `json:"healthy_nodes"`
	UnhealthyNodes       int       `json:"unhealthy_nodes"`
	UnknownNodes         int       `json:"unknown_nodes"`
	TotalCapacity        int       `json:"total_capacity"`
	TotalUsers           int       `json:"total_users"`
	SystemLoadPercentage float64   `json:"system_load_percentage"`
	Nodes                []Node    `json:"nodes"`
	GeneratedAt          time.Time `json:"generated_at"`
}

// NodeStats is a read-only snapshot of one node
type NodeStats struct {
	Node   Node            `json:"node_info"`
	Load   NodeLoadDetails `json:"load_stats"`
	Health NodeHealthStats `json:"health_stats"`
	Panel  *NodePanelStats `json:"panel_stats,omitempty"`
}

// NodePanelStats is what the node panel reports live
type NodePanelStats struct {
	Connected           bool               `json:"connected"`
	InboundsCount       int                `json:"inbounds_count"`
	ActiveInboundsCount int                `json:"active_inbounds_count"`
	TotalClients        int                `json:"total_clients"`
	ActiveClients       int                `json:"active_clients"`
	Server              *PanelServerStatus `json:"server_status,omitempty"`
	Error               string             `json:"error,omitempty"`
}

// PanelServerStatus is the panel host snapshot
type PanelServerStatus struct {
	CPU         float64 `json:"cpu"`
	MemCurrent  uint64  `json:"mem_current"`
	MemTotal    uint64  `json:"mem_total"`
	Uptime      uint64  `json:"uptime"`
	XrayState   string  `json:"xray_state"`
	XrayVersion string  `json:"xray_version"`
}

// NodeLoadDetails describes node occupancy
type NodeLoadDetails struct {
	CurrentUsers      int     `json:"current_users"`
	MaxUsers          int     `json:"max_users"`
	LoadPercentage    float64 `json:"load_percentage"`
	AvailableSlots    int     `json:"available_slots"`
	ActiveAssignments int     `json:"active_assignments"`
}

// NodeHealthStats describes the last persisted probe
type NodeHealthStats struct {
	HealthStatus    string     `json:"health_status"`
	ResponseTimeMs  *int64     `json:"response_time_ms,omitempty"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
}

// ConnectionTestResult reports a one-off panel connectivity test
type ConnectionTestResult struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	InboundsCount  int    `json:"inbounds_count"`
}
