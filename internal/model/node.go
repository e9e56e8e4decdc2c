package model

import "time"

// Node statuses, controlled by administrators
const (
	NodeStatusActive   = "active"
	NodeStatusInactive = "inactive"
)

// Node health statuses, written only by health probes
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
	HealthStatusUnknown   = "unknown"
)

// Node defaults
const (
	DefaultMaxUsers = 1000
	DefaultPriority = 100
	DefaultWeight   = 1.0
)

// Node represents a VPN server managed through a 3x-ui panel
type Node struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Location        string     `json:"location,omitempty"`
	CountryID       *int64     `json:"country_id,omitempty"`
	PanelURL        string     `json:"panel_url"`
	PanelUsername   string     `json:"panel_username"`
	PanelPassword   string     `json:"-"`
	Status          string     `json:"status"`        // active | inactive
	HealthStatus    string     `json:"health_status"` // healthy | unhealthy | unknown
	CurrentUsers    int        `json:"current_users"`
	MaxUsers        int        `json:"max_users"`
	Priority        int        `json:"priority"`
	Weight          float64    `json:"weight"`
	ResponseTimeMs  *int64     `json:"response_time_ms,omitempty"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsActive reports whether the node is enabled by an administrator
func (n *Node) IsActive() bool {
	return n.Status == NodeStatusActive
}

// IsHealthy reports whether the last probe succeeded
func (n *Node) IsHealthy() bool {
	return n.HealthStatus == HealthStatusHealthy
}

// LoadPercentage returns current_users / max_users * 100.
// A node without capacity is reported as fully loaded.
func (n *Node) LoadPercentage() float64 {
	if n.MaxUsers <= 0 {
		return 100
	}
	return float64(n.CurrentUsers) / float64(n.MaxUsers) * 100
}

// HasCapacity reports whether another user fits on the node
func (n *Node) HasCapacity() bool {
	return n.CurrentUsers < n.MaxUsers
}

// CanAcceptUsers returns true if node is a placement candidate
func (n *Node) CanAcceptUsers() bool {
	return n.IsActive() && n.IsHealthy() && n.HasCapacity()
}

// AvailableSlots returns the remaining capacity, never negative
func (n *Node) AvailableSlots() int {
	if n.CurrentUsers >= n.MaxUsers {
		return 0
	}
	return n.MaxUsers - n.CurrentUsers
}

// NodeFilter narrows node listings
type NodeFilter struct {
	Status       string // empty means any
	HealthStatus string // empty means any
	CountryID    *int64
}

// NodeUpdate carries a partial node update. Health fields and the user
// counter are intentionally absent.
type NodeUpdate struct {
	Name          *string  `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Description   *string  `json:"description,omitempty" validate:"omitempty,max=1000"`
	Location      *string  `json:"location,omitempty" validate:"omitempty,max=100"`
	CountryID     *int64   `json:"country_id,omitempty"`
	PanelURL      *string  `json:"panel_url,omitempty" validate:"omitempty,url"`
	PanelUsername *string  `json:"panel_username,omitempty" validate:"omitempty,min=1,max=100"`
	PanelPassword *string  `json:"panel_password,omitempty" validate:"omitempty,min=1,max=255"`
	Status        *string  `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
	MaxUsers      *int     `json:"max_users,omitempty" validate:"omitempty,min=1"`
	Priority      *int     `json:"priority,omitempty" validate:"omitempty,min=0,max=1000"`
	Weight        *float64 `json:"weight,omitempty" validate:"omitempty,gt=0,max=100"`
}

// ChangesCredentials reports whether the update touches panel access
func (u *NodeUpdate) ChangesCredentials() bool {
	return u.PanelURL != nil || u.PanelUsername != nil || u.PanelPassword != nil
}

// Apply copies the set fields onto n
func (u *NodeUpdate) Apply(n *Node) {
	if u.Name != nil {
		n.Name = *u.Name
	}
	if u.Description != nil {
		n.Description = *u.Description
	}
	if u.Location != nil {
		n.Location = *u.Location
	}
	if u.CountryID != nil {
		id := *u.CountryID
		n.CountryID = &id
	}
	if u.PanelURL != nil {
		n.PanelURL = *u.PanelURL
	}
	if u.PanelUsername != nil {
		n.PanelUsername = *u.PanelUsername
	}
	if u.PanelPassword != nil {
		n.PanelPassword = *u.PanelPassword
	}
	if u.Status != nil {
		n.Status = *u.Status
	}
	if u.MaxUsers != nil {
		n.MaxUsers = *u.MaxUsers
	}
	if u.Priority != nil {
		n.Priority = *u.Priority
	}
	if u.Weight != nil {
		n.Weight = *u.Weight
	}
}

// NodeConfig is the input for registering a node
type NodeConfig struct {
	Name          string  `json:"name" validate:"required,min=1,max=100"`
	Description   string  `json:"description" validate:"max=1000"`
	Location      string  `json:"location" validate:"max=100"`
	CountryID     *int64  `json:"country_id,omitempty"`
	PanelURL      string  `json:"panel_url" validate:"required,url"`
	PanelUsername string  `json:"panel_username" validate:"required,max=100"`
	PanelPassword string  `json:"panel_password" validate:"required,max=255"`
	MaxUsers      int     `json:"max_users" validate:"omitempty,min=1"`
	Priority      int     `json:"priority" validate:"omitempty,min=0,max=1000"`
	Weight        float64 `json:"weight" validate:"omitempty,gt=0,max=100"`
}

// HealthUpdate is a probe outcome persisted onto a node
type HealthUpdate struct {
	HealthStatus   string
	ResponseTimeMs *int64
	CheckedAt      time.Time
}

// NodeWithAssignments decorates a node with its active assignment count
type NodeWithAssignments struct {
	Node
	ActiveAssignments int `json:"active_assignments"`
}
