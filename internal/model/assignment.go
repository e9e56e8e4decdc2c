package model

import "time"

// Assignment binds a user to a node. Only one active row per user exists.
type Assignment struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	NodeID           int64     `json:"node_id"` // 0 once the node has been deleted
	AssignedAt       time.Time `json:"assigned_at"`
	IsActive         bool      `json:"is_active"`
	PanelInboundID   *int      `json:"panel_inbound_id,omitempty"`
	PanelClientEmail *string   `json:"panel_client_email,omitempty"`
}

// AssignRequest describes a single assignment transaction
type AssignRequest struct {
	UserID int64
	NodeID int64
	// EnforceCapacity rejects the assignment with ErrNodeAtCapacity when
	// the node is full at commit time
	EnforceCapacity bool
}

// AssignResult is the outcome of an assignment transaction
type AssignResult struct {
	Assignment *Assignment
	// PreviousNodeIDs lists nodes whose active rows were superseded
	PreviousNodeIDs []int64
}
