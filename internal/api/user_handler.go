package api

import (
	"errors"
	"io"
	"net/http"
)

// assignRequest is the body of POST /api/users/{userID}/assign. A missing
// node id selects the best node.
type assignRequest struct {
	NodeID *int64 `json:"node_id" validate:"omitempty,gt=0"`
}

// migrateRequest is the body of POST /api/users/{userID}/migrate
type migrateRequest struct {
	NodeID int64 `json:"node_id" validate:"required,gt=0"`
}

// GetUserNode handles GET /api/users/{userID}/node
func (h *Handler) GetUserNode(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.balancer.GetUserNode(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err, "failed to get user node")
		return
	}

	h.respondJSON(w, http.StatusOK, node)
}

// AssignUser handles POST /api/users/{userID}/assign
func (h *Handler) AssignUser(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req assignRequest
	if err := h.decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	assignment, err := h.balancer.AssignUserToNode(r.Context(), userID, req.NodeID)
	if err != nil {
		h.respondServiceError(w, err, "failed to assign user")
		return
	}

	h.respondJSON(w, http.StatusOK, assignment)
}

// MigrateUser handles POST /api/users/{userID}/migrate
func (h *Handler) MigrateUser(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req migrateRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.balancer.MigrateUser(r.Context(), userID, req.NodeID); err != nil {
		h.respondServiceError(w, err, "failed to migrate user")
		return
	}

	node, err := h.balancer.GetUserNode(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err, "failed to get user node")
		return
	}

	h.respondJSON(w, http.StatusOK, node)
}
