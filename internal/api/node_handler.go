package api

import (
	"log/slog"
	"net/http"

	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
)

// ListNodes handles GET /api/nodes
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := q.Get("status")
	if status != "" && status != model.NodeStatusActive && status != model.NodeStatusInactive {
		h.respondError(w, http.StatusBadRequest, "status must be active or inactive")
		return
	}

	includeAssignments, err := queryBool(r, "include_assignments")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := model.NodeFilter{
		Status:       status,
		HealthStatus: q.Get("health_status"),
	}

	nodes, err := h.nodes.GetNodes(r.Context(), filter, includeAssignments)
	if err != nil {
		h.respondServiceError(w, err, "failed to list nodes")
		return
	}

	h.respondJSON(w, http.StatusOK, nodes)
}

// CreateNode handles POST /api/nodes
func (h *Handler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var cfg model.NodeConfig
	if err := h.decodeJSON(w, r, &cfg); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.nodes.CreateNode(r.Context(), cfg)
	if err != nil {
		h.respondServiceError(w, err, "failed to create node")
		return
	}

	h.respondJSON(w, http.StatusCreated, node)
}

// GetNode handles GET /api/nodes/{id}
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.nodes.GetNodeByID(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "failed to get node")
		return
	}

	h.respondJSON(w, http.StatusOK, node)
}

// UpdateNode handles PATCH /api/nodes/{id}
func (h *Handler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var update model.NodeUpdate
	if err := h.decodeJSON(w, r, &update); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.nodes.UpdateNode(r.Context(), id, update)
	if err != nil {
		h.respondServiceError(w, err, "failed to update node")
		return
	}

	h.respondJSON(w, http.StatusOK, node)
}

// DeleteNode handles DELETE /api/nodes/{id}?migrate_users=true
func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	migrateUsers, err := queryBool(r, "migrate_users")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.nodes.DeleteNode(r.Context(), id, migrateUsers); err != nil {
		h.respondServiceError(w, err, "failed to delete node")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TestNode handles POST /api/nodes/{id}/test
func (h *Handler) TestNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.nodes.TestNodeConnection(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "failed to test node connection")
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// CheckNode handles POST /api/nodes/{id}/check
func (h *Handler) CheckNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.health.CheckNodeByID(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "failed to check node health")
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// GetNodeStats handles GET /api/nodes/{id}/stats
func (h *Handler) GetNodeStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := h.health.GetNodeStats(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "failed to get node stats")
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

// ActivateNode handles POST /api/nodes/{id}/activate
func (h *Handler) ActivateNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.nodes.ActivateNode(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "failed to activate node")
		return
	}

	h.respondJSON(w, http.StatusOK, node)
}

// DeactivateNode handles POST /api/nodes/{id}/deactivate
func (h *Handler) DeactivateNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	node, err := h.nodes.DeactivateNode(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "failed to deactivate node")
		return
	}

	h.respondJSON(w, http.StatusOK, node)
}

// EvacuateNode handles POST /api/nodes/{id}/evacuate
func (h *Handler) EvacuateNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.balancer.EvacuateNode(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "failed to evacuate node")
		return
	}

	if !result.Complete() {
		h.logger.Warn("node evacuation incomplete",
			slog.Int64("node_id", id),
			slog.Int("failed_users", len(result.FailedUsers)),
		)
	}

	h.respondJSON(w, http.StatusOK, result)
}
