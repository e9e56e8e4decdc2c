package api

import (
	"net/http"
)

// CheckAllNodes handles POST /api/health/check
func (h *Handler) CheckAllNodes(w http.ResponseWriter, r *http.Request) {
	report, err := h.health.CheckAllNodes(r.Context())
	if err != nil {
		h.respondServiceError(w, err, "failed to check nodes")
		return
	}

	h.respondJSON(w, http.StatusOK, report)
}

// GetHealthReport handles GET /api/health/report
func (h *Handler) GetHealthReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.health.GetHealthReport(r.Context())
	if err != nil {
		h.respondServiceError(w, err, "failed to build health report")
		return
	}

	h.respondJSON(w, http.StatusOK, report)
}

// CheckConnections handles POST /api/health/connections
func (h *Handler) CheckConnections(w http.ResponseWriter, r *http.Request) {
	status, err := h.connections.CheckAllConnections(r.Context())
	if err != nil {
		h.respondServiceError(w, err, "failed to check connections")
		return
	}

	h.respondJSON(w, http.StatusOK, status)
}
