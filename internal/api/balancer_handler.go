package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
	"github.com/kirychukyurii/vpn-node-balancer/internal/service"
)

// GetNodeLoad handles GET /api/balancer/load
func (h *Handler) GetNodeLoad(w http.ResponseWriter, r *http.Request) {
	loads, err := h.balancer.GetNodeLoadStats(r.Context())
	if err != nil {
		h.respondServiceError(w, err, "failed to get node load")
		return
	}

	h.respondJSON(w, http.StatusOK, loads)
}

// SelectNode handles GET /api/balancer/select?country=NL&exclude=1,2
func (h *Handler) SelectNode(w http.ResponseWriter, r *http.Request) {
	opts := service.SelectOptions{CountryCode: r.URL.Query().Get("country")}

	if raw := r.URL.Query().Get("exclude"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				h.respondError(w, http.StatusBadRequest, "exclude must be a comma separated list of node ids")
				return
			}
			opts.ExcludeNodeIDs = append(opts.ExcludeNodeIDs, id)
		}
	}

	node, err := h.balancer.SelectOptimalNode(r.Context(), opts)
	if err != nil {
		h.respondServiceError(w, err, "failed to select node")
		return
	}

	h.respondJSON(w, http.StatusOK, node)
}

// Rebalance handles POST /api/balancer/rebalance
func (h *Handler) Rebalance(w http.ResponseWriter, r *http.Request) {
	result := h.balancer.RebalanceUsers(r.Context())
	if result.Reason == model.RebalanceReasonError {
		h.respondJSON(w, http.StatusInternalServerError, result)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// reconcileResponse reports a counter reconciliation
type reconcileResponse struct {
	CorrectedNodes int `json:"corrected_nodes"`
}

// Reconcile handles POST /api/balancer/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	corrected, err := h.balancer.ReconcileCounters(r.Context())
	if err != nil {
		h.respondServiceError(w, err, "failed to reconcile counters")
		return
	}

	h.respondJSON(w, http.StatusOK, reconcileResponse{CorrectedNodes: corrected})
}

// ListCountries handles GET /api/countries
func (h *Handler) ListCountries(w http.ResponseWriter, r *http.Request) {
	countries, err := h.balancer.GetCountryAvailability(r.Context())
	if err != nil {
		h.respondServiceError(w, err, "failed to list countries")
		return
	}

	h.respondJSON(w, http.StatusOK, countries)
}
