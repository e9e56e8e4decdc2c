package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/kirychukyurii/vpn-node-balancer/internal/metrics"
	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
	"github.com/kirychukyurii/vpn-node-balancer/internal/service"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// HealthChecker defines the probe and report operations exposed over HTTP
type HealthChecker interface {
	CheckAllNodes(ctx context.Context) (*model.HealthCheckReport, error)
	CheckNodeByID(ctx context.Context, nodeID int64) (model.ProbeResult, error)
	GetHealthReport(ctx context.Context) (*model.HealthReport, error)
	GetNodeStats(ctx context.Context, nodeID int64) (*model.NodeStats, error)
}

// ConnectionChecker logs in to every node panel
type ConnectionChecker interface {
	CheckAllConnections(ctx context.Context) (map[int64]bool, error)
}

// Services groups the dependencies of the admin API
type Services struct {
	Nodes       service.NodeManager
	Balancer    service.LoadBalancer
	Health      HealthChecker
	Connections ConnectionChecker
}

// Handler holds the HTTP handlers and dependencies
type Handler struct {
	nodes       service.NodeManager
	balancer    service.LoadBalancer
	health      HealthChecker
	connections ConnectionChecker
	validate    *validator.Validate
	logger      *slog.Logger
	basePath    string
}

// NewHandler creates a new HTTP handler
func NewHandler(services Services, basePath string, logger *slog.Logger) *Handler {
	return &Handler{
		nodes:       services.Nodes,
		balancer:    services.Balancer,
		health:      services.Health,
		connections: services.Connections,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
		basePath:    basePath,
	}
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.Recoverer)

	routesHandler := h.createRoutes()

	// If base path is configured, mount routes on that path
	if h.basePath != "" {
		r.Mount(h.basePath, routesHandler)
	} else {
		r.Mount("/", routesHandler)
	}

	return r
}

// createRoutes creates the API routes
func (h *Handler) createRoutes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(metricsMiddleware)

		// Node routes
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", h.ListNodes)
			r.Post("/", h.CreateNode)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetNode)
				r.Patch("/", h.UpdateNode)
				r.Delete("/", h.DeleteNode)
				r.Post("/test", h.TestNode)
				r.Post("/check", h.CheckNode)
				r.Get("/stats", h.GetNodeStats)
				r.Post("/activate", h.ActivateNode)
				r.Post("/deactivate", h.DeactivateNode)
				r.Post("/evacuate", h.EvacuateNode)
			})
		})

		// Health routes
		r.Post("/health/check", h.CheckAllNodes)
		r.Get("/health/report", h.GetHealthReport)
		r.Post("/health/connections", h.CheckConnections)

		// Balancer routes
		r.Get("/balancer/load", h.GetNodeLoad)
		r.Get("/balancer/select", h.SelectNode)
		r.Post("/balancer/rebalance", h.Rebalance)
		r.Post("/balancer/reconcile", h.Reconcile)

		// User routes
		r.Get("/users/{userID}/node", h.GetUserNode)
		r.Post("/users/{userID}/assign", h.AssignUser)
		r.Post("/users/{userID}/migrate", h.MigrateUser)

		// Country routes
		r.Get("/countries", h.ListCountries)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// metricsMiddleware records request metrics labelled by route pattern
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(r.Method, path, status, time.Since(start))
	})
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse represents an error response
type errorResponse struct {
	Error string `json:"error"`
}

// respondJSON writes a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response",
			slog.String("error", err.Error()),
		)
	}
}

// respondError writes an error response
func (h *Handler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, errorResponse{Error: message})
}

// respondServiceError maps domain errors to status codes. Unexpected errors
// are logged and hidden behind the fallback message.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, model.ErrNodeNotFound),
		errors.Is(err, model.ErrUserNotFound),
		errors.Is(err, model.ErrAssignmentNotFound),
		errors.Is(err, model.ErrCountryNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidNodeConfig),
		errors.Is(err, model.ErrConnectivity):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNodeAtCapacity),
		errors.Is(err, model.ErrNodeHasActiveUsers):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrNoNodeAvailable):
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error(fallback,
			slog.String("error", err.Error()),
		)
		h.respondError(w, http.StatusInternalServerError, fallback)
	}
}

// decodeJSON reads a JSON body into dst
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// pathID parses a positive int64 URL parameter
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

// queryBool parses an optional boolean query parameter
func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}
