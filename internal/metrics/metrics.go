package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
)

const namespace = "vpn_balancer"

var (
	nodeHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_healthy",
			Help:      "Whether the last probe of the node succeeded (1) or failed (0)",
		},
		[]string{"node_id", "node_name"},
	)

	nodeResponseTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_response_time_seconds",
			Help:      "Latency of the last probe of the node",
		},
		[]string{"node_id"},
	)

	nodeLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_load_percentage",
			Help:      "current_users / max_users * 100 per node",
		},
		[]string{"node_id", "node_name"},
	)

	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_probes_total",
			Help:      "Total number of node health probes",
		},
		[]string{"result"},
	)

	healthCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_cycles_total",
			Help:      "Total number of full health check cycles",
		},
		[]string{"result"},
	)

	selectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_selections_total",
			Help:      "Total number of node selections by outcome",
		},
		[]string{"result"},
	)

	assignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Total number of assignment transactions by kind and outcome",
		},
		[]string{"kind", "result"},
	)

	rebalanceMigrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_migrations_total",
			Help:      "Total number of users moved by rebalancing",
		},
	)

	poolRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_refreshes_total",
			Help:      "Total number of panel client refreshes",
		},
		[]string{"result"},
	)

	jobRuns = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of background job runs",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job", "result"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of admin API requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Selection outcomes
const (
	SelectionSelected    = "selected"
	SelectionFallback    = "country_fallback"
	SelectionUnavailable = "unavailable"
)

// Handler serves the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProbe records a probe outcome
func ObserveProbe(r model.ProbeResult) {
	id := strconv.FormatInt(r.NodeID, 10)
	nodeHealthy.WithLabelValues(id, r.NodeName).Set(boolToFloat(r.IsHealthy))
	nodeResponseTime.WithLabelValues(id).Set(float64(r.ResponseTimeMs) / 1000)
	probesTotal.WithLabelValues(r.HealthStatus()).Inc()
}

// ObserveHealthCycle records a full health check cycle
func ObserveHealthCycle(err error) {
	healthCycles.WithLabelValues(result(err)).Inc()
}

// SetNodeLoads replaces the per-node load gauges
func SetNodeLoads(loads []model.NodeLoad) {
	nodeLoad.Reset()
	for _, l := range loads {
		nodeLoad.WithLabelValues(strconv.FormatInt(l.ID, 10), l.Name).Set(l.LoadPercentage)
	}
}

// ForgetNode drops series of a deleted node
func ForgetNode(id int64, name string) {
	nodeID := strconv.FormatInt(id, 10)
	nodeHealthy.DeleteLabelValues(nodeID, name)
	nodeResponseTime.DeleteLabelValues(nodeID)
	nodeLoad.DeleteLabelValues(nodeID, name)
}

// ObserveSelection counts a selection outcome
func ObserveSelection(outcome string) {
	selectionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAssignment counts an assignment transaction
func ObserveAssignment(kind string, err error) {
	assignmentsTotal.WithLabelValues(kind, result(err)).Inc()
}

// AddRebalanceMigrations counts users moved by a rebalancing pass
func AddRebalanceMigrations(n int) {
	rebalanceMigrations.Add(float64(n))
}

// ObservePoolRefresh counts a client refresh
func ObservePoolRefresh(err error) {
	poolRefreshes.WithLabelValues(result(err)).Inc()
}

// ObserveJob records a background job run
func ObserveJob(job string, started time.Time, err error) {
	jobRuns.WithLabelValues(job, result(err)).Observe(time.Since(started).Seconds())
}

// ObserveHTTPRequest records an admin API request. path is the route pattern.
func ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
