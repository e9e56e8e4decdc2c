package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirychukyurii/vpn-node-balancer/internal/config"
	"github.com/kirychukyurii/vpn-node-balancer/internal/healthcheck"
	"github.com/kirychukyurii/vpn-node-balancer/internal/logger"
	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
	"github.com/kirychukyurii/vpn-node-balancer/internal/panel"
	"github.com/kirychukyurii/vpn-node-balancer/internal/pool"
	"github.com/kirychukyurii/vpn-node-balancer/internal/repository"
	"github.com/kirychukyurii/vpn-node-balancer/internal/service"
)

// stubPanel accepts the "secret" password and reports one enabled inbound
type stubPanel struct {
	password string
}

func (s *stubPanel) Login(context.Context) error {
	if s.password != "secret" {
		return panel.ErrAuthFailed
	}
	return nil
}

func (s *stubPanel) ListInbounds(context.Context) ([]panel.Inbound, error) {
	return []panel.Inbound{{ID: 1, Enable: true}}, nil
}

func (s *stubPanel) ServerStatus(context.Context) (*panel.ServerStatus, error) {
	return &panel.ServerStatus{}, nil
}

func stubFactory(n model.Node) (panel.API, error) {
	return &stubPanel{password: n.PanelPassword}, nil
}

type testServer struct {
	router http.Handler
	store  *repository.MemoryStore
}

func newTestServer(t *testing.T, basePath string) *testServer {
	t.Helper()
	log := logger.Discard()
	store := repository.NewMemoryStore()

	clients := pool.New(store, stubFactory, time.Minute, log)
	checker := healthcheck.NewChecker(&config.HealthCheckConfig{
		ProbeTimeout:    time.Second,
		Concurrency:     2,
		FailedThreshold: 3,
	}, store, stubFactory, clients, nil, log)
	balancer := service.NewLoadBalancer(store, config.BalancerConfig{RebalanceThreshold: 20, RebalanceBatch: 10}, log)
	nodes := service.NewNodeManager(store, stubFactory, clients, checker, balancer, log)

	h := NewHandler(Services{
		Nodes:       nodes,
		Balancer:    balancer,
		Health:      checker,
		Connections: clients,
	}, basePath, log)

	return &testServer{router: h.Router(), store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) addNode(t *testing.T, name string, current, maximum int) *model.Node {
	t.Helper()
	n := &model.Node{
		Name:          name,
		PanelURL:      "https://" + name + ".example.com",
		PanelUsername: "admin",
		PanelPassword: "secret",
		Status:        model.NodeStatusActive,
		HealthStatus:  model.HealthStatusHealthy,
		CurrentUsers:  current,
		MaxUsers:      maximum,
		Priority:      model.DefaultPriority,
		Weight:        model.DefaultWeight,
	}
	require.NoError(t, s.store.CreateNode(context.Background(), n))
	return n
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestBasePath(t *testing.T) {
	s := newTestServer(t, "/balancer")

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/balancer/api/nodes", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/nodes", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	s.do(t, http.MethodGet, "/api/nodes", nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vpn_balancer_http_requests_total")
}

func TestCreateAndGetNode(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/nodes", model.NodeConfig{
		Name:          "nl-1",
		PanelURL:      "https://nl-1.example.com/",
		PanelUsername: "admin",
		PanelPassword: "secret",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[model.Node](t, rec)
	assert.Equal(t, "https://nl-1.example.com", created.PanelURL)
	assert.NotContains(t, rec.Body.String(), "secret")

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/nodes/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[model.Node](t, rec).ID)
}

func TestCreateNodeErrors(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/nodes", model.NodeConfig{Name: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/nodes", model.NodeConfig{
		Name:          "nl-1",
		PanelURL:      "https://nl-1.example.com",
		PanelUsername: "admin",
		PanelPassword: "wrong",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Error, "node connectivity test failed")

	req := httptest.NewRequest(http.MethodPost, "/api/nodes", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestGetNodeErrors(t *testing.T) {
	s := newTestServer(t, "")

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/nodes/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/nodes/404", nil).Code)
}

func TestListNodesFilter(t *testing.T) {
	s := newTestServer(t, "")
	s.addNode(t, "a", 0, 10)
	b := s.addNode(t, "b", 0, 10)
	s.do(t, http.MethodPost, fmt.Sprintf("/api/nodes/%d/deactivate", b.ID), nil)

	rec := s.do(t, http.MethodGet, "/api/nodes?status=active&include_assignments=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	nodes := decode[[]model.NodeWithAssignments](t, rec)
	require.Len(t, nodes, 1)
	assert.Equal(t, "a", nodes[0].Name)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/nodes?status=broken", nil).Code)
}

func TestAssignAndMigrateUser(t *testing.T) {
	s := newTestServer(t, "")
	a := s.addNode(t, "a", 0, 10)
	b := s.addNode(t, "b", 5, 10)
	s.store.AddUser(1)

	rec := s.do(t, http.MethodPost, "/api/users/1/assign", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, a.ID, decode[model.Assignment](t, rec).NodeID)

	rec = s.do(t, http.MethodPost, "/api/users/1/migrate", map[string]int64{"node_id": b.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, b.ID, decode[model.Node](t, rec).ID)

	rec = s.do(t, http.MethodGet, "/api/users/1/node", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6, decode[model.Node](t, rec).CurrentUsers)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/users/1/migrate", map[string]int64{}).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/users/2/assign", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/users/2/node", nil).Code)

	// a user without a node is placed on the target
	s.store.AddUser(3)
	rec = s.do(t, http.MethodPost, "/api/users/3/migrate", map[string]int64{"node_id": a.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, a.ID, decode[model.Node](t, rec).ID)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/users/4/migrate", map[string]int64{"node_id": a.ID}).Code)
}

func TestAssignWithoutCapacity(t *testing.T) {
	s := newTestServer(t, "")
	s.addNode(t, "full", 10, 10)
	s.store.AddUser(1)

	rec := s.do(t, http.MethodPost, "/api/users/1/assign", map[string]any{})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no VPN node available", decode[errorResponse](t, rec).Error)
}

func TestSelectNode(t *testing.T) {
	s := newTestServer(t, "")
	a := s.addNode(t, "a", 0, 10)
	b := s.addNode(t, "b", 3, 10)

	rec := s.do(t, http.MethodGet, "/api/balancer/select", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, a.ID, decode[model.Node](t, rec).ID)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/balancer/select?exclude=%d", a.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, b.ID, decode[model.Node](t, rec).ID)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/balancer/select?exclude=x", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/balancer/select?country=ZZ", nil).Code)
}

func TestDeleteNodeWithUsers(t *testing.T) {
	s := newTestServer(t, "")
	a := s.addNode(t, "a", 0, 10)
	s.addNode(t, "b", 0, 10)
	s.store.AddUser(1)
	_, err := s.store.AssignUser(context.Background(), model.AssignRequest{UserID: 1, NodeID: a.ID})
	require.NoError(t, err)

	path := fmt.Sprintf("/api/nodes/%d", a.ID)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, path+"?migrate_users=true", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, nil).Code)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, "")
	n := s.addNode(t, "a", 2, 10)

	rec := s.do(t, http.MethodPost, "/api/health/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[model.HealthCheckReport](t, rec)
	assert.Equal(t, 1, report.TotalNodes)
	assert.Equal(t, 1, report.HealthyNodes)

	rec = s.do(t, http.MethodGet, "/api/health/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 20.0, decode[model.HealthReport](t, rec).SystemLoadPercentage, 1e-9)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/nodes/%d/check", n.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[model.ProbeResult](t, rec).IsHealthy)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/nodes/%d/stats", n.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"load_stats"`)
	assert.Contains(t, rec.Body.String(), `"panel_stats"`)

	rec = s.do(t, http.MethodPost, "/api/health/connections", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"%d": true}`, n.ID), rec.Body.String())
}

func TestBalancerEndpoints(t *testing.T) {
	s := newTestServer(t, "")
	s.addNode(t, "a", 4, 10)

	rec := s.do(t, http.MethodGet, "/api/balancer/load", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	loads := decode[[]model.NodeLoad](t, rec)
	require.Len(t, loads, 1)
	assert.InDelta(t, 40.0, loads[0].LoadPercentage, 1e-9)

	rec = s.do(t, http.MethodPost, "/api/balancer/rebalance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.RebalanceReasonNotEnoughNodes, decode[model.RebalanceResult](t, rec).Reason)

	rec = s.do(t, http.MethodPost, "/api/balancer/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"corrected_nodes":1}`, rec.Body.String())
}

func TestListCountries(t *testing.T) {
	s := newTestServer(t, "")
	s.store.AddCountry(model.Country{ID: 1, Code: "NL", Name: "Netherlands", IsActive: true})

	rec := s.do(t, http.MethodGet, "/api/countries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	countries := decode[[]model.CountryAvailability](t, rec)
	require.Len(t, countries, 1)
	assert.False(t, countries[0].Available)
}
