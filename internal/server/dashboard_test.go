// HTTP-level tests for the dashboard surface.
//
// Test Coverage:
// - Bearer middleware: 401 without the shared token
// - Deploy: manifest validation errors -> 400, provider create called -> 201
// - Get agent: secrets redacted, 404 for unknown ids
// - Action log pagination endpoint
// - Command relays: 200 when online, 503 with agentOnline:false when not
// - Approvals: pending list, respond, 404 on unknown/resolved ids
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltagent/moltagent/internal/approval"
	"github.com/moltagent/moltagent/internal/fleet"
	"github.com/moltagent/moltagent/internal/protocol"
	"github.com/moltagent/moltagent/internal/provider"
	"github.com/moltagent/moltagent/internal/provisioner"
)

// stubBackend satisfies provider.Provider for HTTP tests.
type stubBackend struct {
	created   int
	destroyed int
	failNext  bool
}

func (s *stubBackend) Name() string { return "docker-local" }
func (s *stubBackend) Create(ctx context.Context, req provider.CreateRequest) (*provider.VpsInstance, error) {
	if s.failNext {
		return nil, fmt.Errorf("daemon unavailable")
	}
	s.created++
	return &provider.VpsInstance{
		ID:         "container-1",
		Provider:   s.Name(),
		Status:     provider.StatusCreating,
		PublicIPv4: "127.0.0.1",
		CreatedAt:  time.Now().UTC(),
		AgentID:    req.Manifest.Identity.ID,
	}, nil
}
func (s *stubBackend) Destroy(ctx context.Context, id string) error {
	s.destroyed++
	return nil
}
func (s *stubBackend) Status(ctx context.Context, id string) (*provider.VpsInstance, error) {
	return nil, nil
}
func (s *stubBackend) List(ctx context.Context) ([]*provider.VpsInstance, error) { return nil, nil }

type dashEnv struct {
	fleet     *fleet.Manager
	approvals *approval.Manager
	server    *Server
	backend   *stubBackend
	http      *httptest.Server
}

func newDashEnv(t *testing.T) *dashEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fleetMgr, err := fleet.NewManager(filepath.Join(t.TempDir(), "fleet.json"))
	require.NoError(t, err)
	approvals := approval.NewManager()
	srv := NewServer(fleetMgr, approvals, testToken)
	approvals.SetOnResolved(func(entry *approval.PendingApproval) {
		srv.SendApprovalResponse(entry.AgentID, entry.ID, entry.State == approval.StateApproved, entry.Reason)
	})

	backend := &stubBackend{}
	registry := provider.NewRegistry()
	registry.Register(backend)
	prov := provisioner.New(registry, backend.Name())

	router := gin.New()
	NewDashboard(srv, fleetMgr, approvals, prov).RegisterRoutes(router, testToken)
	ts := httptest.NewServer(router)

	env := &dashEnv{fleet: fleetMgr, approvals: approvals, server: srv, backend: backend, http: ts}
	t.Cleanup(func() {
		ts.Close()
		approvals.Close()
		fleetMgr.Close()
	})
	return env
}

func (e *dashEnv) request(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	}
	req, err := http.NewRequest(method, e.http.URL+"/moltagent"+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func minimalManifestBody(id string) map[string]any {
	return map[string]any{
		"identity": map[string]any{"id": id, "name": "a1"},
		"controlPlane": map[string]any{
			"url":   "ws://localhost:18790",
			"token": "worker-secret",
		},
		"resources":         map[string]any{"provider": "docker-local"},
		"financialControls": map[string]any{"maxPerDay": 10},
		"channels": []map[string]any{
			{"type": "slack", "enabled": true, "credentials": map[string]string{"botToken": "xoxb-123"}},
		},
	}
}

func TestAuth_Required(t *testing.T) {
	env := newDashEnv(t)

	resp, err := http.Get(env.http.URL + "/moltagent/dashboard/agents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_QueryTokenNotAcceptedOnHTTPSurface(t *testing.T) {
	env := newDashEnv(t)

	// The query-parameter form belongs to the WS transport only; the
	// management surface takes the header and nothing else.
	resp, err := http.Get(env.http.URL + "/moltagent/dashboard/agents?token=" + testToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeployAgent_HappyPath(t *testing.T) {
	env := newDashEnv(t)
	agentID := "7c9e6679-7425-40de-944b-e07fc1f90ae7"

	resp, body := env.request(t, http.MethodPost, "/dashboard/agents", minimalManifestBody(agentID))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, 1, env.backend.created, "provider create called")

	var out struct {
		AgentID  string                `json:"agentId"`
		Instance *provider.VpsInstance `json:"instance"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, agentID, out.AgentID)
	require.NotNil(t, out.Instance)

	rec := env.fleet.GetAgent(agentID)
	require.NotNil(t, rec)
	assert.False(t, rec.DeployedAt.IsZero())
	assert.Equal(t, fleet.ConnectionUnknown, rec.Connection)
}

func TestDeployAgent_ValidationFailure(t *testing.T) {
	env := newDashEnv(t)

	body := minimalManifestBody("not-a-uuid")
	resp, data := env.request(t, http.MethodPost, "/dashboard/agents", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(data), "identity.id")
	assert.Equal(t, 0, env.backend.created)
}

func TestDeployAgent_ProviderFailure(t *testing.T) {
	env := newDashEnv(t)
	env.backend.failNext = true

	resp, _ := env.request(t, http.MethodPost, "/dashboard/agents", minimalManifestBody("7c9e6679-7425-40de-944b-e07fc1f90ae7"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetAgent_RedactsSecrets(t *testing.T) {
	env := newDashEnv(t)
	agentID := "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	env.request(t, http.MethodPost, "/dashboard/agents", minimalManifestBody(agentID))

	resp, body := env.request(t, http.MethodGet, "/dashboard/agents/"+agentID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NotContains(t, string(body), "worker-secret")
	assert.NotContains(t, string(body), "xoxb-123")

	var rec fleet.AgentRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "***", rec.Manifest.ControlPlane.Token)
	assert.Equal(t, "***", rec.Manifest.Channels[0].Credentials["botToken"])

	// Redaction does not leak into the stored record.
	assert.Equal(t, "worker-secret", env.fleet.GetAgent(agentID).Manifest.ControlPlane.Token)
}

func TestGetAgent_NotFound(t *testing.T) {
	env := newDashEnv(t)
	resp, _ := env.request(t, http.MethodGet, "/dashboard/agents/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDestroyAgent(t *testing.T) {
	env := newDashEnv(t)
	agentID := "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	env.request(t, http.MethodPost, "/dashboard/agents", minimalManifestBody(agentID))

	resp, _ := env.request(t, http.MethodDelete, "/dashboard/agents/"+agentID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, env.backend.destroyed)
	assert.Nil(t, env.fleet.GetAgent(agentID))
}

func TestAgentActions_Pagination(t *testing.T) {
	env := newDashEnv(t)
	agentID := "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	env.request(t, http.MethodPost, "/dashboard/agents", minimalManifestBody(agentID))

	for i := 0; i < 7; i++ {
		env.fleet.RecordAction(agentID, protocol.ActionLogEntry{
			ID: fmt.Sprintf("a-%d", i), Timestamp: time.Now().UTC().Format(time.RFC3339),
			Category: protocol.ActionOther, Summary: fmt.Sprintf("act-%d", i),
		})
	}

	resp, body := env.request(t, http.MethodGet, "/dashboard/agents/"+agentID+"/actions?limit=3&offset=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Actions []protocol.ActionLogEntry `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Actions, 3)
	assert.Equal(t, "act-4", out.Actions[0].Summary)
}

func TestRelay_OfflineReturns503(t *testing.T) {
	env := newDashEnv(t)
	agentID := "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	env.request(t, http.MethodPost, "/dashboard/agents", minimalManifestBody(agentID))

	resp, body := env.request(t, http.MethodPost, "/dashboard/agents/"+agentID+"/message",
		map[string]any{"content": "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), `"agentOnline":false`)

	resp, _ = env.request(t, http.MethodPost, "/dashboard/agents/"+agentID+"/restart", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUpdateGoals_RejectsOutOfBoundsPriority(t *testing.T) {
	env := newDashEnv(t)
	agentID := "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	env.request(t, http.MethodPost, "/dashboard/agents", minimalManifestBody(agentID))

	// Goals are validated before any relay is attempted, so a bad body is
	// 400 even with the worker offline.
	resp, body := env.request(t, http.MethodPost, "/dashboard/agents/"+agentID+"/goals",
		map[string]any{"goals": []map[string]any{{"description": "ship", "priority": 9}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "priority")

	resp, body = env.request(t, http.MethodPost, "/dashboard/agents/"+agentID+"/goals",
		map[string]any{"goals": []map[string]any{{"priority": 2}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "description")
}

func TestRelay_OnlineDeliversCommand(t *testing.T) {
	env := newDashEnv(t)
	agentID := "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	env.request(t, http.MethodPost, "/dashboard/agents", minimalManifestBody(agentID))

	// Connect a worker through the same router.
	u := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/moltagent/connect?agentId=" + agentID
	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Authorization": []string{"Bearer " + testToken}})
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return env.server.Hub().IsConnected(agentID)
	}, time.Second, 5*time.Millisecond)

	resp, _ := env.request(t, http.MethodPost, "/dashboard/agents/"+agentID+"/goals",
		map[string]any{"goals": []map[string]any{{"description": "ship", "priority": 1}}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg protocol.UpdateGoalsMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, protocol.TypeUpdateGoals, msg.Type)
	require.Len(t, msg.Goals, 1)
	assert.Equal(t, "ship", msg.Goals[0].Description)
}

func TestApprovalEndpoints(t *testing.T) {
	env := newDashEnv(t)
	agentID := "7c9e6679-7425-40de-944b-e07fc1f90ae7"

	amount := 12.50
	env.approvals.AddRequest(agentID, protocol.ApprovalRequest{
		ID: "R1", Category: protocol.ApprovalSpend, Description: "purchase", Amount: &amount,
		ExpiresAt: time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
	})

	resp, body := env.request(t, http.MethodGet, "/dashboard/approvals?agentId="+agentID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "R1")

	resp, body = env.request(t, http.MethodPost, "/dashboard/approvals/R1/respond",
		map[string]any{"approved": true, "respondedBy": "op"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), string(approval.StateApproved))

	// Already resolved -> 404.
	resp, _ = env.request(t, http.MethodPost, "/dashboard/approvals/R1/respond",
		map[string]any{"approved": false})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Missing approved field -> 400.
	resp, _ = env.request(t, http.MethodPost, "/dashboard/approvals/R1/respond",
		map[string]any{"reason": "??"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.request(t, http.MethodGet, "/dashboard/approvals/history?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "R1")
}

func TestOverviewAndHealth(t *testing.T) {
	env := newDashEnv(t)

	resp, body := env.request(t, http.MethodGet, "/dashboard/overview", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fleet")
	assert.Contains(t, string(body), "approvals")
	assert.Contains(t, string(body), "onlineAgents")

	resp, _ = env.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
