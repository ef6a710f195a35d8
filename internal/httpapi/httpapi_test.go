package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/osxfleet/internal/access"
	"github.com/kcenon/osxfleet/internal/audit"
	"github.com/kcenon/osxfleet/internal/compliance"
	"github.com/kcenon/osxfleet/internal/distribution"
	"github.com/kcenon/osxfleet/internal/events"
	"github.com/kcenon/osxfleet/internal/heartbeat"
	"github.com/kcenon/osxfleet/internal/jwtauth"
	"github.com/kcenon/osxfleet/internal/policystore"
	"github.com/kcenon/osxfleet/internal/rbac"
	"github.com/kcenon/osxfleet/internal/registration"
	"github.com/kcenon/osxfleet/internal/registry"
	"github.com/kcenon/osxfleet/internal/storage"
	"github.com/kcenon/osxfleet/internal/userstore"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(agentID string, policy distribution.Policy, version int) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewInMemoryBus(16)
	reg := registry.NewRegistry(registry.Config{MaxAgents: 100, AllowReregistration: true, TokenTTL: time.Hour})

	regSvc, err := registration.NewService(registration.Config{
		Policy:            registration.PolicyAutoApprove,
		HeartbeatInterval: 30 * time.Second,
		ServerVersion:     "1.0.0-test",
	}, reg, bus)
	require.NoError(t, err)

	hbMonitor := heartbeat.NewMonitor(heartbeat.Config{
		ExpectedInterval: 30 * time.Second,
		MissedThreshold:  3,
		CheckInterval:    time.Minute,
	}, reg, bus)

	dist := distribution.NewDistributor(distribution.DefaultConfig(), reg, bus, noopDispatcher{})
	auditLog := audit.NewLog(100)
	reporter := compliance.NewReporter(compliance.DefaultConfig(), reg, dist, auditLog)

	jwtCfg := jwtauth.DefaultConfig("test-secret", "osxfleet-test")
	jwtProvider := jwtauth.NewProvider(jwtCfg, storage.NewLRURevocationStore(1000))

	users := userstore.NewStore()
	_, err = users.Seed("admin", "admin@example.com", "adminpass123", rbac.RoleAdmin)
	require.NoError(t, err)
	_, err = users.Seed("viewer", "viewer@example.com", "viewerpass123", rbac.RoleViewer)
	require.NoError(t, err)

	accessCtrl := access.NewController(access.Config{DefaultPolicy: access.DefaultDeny, AuditMode: access.AuditAll, MaxAuditEntries: 100}, jwtProvider)
	for _, p := range access.DefaultPolicies() {
		accessCtrl.RegisterPolicy(p)
	}

	srv := &Server{
		Access:        accessCtrl,
		JWT:           jwtProvider,
		Users:         users,
		Registry:      reg,
		Registration:  regSvc,
		Heartbeat:     hbMonitor,
		Distributor:   dist,
		Policies:      policystore.NewStore(),
		Compliance:    reporter,
		AuditLog:      auditLog,
		ServerVersion: "1.0.0-test",
	}
	return srv, NewRouter(srv)
}

func doRequest(r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func loginAs(t *testing.T, r *gin.Engine, username, password string) string {
	t.Helper()
	w := doRequest(r, http.MethodPost, "/api/v1/auth/login", "", loginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Success bool `json:"success"`
		Data    struct {
			AccessToken string `json:"accessToken"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.NotEmpty(t, body.Data.AccessToken)
	return body.Data.AccessToken
}

func TestHealthRequiresNoAuth(t *testing.T) {
	_, r := newTestServer(t)
	w := doRequest(r, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	_, r := newTestServer(t)
	w := doRequest(r, http.MethodPost, "/api/v1/auth/login", "", loginRequest{Username: "admin", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAgentsRequiresAuthentication(t *testing.T) {
	_, r := newTestServer(t)
	w := doRequest(r, http.MethodGet, "/api/v1/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterAndFetchAgentFlow(t *testing.T) {
	_, r := newTestServer(t)
	token := loginAs(t, r, "admin", "adminpass123")

	w := doRequest(r, http.MethodPost, "/api/v1/agents/register", token, registerAgentRequest{
		Identity: registry.AgentIdentity{ID: "agent-1", Hostname: "mac-1"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodGet, "/api/v1/agents/agent-1", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestViewerCannotRegisterAgent(t *testing.T) {
	_, r := newTestServer(t)
	token := loginAs(t, r, "viewer", "viewerpass123")

	w := doRequest(r, http.MethodPost, "/api/v1/agents/register", token, registerAgentRequest{
		Identity: registry.AgentIdentity{ID: "agent-2", Hostname: "mac-2"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPolicyCreateAndDeployFlow(t *testing.T) {
	_, r := newTestServer(t)
	token := loginAs(t, r, "admin", "adminpass123")

	doRequest(r, http.MethodPost, "/api/v1/agents/register", token, registerAgentRequest{
		Identity: registry.AgentIdentity{ID: "agent-3", Hostname: "mac-3"},
	})

	w := doRequest(r, http.MethodPost, "/api/v1/policies", token, createPolicyRequest{
		Name:    "cleanup-weekly",
		Payload: json.RawMessage(`{"retentionDays":7}`),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Data policystore.Definition `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doRequest(r, http.MethodPost, "/api/v1/policies/"+created.Data.ID+"/deploy", token, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestConfigRoutesAdminOnly(t *testing.T) {
	_, r := newTestServer(t)
	viewerToken := loginAs(t, r, "viewer", "viewerpass123")
	w := doRequest(r, http.MethodGet, "/api/v1/config", viewerToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	adminToken := loginAs(t, r, "admin", "adminpass123")
	w = doRequest(r, http.MethodGet, "/api/v1/config", adminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFleetOverviewReport(t *testing.T) {
	_, r := newTestServer(t)
	token := loginAs(t, r, "admin", "adminpass123")
	w := doRequest(r, http.MethodGet, "/api/v1/reports/overview", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
