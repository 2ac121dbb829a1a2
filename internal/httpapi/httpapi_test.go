package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/core/internal/audit"
	"github.com/agentmesh/core/internal/config"
	"github.com/agentmesh/core/internal/identity"
	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/policy"
	"github.com/agentmesh/core/internal/ratelimit"
	"github.com/agentmesh/core/internal/reward"
	"github.com/agentmesh/core/internal/services"
)

func newTestRouter(t *testing.T, strict bool) http.Handler {
	t.Helper()
	mc := meshctx.New(nil).WithClock(meshctx.NewFixedClock(time.Now())).WithRNG(rand.Reader)

	identities := identity.New(mc)
	scores := reward.New(mc, 0, 0, 0, 0)
	auditLog := audit.New(mc)
	policyEngine := policy.New(mc, 0)
	limiter := ratelimit.New(mc, 0, 0, 0, 0, 0)

	deps := Deps{
		Registry: services.NewAgentRegistry(identities, scores),
		Rewards:  services.NewRewardService(mc, scores),
		AuditLog: services.NewAuditService(mc, auditLog),
		Policy:   policyEngine,
		Limiter:  limiter,
	}

	cfg := &config.Config{
		DIDHeader:          "X-Agent-DID",
		PublicKeyHeader:    "X-Agent-Public-Key",
		CapabilitiesHeader: "X-Agent-Capabilities",
		SignatureHeader:    "X-Agent-Signature",
		ExemptPaths:        []string{"/health"},
		StrictHeaders:      strict,
	}

	return NewRouter(mc, cfg, deps)
}

func TestHealth_NoTrustHeaderRequired(t *testing.T) {
	router := newTestRouter(t, true)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_MissingDIDStrictModeReturns403(t *testing.T) {
	router := newTestRouter(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents?status=active", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["reason"])
}

func TestAPI_RegisterAgentWithTrustHeader(t *testing.T) {
	router := newTestRouter(t, true)
	payload := strings.NewReader(`{"name":"alice","sponsor_email":"sponsor@example.com","organization":"acme","capabilities":["read"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", payload)
	req.Header.Set("X-Agent-DID", "did:mesh:0123456789abcdef0123456789abcdef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAPI_RateLimitHeadersAreSet(t *testing.T) {
	router := newTestRouter(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/stats", nil)
	req.Header.Set("X-Agent-DID", "did:mesh:0123456789abcdef0123456789abcdef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
}

func TestAPI_EvaluatePolicyDefaultsToAllow(t *testing.T) {
	router := newTestRouter(t, true)
	payload := strings.NewReader(`{"agent_did":"did:mesh:0123456789abcdef0123456789abcdef","context":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/policy/evaluate", payload)
	req.Header.Set("X-Agent-DID", "did:mesh:0123456789abcdef0123456789abcdef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var decision map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, true, decision["allowed"])
}

func TestAPI_RevocationCheckUnknownAgentReturns404(t *testing.T) {
	router := newTestRouter(t, true)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/did:mesh:0123456789abcdef0123456789abcdef/revocation-check", nil)
	req.Header.Set("X-Agent-DID", "did:mesh:0123456789abcdef0123456789abcdef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_NonStrictModeAllowsMissingDID(t *testing.T) {
	router := newTestRouter(t, false)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents?status=active", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
