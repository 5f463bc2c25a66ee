package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puffpass/paycore/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:         "8080",
		Env:          "development",
		LogLevel:     "error",
		JWTSecret:    "test-secret",
		RateLimitRPM: 1000,
		AdminSecret:  "admin-secret",
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := New(cfg)
	require.NoError(t, err)
	return srv
}

func do(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestNewRequiresJWTSecret(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = ""
	_, err := New(cfg)
	require.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := do(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(srv, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started the server.
	w = do(srv, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := do(srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "paycore_")
}

func TestPaymentCheckFlow(t *testing.T) {
	srv := newTestServer(t, testConfig())

	body := `{"amount": 250, "currency": "usd",
		"from": "0x1111111111111111111111111111111111111111",
		"to": "0x2222222222222222222222222222222222222222"}`
	w := do(srv, http.MethodPost, "/api/v1/payments/check", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"approved":true`)
}

func TestAuthTokenRoundTrip(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := do(srv, http.MethodPost, "/api/v1/auth/token",
		`{"subject": "merchant-42", "claims": {"role": "merchant"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var issued struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expiresIn"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	require.NotEmpty(t, issued.Token)
	assert.Equal(t, int((7 * 24 * 3600)), issued.ExpiresIn)

	w = do(srv, http.MethodGet, "/api/v1/auth/verify", "",
		map[string]string{"Authorization": "Bearer " + issued.Token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"secretUsed":"current"`)
	assert.Contains(t, w.Body.String(), "merchant-42")

	// Protected route sees the claims.
	w = do(srv, http.MethodGet, "/api/v1/auth/me", "",
		map[string]string{"Authorization": "Bearer " + issued.Token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "merchant-42")
}

func TestAuthVerifyAfterRotation(t *testing.T) {
	// Token issued under the old secret, server configured with the old
	// secret in the previous slot.
	oldCfg := testConfig()
	oldCfg.JWTSecret = "old-secret"
	oldSrv := newTestServer(t, oldCfg)

	w := do(oldSrv, http.MethodPost, "/api/v1/auth/token", `{"subject": "merchant-42"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var issued struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))

	cfg := testConfig()
	cfg.JWTSecret = "new-secret"
	cfg.JWTSecretPrevious = "old-secret"
	srv := newTestServer(t, cfg)

	w = do(srv, http.MethodGet, "/api/v1/auth/verify", "",
		map[string]string{"Authorization": "Bearer " + issued.Token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"secretUsed":"previous"`)
	assert.Contains(t, w.Body.String(), `"shouldRefresh":true`)
	assert.Equal(t, "true", w.Header().Get("X-Token-Refresh"))
}

func TestAuthVerifyRejectsGarbage(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := do(srv, http.MethodGet, "/api/v1/auth/verify", "",
		map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(srv, http.MethodGet, "/api/v1/auth/verify", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRotationAdvisory(t *testing.T) {
	srv := newTestServer(t, testConfig())

	w := do(srv, http.MethodGet, "/api/v1/auth/rotation", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"shouldRotate":false`)
}

func TestAdminGuard(t *testing.T) {
	srv := newTestServer(t, testConfig())

	// No secret header.
	w := do(srv, http.MethodGet, "/api/v1/admin/keys/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong secret.
	w = do(srv, http.MethodGet, "/api/v1/admin/keys/status", "",
		map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Correct secret: empty keyring reports rotation needed.
	w = do(srv, http.MethodGet, "/api/v1/admin/keys/status", "",
		map[string]string{"X-Admin-Secret": "admin-secret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"shouldRotate":true`)
	assert.Contains(t, w.Body.String(), "No active keys found")
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = ""
	srv := newTestServer(t, cfg)

	w := do(srv, http.MethodGet, "/api/v1/admin/keys/status", "",
		map[string]string{"X-Admin-Secret": "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminKeyRotationFlow(t *testing.T) {
	srv := newTestServer(t, testConfig())
	adminHdr := map[string]string{"X-Admin-Secret": "admin-secret"}

	w := do(srv, http.MethodPost, "/api/v1/admin/keys/rotate",
		`{"operator": "ops@puffpass", "reason": "initial key"}`, adminHdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rotated":true`)
	// The secret must never appear in a response.
	assert.NotContains(t, w.Body.String(), "secret")

	w = do(srv, http.MethodGet, "/api/v1/admin/keys/status", "", adminHdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"shouldRotate":false`)

	w = do(srv, http.MethodGet, "/api/v1/admin/keys/audit", "", adminHdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ops@puffpass")
}

func TestAdminBlocklistFlow(t *testing.T) {
	srv := newTestServer(t, testConfig())
	adminHdr := map[string]string{"X-Admin-Secret": "admin-secret"}
	addr := "0x3333333333333333333333333333333333333333"

	w := do(srv, http.MethodPost, "/api/v1/admin/risk/blocks",
		`{"address": "`+addr+`", "reason": "chargeback fraud"}`, adminHdr)
	require.Equal(t, http.StatusOK, w.Code)

	// A blocked sender is rejected on submission.
	body := `{"amount": 10, "from": "` + addr + `",
		"to": "0x2222222222222222222222222222222222222222"}`
	w = do(srv, http.MethodPost, "/api/v1/payments/check", body, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(srv, http.MethodGet, "/api/v1/admin/risk/addresses/"+addr, "", adminHdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"blocked":true`)
}
