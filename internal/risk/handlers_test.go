package risk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puffpass/paycore/internal/ratelimit"
)

func setupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"), r.Group("/admin"))
	return r
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestCheckPaymentApproved(t *testing.T) {
	h := NewHandler(newTestEngine(), nil)
	r := setupRouter(h)

	w := postJSON(r, "/api/v1/payments/check",
		`{"amount": 50, "currency": "usd", "from": "`+senderAddr+`", "to": "`+recipientAddr+`"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"approved":true`)
}

func TestCheckPaymentFlaggedResponseIsOpaque(t *testing.T) {
	engine := newTestEngine()
	engine.BlockAddress(senderAddr, "test")
	h := NewHandler(engine, nil)
	r := setupRouter(h)

	w := postJSON(r, "/api/v1/payments/check",
		`{"amount": 50, "from": "`+senderAddr+`", "to": "`+recipientAddr+`"}`)

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "transaction_flagged")
	// Flag names and scores must never leak to the submitter.
	assert.NotContains(t, w.Body.String(), "BLOCKED_ADDRESS")
	assert.NotContains(t, w.Body.String(), "riskScore")
}

func TestCheckPaymentValidation(t *testing.T) {
	h := NewHandler(newTestEngine(), nil)
	r := setupRouter(h)

	w := postJSON(r, "/api/v1/payments/check", `{"amount": 50, "from": "nonsense", "to": "`+recipientAddr+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(r, "/api/v1/payments/check", `{"from": "`+senderAddr+`", "to": "`+recipientAddr+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckPaymentBudgetExhausted(t *testing.T) {
	budget := ratelimit.NewBudget(ratelimit.BudgetConfig{
		Points:        2,
		Window:        time.Minute,
		BlockDuration: time.Minute,
	})
	h := NewHandler(newTestEngine(), budget)
	r := setupRouter(h)

	body := `{"amount": 50, "from": "` + senderAddr + `", "to": "` + recipientAddr + `"}`
	for i := 0; i < 2; i++ {
		w := postJSON(r, "/api/v1/payments/check", body)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := postJSON(r, "/api/v1/payments/check", body)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestAdminBlockUnblock(t *testing.T) {
	engine := newTestEngine()
	h := NewHandler(engine, nil)
	r := setupRouter(h)

	w := postJSON(r, "/admin/risk/blocks", `{"address": "`+senderAddr+`", "reason": "fraud report"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, engine.IsBlocked(senderAddr))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/admin/risk/blocks/"+senderAddr, nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, engine.IsBlocked(senderAddr))
}

func TestAdminAddressStats(t *testing.T) {
	engine := newTestEngine()
	engine.Evaluate(context.Background(), noonTx(100))
	h := NewHandler(engine, nil)
	r := setupRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/risk/addresses/"+senderAddr, nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "totalTransactions")
}
