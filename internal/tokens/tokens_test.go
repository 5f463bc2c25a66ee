package tokens

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puffpass/paycore/internal/config"
)

func TestLoadSecrets(t *testing.T) {
	_, err := LoadSecrets(&config.Config{})
	assert.ErrorIs(t, err, ErrMissingSecret)

	s, err := LoadSecrets(&config.Config{
		JWTSecret:         "current-secret",
		JWTSecretPrevious: "old-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "current-secret", s.Current)
	assert.Equal(t, "old-secret", s.Previous)
	assert.True(t, s.RotationDate.IsZero())
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	svc := NewService(Secrets{Current: "secret-a"})

	token, err := svc.Issue(map[string]any{"sub": "merchant-42"}, time.Hour)
	require.NoError(t, err)

	verified, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "current", verified.SecretUsed)
	assert.False(t, verified.ShouldRefresh)
	assert.Equal(t, "merchant-42", verified.Claims["sub"])
	assert.Equal(t, "current", verified.Claims["secretVersion"])
	assert.NotNil(t, verified.Claims["issuedAt"])
}

func TestIssueRejectsReservedClaims(t *testing.T) {
	svc := NewService(Secrets{Current: "secret-a"})

	for _, name := range []string{"secretVersion", "issuedAt", "secretUsed", "shouldRefresh"} {
		_, err := svc.Issue(map[string]any{name: "x"}, time.Hour)
		assert.Error(t, err, "claim %q should be rejected", name)
	}
}

func TestVerifyFallsBackToPreviousSecret(t *testing.T) {
	oldSvc := NewService(Secrets{Current: "old-secret"})
	token, err := oldSvc.Issue(map[string]any{"sub": "merchant-42"}, time.Hour)
	require.NoError(t, err)

	// After rotation the old secret moves to the previous slot.
	rotated := NewService(Secrets{Current: "new-secret", Previous: "old-secret"})
	verified, err := rotated.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "previous", verified.SecretUsed)
	assert.True(t, verified.ShouldRefresh)
	assert.Equal(t, "merchant-42", verified.Claims["sub"])
}

func TestVerifyNoPreviousPreservesOriginalError(t *testing.T) {
	oldSvc := NewService(Secrets{Current: "old-secret"})
	token, err := oldSvc.Issue(nil, time.Hour)
	require.NoError(t, err)

	svc := NewService(Secrets{Current: "new-secret"})
	_, err = svc.Verify(token)
	require.Error(t, err)
	// No fallback configured: the caller sees the library error untouched.
	assert.False(t, errors.Is(err, ErrInvalidToken))
}

func TestVerifyBothSecretsFail(t *testing.T) {
	oldSvc := NewService(Secrets{Current: "retired-secret"})
	token, err := oldSvc.Issue(nil, time.Hour)
	require.NoError(t, err)

	svc := NewService(Secrets{Current: "new-secret", Previous: "other-secret"})
	_, err = svc.Verify(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Contains(t, err.Error(), "invalid or expired token")
}

func TestVerifyExpiredToken(t *testing.T) {
	svc := NewService(Secrets{Current: "secret-a"})
	token, err := svc.Issue(nil, -time.Minute)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.Error(t, err)
}

func TestShouldRotate(t *testing.T) {
	assert.False(t, Secrets{Current: "s"}.ShouldRotate(), "unset rotation date never signals")
	assert.False(t, Secrets{Current: "s", RotationDate: time.Now().AddDate(0, 0, -30)}.ShouldRotate())
	assert.True(t, Secrets{Current: "s", RotationDate: time.Now().AddDate(0, 0, -100)}.ShouldRotate())
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	svc := NewService(Secrets{Current: "new-secret", Previous: "old-secret"})
	r := gin.New()
	r.GET("/protected", Middleware(svc), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	// Missing token.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Current-secret token passes without a refresh signal.
	token, err := svc.Issue(map[string]any{"sub": "merchant-42"}, time.Hour)
	require.NoError(t, err)
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(RefreshHeader))

	// Previous-secret token passes but carries the refresh header.
	oldToken, err := NewService(Secrets{Current: "old-secret"}).Issue(nil, time.Hour)
	require.NoError(t, err)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+oldToken)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(RefreshHeader))

	// Garbage token.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
