package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestLimiterWindowProperty(t *testing.T) {
	l := NewLimiter(5, time.Minute)
	key := "0xabc"

	// Exactly max calls within the window all pass
	for i := 0; i < 5; i++ {
		if !l.Allow(key) {
			t.Errorf("call %d should be allowed (within limit)", i+1)
		}
	}

	// The (max+1)-th call in the same window fails
	if l.Allow(key) {
		t.Error("call over the limit should be denied")
	}

	// And keeps failing: the attempt itself still counts
	if l.Allow(key) {
		t.Error("subsequent over-limit call should be denied")
	}
}

func TestLimiterWindowReset(t *testing.T) {
	l := NewLimiter(2, 50*time.Millisecond)
	key := "reset"

	l.Allow(key)
	l.Allow(key)
	if l.Allow(key) {
		t.Error("third call should be denied")
	}

	time.Sleep(60 * time.Millisecond)

	// New window: allowed again with count reset to 1
	if !l.Allow(key) {
		t.Error("call after window reset should be allowed")
	}
	st := l.Status(key, 2)
	if st.Remaining != 1 {
		t.Errorf("expected remaining 1 after one call in fresh window, got %d", st.Remaining)
	}
}

func TestLimiterIndependentKeys(t *testing.T) {
	l := NewLimiter(1, time.Minute)

	if !l.Allow("a") {
		t.Error("first call for a should pass")
	}
	if l.Allow("a") {
		t.Error("second call for a should fail")
	}
	if !l.Allow("b") {
		t.Error("b should be unaffected by a's limit")
	}
}

func TestLimiterStatusUnknownKey(t *testing.T) {
	l := NewLimiter(10, time.Minute)

	st := l.Status("never-seen", 10)
	if st.Remaining != 10 {
		t.Errorf("unknown key should report full quota, got %d", st.Remaining)
	}
	if !st.ResetAt.IsZero() {
		t.Errorf("unknown key should report zero resetAt, got %v", st.ResetAt)
	}
}

func TestLimiterStatusDoesNotConsume(t *testing.T) {
	l := NewLimiter(3, time.Minute)
	l.Allow("k")

	for i := 0; i < 10; i++ {
		l.Status("k", 3)
	}
	if st := l.Status("k", 3); st.Remaining != 2 {
		t.Errorf("Status should not consume, remaining = %d", st.Remaining)
	}
}

func TestLimiterSweep(t *testing.T) {
	l := NewLimiter(5, 10*time.Millisecond)
	l.Allow("stale")

	time.Sleep(25 * time.Millisecond)

	if removed := l.Sweep(); removed != 1 {
		t.Errorf("expected 1 stale bucket removed, got %d", removed)
	}
	if l.Size() != 0 {
		t.Errorf("expected empty limiter after sweep, got %d", l.Size())
	}
}

func TestLimiterAllowNOverrides(t *testing.T) {
	l := NewLimiter(100, time.Hour)

	if !l.AllowN("k", 1, time.Minute) {
		t.Error("first call should pass")
	}
	if l.AllowN("k", 1, time.Minute) {
		t.Error("second call should fail against per-call max of 1")
	}
}

func TestMiddlewareRejectsWithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewLimiter(1, time.Minute)

	r := gin.New()
	r.Use(l.Middleware("global"))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected zero remaining quota header on 429")
	}
}

func TestMiddlewareKeysByAuthHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewLimiter(1, time.Minute)

	r := gin.New()
	r.Use(l.Middleware("global"))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	// Two different bearer tokens from the same IP get independent buckets
	req1 := httptest.NewRequest("GET", "/ping", nil)
	req1.Header.Set("Authorization", "Bearer client-one-token")
	req2 := httptest.NewRequest("GET", "/ping", nil)
	req2.Header.Set("Authorization", "Bearer client-two-token")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req1)
	if w.Code != http.StatusOK {
		t.Fatalf("client one should pass, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, req2)
	if w.Code != http.StatusOK {
		t.Fatalf("client two should have its own bucket, got %d", w.Code)
	}
}
