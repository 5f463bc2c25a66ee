// Package metrics provides Prometheus instrumentation for the paycore service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paycore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RiskDecisionsTotal counts risk engine decisions by outcome.
	RiskDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "risk_decisions_total",
			Help:      "Total risk evaluations by outcome (passed/flagged).",
		},
		[]string{"outcome"},
	)

	// RiskFlagsTotal counts individual risk flags raised.
	RiskFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "risk_flags_total",
			Help:      "Total risk flags raised by flag name.",
		},
		[]string{"flag"},
	)

	// AutoBlocksTotal counts addresses blocked automatically on very high risk.
	AutoBlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Name:      "auto_blocks_total",
		Help:      "Total addresses auto-blocked by the risk engine.",
	})

	// RateLimitRejectionsTotal counts rate-limit rejections by limiter name.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "ratelimit_rejections_total",
			Help:      "Total requests rejected by rate limiting, by limiter.",
		},
		[]string{"limiter"},
	)

	// TokenVerificationsTotal counts token verifications by secret generation and result.
	TokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "token_verifications_total",
			Help:      "Total token verifications by secret generation (current/previous/failed).",
		},
		[]string{"secret"},
	)

	// TokenRefreshSignalsTotal counts verifications that asked the caller to refresh.
	TokenRefreshSignalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Name:      "token_refresh_signals_total",
		Help:      "Total verifications that succeeded under the previous secret.",
	})

	// KeyRotationsTotal counts persistent signing key rotations.
	KeyRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Name:      "key_rotations_total",
		Help:      "Total signing key rotations performed.",
	})

	// ActiveSigningKeys tracks current active signing keys in the keyring.
	ActiveSigningKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore",
		Name:      "active_signing_keys",
		Help:      "Number of currently active signing keys.",
	})

	// BlockedAddresses tracks the current blocklist size.
	BlockedAddresses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore",
		Name:      "blocked_addresses",
		Help:      "Number of currently blocked payment addresses.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RiskDecisionsTotal,
		RiskFlagsTotal,
		AutoBlocksTotal,
		RateLimitRejectionsTotal,
		TokenVerificationsTotal,
		TokenRefreshSignalsTotal,
		KeyRotationsTotal,
		ActiveSigningKeys,
		BlockedAddresses,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups status codes to limit label cardinality.
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
