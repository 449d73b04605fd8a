// Package metrics provides Prometheus instrumentation for the Auxite security control plane.
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
			Namespace: "auxite",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "auxite",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ApprovalsTotal counts multi-sig approval resolutions by outcome.
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auxite",
			Name:      "approvals_total",
			Help:      "Total pending-transaction resolutions by outcome (approved, rejected, expired, cancelled).",
		},
		[]string{"outcome"},
	)

	// TransferDecisionsTotal counts risk policy decisions by result.
	TransferDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auxite",
			Name:      "transfer_decisions_total",
			Help:      "Total transfer policy evaluations by decision (allowed, whitelisted, requires_approval, rejected).",
		},
		[]string{"decision"},
	)

	// NotificationDeliveriesTotal counts security notification attempts by result.
	NotificationDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auxite",
			Name:      "notification_deliveries_total",
			Help:      "Total security notification deliveries by result.",
		},
		[]string{"result"},
	)

	// AuditEventsTotal counts audit log appends by severity.
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auxite",
			Name:      "audit_events_total",
			Help:      "Total audit events recorded by severity.",
		},
		[]string{"severity"},
	)

	// PanicActivationsTotal counts panic-mode activations.
	PanicActivationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "auxite",
		Name:      "panic_activations_total",
		Help:      "Total panic-mode activations.",
	})

	// CloneDetectionsTotal counts WebAuthn authenticator clone detections.
	CloneDetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "auxite",
		Name:      "clone_detections_total",
		Help:      "Total WebAuthn credentials disabled for counter regression.",
	})

	// ActiveSessions tracks currently valid sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "auxite",
			Name:      "active_sessions",
			Help:      "Number of currently active sessions.",
		},
	)

	// FrozenAccounts tracks accounts currently frozen.
	FrozenAccounts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "auxite",
			Name:      "frozen_accounts",
			Help:      "Number of currently frozen accounts.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "auxite",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "auxite", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "auxite", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "auxite", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "auxite", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "auxite", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "auxite", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// ApprovalDuration observes time from submission to terminal status.
	ApprovalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "auxite",
		Name:      "approval_duration_seconds",
		Help:      "Time from pending-transaction submission to resolution in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 86400},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ApprovalsTotal,
		TransferDecisionsTotal,
		NotificationDeliveriesTotal,
		AuditEventsTotal,
		PanicActivationsTotal,
		CloneDetectionsTotal,
		ActiveSessions,
		FrozenAccounts,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		ApprovalDuration,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
