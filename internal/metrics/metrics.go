// Package metrics provides Prometheus instrumentation for the rentledger engine.
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
			Namespace: "rentledger",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rentledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentsTotal counts recorded payments by method and status.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "payments_total",
			Help:      "Total payments recorded by method and status.",
		},
		[]string{"method", "status"},
	)

	// AllocationsTotal counts allocation records by funding source type.
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "allocations_total",
			Help:      "Total bill allocations by funding source.",
		},
		[]string{"source"},
	)

	// WebhookIngressTotal counts gateway webhook deliveries by result.
	WebhookIngressTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "webhook_ingress_total",
			Help:      "Total gateway webhook deliveries by result (accepted, duplicate, rejected).",
		},
		[]string{"result"},
	)

	// VersionConflictsTotal counts optimistic-concurrency conflicts by entity.
	VersionConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "version_conflicts_total",
			Help:      "Total optimistic version conflicts by entity type.",
		},
		[]string{"entity"},
	)

	// RefundsReleasedTotal counts refunds credited to wallets after hold expiry.
	RefundsReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "refunds_released_total",
			Help:      "Total refunds released to tenant wallets.",
		},
	)

	// StandingOrderRunsTotal counts standing-order scheduler ticks by outcome.
	StandingOrderRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "standing_order_runs_total",
			Help:      "Total standing-order payment attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rentledger", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rentledger", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rentledger", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rentledger", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
	// ActiveWebSocketClients tracks connected realtime clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rentledger", Name: "websocket_clients",
		Help: "Number of connected WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PaymentsTotal,
		AllocationsTotal,
		WebhookIngressTotal,
		VersionConflictsTotal,
		RefundsReleasedTotal,
		StandingOrderRunsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
		ActiveWebSocketClients,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the route pattern (e.g. /v1/bills/:id) to bound cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := statusLabel(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// CollectDBStats samples database pool stats on an interval until ctx ends.
func CollectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
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
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
