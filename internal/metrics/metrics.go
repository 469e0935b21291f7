// Package metrics exposes Prometheus instrumentation for the control plane.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltagent_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moltagent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ConnectedAgents tracks live worker sessions.
	ConnectedAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "moltagent_connected_agents",
			Help: "Number of workers with a live control-plane session",
		},
	)

	// MessagesTotal counts control-link frames by type and direction.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltagent_messages_total",
			Help: "Control-link messages processed",
		},
		[]string{"type", "direction"},
	)

	// ApprovalsTotal counts approval outcomes.
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltagent_approvals_total",
			Help: "Approval requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	// ProvisionsTotal counts provider create calls.
	ProvisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltagent_provisions_total",
			Help: "VPS provision attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	// PendingApprovals tracks the live approval queue depth.
	PendingApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "moltagent_pending_approvals",
			Help: "Approvals currently waiting for an operator",
		},
	)
)

// GinMiddleware records request counts and latency per route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
