package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	factsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factrail_facts_total",
		Help: "Fact submissions by stream and outcome.",
	}, []string{"stream", "status"})

	appendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factrail_append_duration_seconds",
		Help:    "End-to-end submit latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stream"})

	verifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factrail_verify_total",
		Help: "Chain verification runs by stream and result.",
	}, []string{"stream", "result"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factrail_rate_limited_total",
		Help: "Requests refused by the per-client rate limiter, by path.",
	}, []string{"path"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factrail_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factrail_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordVerify counts one chain verification outcome. The result label is
// always "valid" or "invalid" so dashboards can ratio the two; the failure
// reason lives in the log line, not the metric. Used by both the read API
// and the background integrity sweep.
func RecordVerify(streamID string, valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	verifyTotal.WithLabelValues(streamID, result).Inc()
}

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
