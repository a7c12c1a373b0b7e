package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/metrics"
)

// PrometheusMiddleware is a Gin middleware that records HTTP metrics
type PrometheusMiddleware struct {
	metrics *metrics.Metrics
}

// NewPrometheusMiddleware creates a new Prometheus middleware
func NewPrometheusMiddleware(m *metrics.Metrics) *PrometheusMiddleware {
	return &PrometheusMiddleware{
		metrics: m,
	}
}

// Handler returns the Gin middleware handler
func (p *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		p.metrics.RecordHTTPRequest(
			c.Request.Method,
			endpoint,
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// MetricsHandler serves gatherer in the Prometheus text format.
// It returns HTTP 200 while the process is alive, even if collection fails.
func MetricsHandler(gatherer prometheus.Gatherer) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in metrics handler", zap.Any("panic", r))
				c.JSON(http.StatusOK, gin.H{
					"status": "metrics_collection_error",
					"error":  fmt.Sprintf("%v", r),
				})
				c.Abort()
			}
		}()

		if gatherer == nil {
			c.JSON(http.StatusOK, gin.H{
				"status": "registry_not_initialized",
				"error":  "metrics registry is nil",
			})
			return
		}

		handler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: false,
		})
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// GetMetricsPath returns the path for the metrics endpoint
func GetMetricsPath() string {
	return "/metrics"
}
