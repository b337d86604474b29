package middleware

import (
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/metrics"
	"github.com/gin-gonic/gin"
)

// MetricsMiddleware records request counts and latencies by route.
func MetricsMiddleware(collector metrics.MetricsCollector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			// unmatched routes share one label
			path = "unmatched"
		}
		collector.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
