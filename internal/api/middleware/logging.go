package middleware

import (
	"time"

	"github.com/frostdev-ops/pma-hub/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LoggingMiddleware logs every request through the batch logger, so
// successful requests end up in periodic summaries.
func LoggingMiddleware(bl *logger.BatchLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := logrus.Fields{
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
			"query":      c.Request.URL.RawQuery,
		}
		if len(c.Errors) > 0 {
			fields["error_message"] = c.Errors.String()
		}
		bl.LogRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start), fields)
	}
}
