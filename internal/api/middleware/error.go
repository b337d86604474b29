package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/frostdev-ops/pma-hub/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RecoveryMiddleware turns a panicking handler into a 500 response.
func RecoveryMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"query":       c.Request.URL.RawQuery,
			"ip":          c.ClientIP(),
			"panic":       fmt.Sprintf("%v", recovered),
			"stack_trace": string(debug.Stack()),
		}).Error("Panic recovered in API middleware")

		utils.SendError(c, http.StatusInternalServerError, "Internal server error")
		c.Abort()
	})
}

// ErrorLoggingMiddleware logs errors handlers attached with c.Error. The
// response has already been written by then.
func ErrorLoggingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			logger.WithError(err.Err).WithFields(logrus.Fields{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
				"status": c.Writer.Status(),
			}).Error("API request error")
		}
	}
}
