package handlers

import (
	"net/http"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/metrics"
	"github.com/frostdev-ops/pma-hub/pkg/version"
	"github.com/gin-gonic/gin"
)

// Health returns the component health report. Unhealthy hubs answer 503 so
// load balancers can act on the status code alone.
func (h *Handlers) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"version":   version.GetVersion(),
			"build":     version.GetBuildInfo(),
			"timestamp": time.Now().UTC(),
		})
		return
	}

	report := h.health.GetOverallHealth()
	status := http.StatusOK
	if report.Status == metrics.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":     report.Status,
		"message":    report.Message,
		"version":    version.GetVersion(),
		"build":      version.GetBuildInfo(),
		"timestamp":  report.Timestamp,
		"components": report.Components,
		"system":     report.SystemInfo,
	})
}
