package handlers

import (
	"github.com/frostdev-ops/pma-hub/pkg/utils"
	"github.com/gin-gonic/gin"
)

// TrackingStats reports the tracking counters together with the stats of
// every registered service.
func (h *Handlers) TrackingStats(c *gin.Context) {
	entities, domains := h.core.KeyedListenerCounts()
	resp := gin.H{
		"states":           h.core.States.Count(),
		"entity_listeners": entities,
		"domain_listeners": domains,
	}
	if h.metrics != nil {
		resp["tracking"] = h.metrics.TrackingStats()
	}
	if h.recorder != nil {
		resp["recorder"] = h.recorder.Stats()
	}

	h.statsMu.RLock()
	for name, fn := range h.stats {
		resp[name] = fn()
	}
	h.statsMu.RUnlock()

	utils.SendSuccess(c, resp)
}
