package handlers

import (
	"net/http"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/template"
	"github.com/frostdev-ops/pma-hub/internal/core/track"
	"github.com/frostdev-ops/pma-hub/pkg/utils"
	"github.com/gin-gonic/gin"
)

// RenderTemplateRequest is the body of POST /template.
type RenderTemplateRequest struct {
	Template  string                 `json:"template" binding:"required"`
	Variables map[string]interface{} `json:"variables"`
	Strict    bool                   `json:"strict"`
}

// RenderTemplateResponse describes one render and what a tracker would
// listen to for it.
type RenderTemplateResponse struct {
	Result    interface{}     `json:"result"`
	Listeners track.ScopeView `json:"listeners"`
	RateLimit float64         `json:"rate_limit"`
}

// RenderTemplate renders a template once against the current states.
func (h *Handlers) RenderTemplate(c *gin.Context) {
	var req RenderTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	tpl := template.New(req.Template)
	env := &template.Env{
		States:   h.core.States,
		Now:      h.core.Loop.Now,
		Location: time.Local,
		Strict:   req.Strict || h.cfg.Tracking.StrictTemplates,
		RateLimits: template.RateLimits{
			AllStates:    h.cfg.Tracking.AllStatesRateLimit,
			DomainStates: h.cfg.Tracking.DomainStatesRateLimit,
		},
	}

	var info *template.RenderInfo
	if err := h.core.Loop.Call(c.Request.Context(), func() {
		info = tpl.RenderToInfo(env, req.Variables)
	}); err != nil {
		utils.SendError(c, http.StatusServiceUnavailable, "Event loop unavailable: "+err.Error())
		return
	}

	if info.Err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":   false,
			"error":     info.Err.Message,
			"kind":      info.Err.Kind,
			"line":      info.Err.Line,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	utils.SendSuccess(c, RenderTemplateResponse{
		Result:    info.Result,
		Listeners: track.ScopeFor([]*template.RenderInfo{info}).View(),
		RateLimit: info.RateLimit.Seconds(),
	})
}
