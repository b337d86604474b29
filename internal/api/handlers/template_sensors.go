package handlers

import (
	"net/http"

	"github.com/frostdev-ops/pma-hub/internal/core/templatesensor"
	apperrors "github.com/frostdev-ops/pma-hub/pkg/errors"
	"github.com/frostdev-ops/pma-hub/pkg/utils"
	"github.com/gin-gonic/gin"
)

func (h *Handlers) sensorsAvailable(c *gin.Context) bool {
	if h.sensors == nil {
		utils.SendAppError(c, apperrors.WithDetails(apperrors.ErrUnavailable, "template sensors are not enabled"))
		return false
	}
	return true
}

// ListTemplateSensors returns every running template sensor.
func (h *Handlers) ListTemplateSensors(c *gin.Context) {
	if !h.sensorsAvailable(c) {
		return
	}
	defs, err := h.sensors.List(c.Request.Context())
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	if defs == nil {
		defs = []templatesensor.Definition{}
	}
	utils.SendSuccessWithMeta(c, defs, gin.H{"count": len(defs)})
}

// GetTemplateSensor returns one template sensor with its current state.
func (h *Handlers) GetTemplateSensor(c *gin.Context) {
	if !h.sensorsAvailable(c) {
		return
	}
	def, ok := h.sensors.Get(c.Request.Context(), c.Param("id"))
	if !ok {
		utils.SendAppError(c, apperrors.WithDetails(apperrors.ErrNotFound, "template sensor not found: "+c.Param("id")))
		return
	}
	utils.SendSuccess(c, gin.H{
		"definition": def,
		"state":      h.core.States.Get(def.EntityID),
	})
}

// CreateTemplateSensor persists and starts a sensor.
func (h *Handlers) CreateTemplateSensor(c *gin.Context) {
	if !h.sensorsAvailable(c) {
		return
	}
	var def templatesensor.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	created, err := h.sensors.Create(c.Request.Context(), def)
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendCreated(c, created)
}

// DeleteTemplateSensor stops and deletes a sensor created through the API.
func (h *Handlers) DeleteTemplateSensor(c *gin.Context) {
	if !h.sensorsAvailable(c) {
		return
	}
	if err := h.sensors.Delete(c.Request.Context(), c.Param("id")); err != nil {
		utils.SendAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
