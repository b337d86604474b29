package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/frostdev-ops/pma-hub/internal/core/loop"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	apperrors "github.com/frostdev-ops/pma-hub/pkg/errors"
	"github.com/frostdev-ops/pma-hub/pkg/utils"
	"github.com/gin-gonic/gin"
)

// SetStateRequest is the body of POST /states/:entity_id.
type SetStateRequest struct {
	State      string                 `json:"state" binding:"required"`
	Attributes map[string]interface{} `json:"attributes"`
	Force      bool                   `json:"force"`
}

// GetStates lists every state, or those of the comma separated ?domain.
func (h *Handlers) GetStates(c *gin.Context) {
	var list []*states.State
	if domain := c.Query("domain"); domain != "" {
		list = h.core.States.Domain(strings.Split(domain, ",")...)
	} else {
		list = h.core.States.All()
	}
	if list == nil {
		list = []*states.State{}
	}
	utils.SendSuccessWithMeta(c, list, gin.H{"count": len(list)})
}

// GetState returns one state.
func (h *Handlers) GetState(c *gin.Context) {
	s := h.core.States.Get(c.Param("entity_id"))
	if s == nil {
		utils.SendAppError(c, apperrors.WithDetails(apperrors.ErrNotFound, "entity not found: "+c.Param("entity_id")))
		return
	}
	utils.SendSuccess(c, s)
}

// SetState creates or updates a state. New entities answer 201.
func (h *Handlers) SetState(c *gin.Context) {
	var req SetStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendAppError(c, apperrors.WithDetails(apperrors.ErrBadRequest, err.Error()))
		return
	}

	entityID := c.Param("entity_id")
	existed := h.core.States.Get(entityID) != nil
	s, err := h.core.SetState(c.Request.Context(), entityID, req.State, req.Attributes, req.Force)
	if err != nil {
		switch {
		case errors.Is(err, states.ErrInvalidEntityID), errors.Is(err, states.ErrStateTooLong):
			utils.SendAppError(c, apperrors.WithDetails(apperrors.ErrBadRequest, err.Error()))
		case errors.Is(err, loop.ErrStopped):
			utils.SendAppError(c, apperrors.Wrap(apperrors.ErrUnavailable, err))
		default:
			utils.SendAppError(c, err)
		}
		return
	}
	if existed {
		utils.SendSuccess(c, s)
	} else {
		utils.SendCreated(c, s)
	}
}

// DeleteState removes an entity.
func (h *Handlers) DeleteState(c *gin.Context) {
	entityID := c.Param("entity_id")
	removed, err := h.core.RemoveState(c.Request.Context(), entityID)
	if err != nil {
		utils.SendAppError(c, apperrors.Wrap(apperrors.ErrUnavailable, err))
		return
	}
	if !removed {
		utils.SendAppError(c, apperrors.WithDetails(apperrors.ErrNotFound, "entity not found: "+entityID))
		return
	}
	c.Status(http.StatusNoContent)
}
