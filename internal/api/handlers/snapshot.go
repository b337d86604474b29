package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	apperrors "github.com/frostdev-ops/pma-hub/pkg/errors"
	"github.com/frostdev-ops/pma-hub/pkg/utils"
	"github.com/gin-gonic/gin"
)

// maxSnapshotSize bounds uploaded snapshots.
const maxSnapshotSize = 64 << 20

// ExportSnapshot downloads every state as a zstd-compressed JSON document.
func (h *Handlers) ExportSnapshot(c *gin.Context) {
	if h.recorder == nil {
		utils.SendAppError(c, apperrors.WithDetails(apperrors.ErrUnavailable, "recorder is not enabled"))
		return
	}

	var buf bytes.Buffer
	count, err := h.recorder.ExportSnapshot(&buf)
	if err != nil {
		utils.SendAppError(c, err)
		return
	}

	filename := fmt.Sprintf("states-%s.json.zst", h.core.Loop.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Header("X-State-Count", strconv.Itoa(count))
	c.Data(http.StatusOK, "application/zstd", buf.Bytes())
}

// ImportSnapshot restores the states of an uploaded snapshot.
func (h *Handlers) ImportSnapshot(c *gin.Context) {
	if h.recorder == nil {
		utils.SendAppError(c, apperrors.WithDetails(apperrors.ErrUnavailable, "recorder is not enabled"))
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxSnapshotSize)
	imported, skipped, err := h.recorder.ImportSnapshot(body)
	if err != nil {
		utils.SendAppError(c, apperrors.WithDetails(apperrors.ErrBadRequest, err.Error()))
		return
	}
	utils.SendSuccess(c, gin.H{"imported": imported, "skipped": skipped})
}
