package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/threadswap/pushpilot/pkg/models"
	"github.com/threadswap/pushpilot/pkg/scheduler"
)

// DebugResponse is the full engine state for operators: the scheduler's
// job map plus every in-flight firing's per-step progress.
type DebugResponse struct {
	Scheduler           scheduler.Snapshot `json:"scheduler"`
	ActiveFirings       []models.Firing    `json:"activeFirings"`
	DroppedChangeEvents int64              `json:"droppedChangeEvents"`
}

// handleDebug returns the scheduler snapshot and active firings.
func (s *Server) handleDebug(c *gin.Context) {
	respondData(c, http.StatusOK, DebugResponse{
		Scheduler:           s.scheduler.DebugSnapshot(),
		ActiveFirings:       s.executor.ActiveFirings(),
		DroppedChangeEvents: s.store.DroppedChangeEvents(),
	})
}
