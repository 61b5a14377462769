package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/threadswap/pushpilot/pkg/scheduler"
	"github.com/threadswap/pushpilot/pkg/store"
)

// Control actions accepted by POST /automation/control.
const (
	ActionCancel        = "cancel"
	ActionEmergencyStop = "emergency-stop"
)

// RescheduleRequest is the body of POST /automation/reschedule.
type RescheduleRequest struct {
	AutomationID string `json:"automationId" binding:"required"`
}

// ControlRequest is the body of POST /automation/control.
type ControlRequest struct {
	AutomationID string `json:"automationId"`
	Action       string `json:"action" binding:"required"`
	Reason       string `json:"reason"`
}

// handleRestore runs a restoration pass and returns its record.
func (s *Server) handleRestore(c *gin.Context) {
	record, err := s.restorer.Restore(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	respondData(c, http.StatusOK, record)
}

// handleReschedule force-recomputes one recipe's trigger.
func (s *Server) handleReschedule(c *gin.Context) {
	var req RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "automationId is required", err.Error())
		return
	}

	if err := s.scheduler.Reschedule(req.AutomationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "recipe not found")
			return
		}
		if errors.Is(err, scheduler.ErrStopped) {
			respondError(c, http.StatusConflict, "engine is emergency-stopped, run restore first")
			return
		}
		respondError(c, http.StatusInternalServerError, "reschedule failed", err.Error())
		return
	}
	respondMessage(c, http.StatusOK, fmt.Sprintf("recipe %s rescheduled", req.AutomationID))
}

// handleControl dispatches operator actions: cancel a firing inside its
// cancellation window, or emergency-stop the whole engine.
func (s *Server) handleControl(c *gin.Context) {
	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "action is required", err.Error())
		return
	}

	switch req.Action {
	case ActionCancel:
		if req.AutomationID == "" {
			respondError(c, http.StatusBadRequest, "automationId is required for cancel")
			return
		}
		reason := req.Reason
		if reason == "" {
			reason = "operator cancel"
		}
		ok, why := s.executor.Cancel(req.AutomationID, reason)
		if !ok {
			// No-op outside the window; the reason tells the operator why.
			respondError(c, http.StatusOK, why)
			return
		}
		respondMessage(c, http.StatusOK, "firing cancelled")

	case ActionEmergencyStop:
		removed := s.scheduler.EmergencyStop()
		cancelled := 0
		for _, firing := range s.executor.ActiveFirings() {
			if ok, _ := s.executor.Cancel(firing.RecipeID, "emergency stop"); ok {
				cancelled++
			}
		}
		respondMessage(c, http.StatusOK,
			fmt.Sprintf("emergency stop: %d jobs unscheduled, %d in-window firings cancelled", removed, cancelled))

	default:
		respondError(c, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}
