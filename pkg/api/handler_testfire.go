package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/threadswap/pushpilot/pkg/events"
	"github.com/threadswap/pushpilot/pkg/models"
	"github.com/threadswap/pushpilot/pkg/timeline"
)

// handleTestFiring triggers a manual test firing and streams its
// structured log events over SSE. Dry-run mode executes every step up to,
// but not including, the transport submit; test-live-send submits for
// real against the test-layer audience artifacts.
//
// The firing runs on the server's base context, so a dropped stream does
// not abort it; the kill endpoint does.
func (s *Server) handleTestFiring(c *gin.Context) {
	recipe, err := s.store.Load(c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}

	var mode models.ExecutionMode
	switch c.Query("mode") {
	case "", "dry-run", "test-dry-run":
		mode = models.ModeDryRun
	case "live-send", "test-live-send":
		mode = models.ModeTestLiveSend
	default:
		respondError(c, http.StatusBadRequest, fmt.Sprintf("unknown test mode %q", c.Query("mode")))
		return
	}

	now := time.Now().UTC()
	firing := &models.Firing{
		ID:          uuid.NewString(),
		RecipeID:    recipe.ID,
		ScheduledAt: now,
		Mode:        mode,
		Status:      models.FiringStatusPending,
		StartedAt:   now,
	}
	// A manual test fires immediately: no lead-time wait, no window.
	times := timeline.Times{
		Firing:          now,
		PreSend:         now,
		CancelWindowEnd: now.Add(time.Duration(recipe.Settings.CancellationWindowMinutes) * time.Minute),
	}

	// Subscribe before launching so no event is missed.
	ch, replay, unsubscribe := s.bus.Subscribe(firing.ID)
	defer unsubscribe()

	resultCh := make(chan models.FiringStatus, 1)
	go func() {
		resultCh <- s.executor.Execute(s.baseCtx, recipe, firing, times)
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for _, ev := range replay {
		writeSSE(c, ev)
	}

	for {
		select {
		case <-c.Request.Context().Done():
			// Client gone; the firing keeps running.
			return
		case ev, open := <-ch:
			if !open {
				status := <-resultCh
				writeSSE(c, events.Result{
					Type:    "result",
					Success: status == models.FiringStatusCompleted,
					Message: fmt.Sprintf("test firing %s %s", firing.ID, status),
				})
				return
			}
			writeSSE(c, ev)
		}
	}
}

// handleTestKill force-terminates the recipe's active test firing.
func (s *Server) handleTestKill(c *gin.Context) {
	id := c.Param("id")
	if !s.executor.KillByRecipe(id) {
		respondError(c, http.StatusNotFound, "no active firing for recipe")
		return
	}
	respondMessage(c, http.StatusOK, "firing killed")
}

func writeSSE(c *gin.Context, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}
