package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/threadswap/pushpilot/pkg/database"
	"github.com/threadswap/pushpilot/pkg/store"
	"github.com/threadswap/pushpilot/pkg/version"
)

// Engine health states.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// HealthResponse is returned by GET /health. Critical iff divergence is
// positive; degraded when a dependency is unhealthy, active firings
// exceed the warn threshold, or firings have been dropped on overload
// since the last restoration run. OverloadDropped is the lifetime total
// and is informational only; a restoration acknowledges earlier drops.
type HealthResponse struct {
	Status                 string                 `json:"status"`
	Version                string                 `json:"version"`
	InstanceID             string                 `json:"instanceId"`
	ScheduledJobsCount     int                    `json:"scheduledJobsCount"`
	ExpectedJobsCount      int                    `json:"expectedJobsCount"`
	Divergence             int                    `json:"divergence"`
	ActiveFiringsCount     int                    `json:"activeFiringsCount"`
	OverloadDropped        int64                  `json:"overloadDropped"`
	OverloadDroppedRecent  int64                  `json:"overloadDroppedRecent"`
	LastRestorationAttempt *time.Time             `json:"lastRestorationAttempt,omitempty"`
	RestorationSuccess     bool                   `json:"restorationSuccess"`
	Dependencies           map[string]string      `json:"dependencies"`
	Database               *database.HealthStatus `json:"database,omitempty"`
}

// handleHealth reports the engine health snapshot. Returns 200 only when
// healthy; any other state is 503 so load balancers and pagers see it.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Version:      version.Full(),
		InstanceID:   s.instanceID,
		Dependencies: make(map[string]string),
	}

	snapshot := s.scheduler.DebugSnapshot()
	resp.ScheduledJobsCount = s.scheduler.JobCount()
	resp.ActiveFiringsCount = s.executor.ActiveCount()
	resp.OverloadDropped = snapshot.OverloadDropped
	resp.OverloadDroppedRecent = snapshot.RecentOverloadDropped

	storeHealthy := true
	recipes, err := s.store.List(store.Filter{})
	if err != nil {
		storeHealthy = false
		resp.Dependencies["store"] = "unhealthy"
	} else {
		resp.Dependencies["store"] = "healthy"
		for _, recipe := range recipes {
			if recipe.Schedulable() {
				resp.ExpectedJobsCount++
			}
		}
	}
	resp.Divergence = resp.ExpectedJobsCount - resp.ScheduledJobsCount

	dbHealthy := true
	if s.db != nil {
		dbHealth, err := database.Health(ctx, s.db.DB())
		resp.Database = dbHealth
		if err != nil {
			dbHealthy = false
			resp.Dependencies["database"] = "unhealthy"
		} else {
			resp.Dependencies["database"] = "healthy"
		}
	}

	if restoration, err := s.ledger.LastRestoration(ctx); err == nil && restoration != nil {
		resp.LastRestorationAttempt = &restoration.StartedAt
		resp.RestorationSuccess = restoration.Success()
	}

	resp.Status = healthStatus(resp, storeHealthy, dbHealthy, s.cfg.Engine.ActiveFiringsWarn)

	status := http.StatusOK
	if resp.Status != HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func healthStatus(resp HealthResponse, storeHealthy, dbHealthy bool, firingsWarn int) string {
	if resp.Divergence > 0 || !storeHealthy {
		return HealthCritical
	}
	if !dbHealthy || resp.ActiveFiringsCount > firingsWarn || resp.OverloadDroppedRecent > 0 {
		return HealthDegraded
	}
	return HealthHealthy
}
