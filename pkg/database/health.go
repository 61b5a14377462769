package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolStats is a snapshot of connection pool pressure.
type PoolStats struct {
	Open       int   `json:"open"`
	InUse      int   `json:"inUse"`
	Idle       int   `json:"idle"`
	MaxOpen    int   `json:"maxOpen"`
	WaitCount  int64 `json:"waitCount"`
	WaitMillis int64 `json:"waitMs"`
}

// HealthStatus is the database section of the engine health report: one
// ping round-trip plus pool statistics.
type HealthStatus struct {
	Status string    `json:"status"` // healthy | unhealthy
	PingMs int64     `json:"pingMs"`
	Pool   PoolStats `json:"pool"`
}

// Health pings the database. A failed ping returns both the unhealthy
// status payload and the error so callers can report and degrade.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status: "unhealthy",
			PingMs: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &HealthStatus{
		Status: "healthy",
		PingMs: time.Since(start).Milliseconds(),
		Pool: PoolStats{
			Open:       stats.OpenConnections,
			InUse:      stats.InUse,
			Idle:       stats.Idle,
			MaxOpen:    stats.MaxOpenConnections,
			WaitCount:  stats.WaitCount,
			WaitMillis: stats.WaitDuration.Milliseconds(),
		},
	}, nil
}
