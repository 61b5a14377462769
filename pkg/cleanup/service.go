// Package cleanup enforces artifact retention: audience scripts write
// CSV artifacts on every firing and nothing else ever deletes them.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Service periodically removes audience artifacts older than the
// retention window. All operations are idempotent.
type Service struct {
	artifactDir string
	retention   time.Duration
	interval    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service for artifactDir.
func NewService(artifactDir string, retention, interval time.Duration) *Service {
	return &Service{
		artifactDir: artifactDir,
		retention:   retention,
		interval:    interval,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"artifact_dir", s.artifactDir,
		"retention", s.retention,
		"interval", s.interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep deletes expired CSV artifacts. Only .csv files are touched so a
// misconfigured artifact_dir cannot eat unrelated data.
func (s *Service) sweep() {
	cutoff := time.Now().Add(-s.retention)

	entries, err := os.ReadDir(s.artifactDir)
	if err != nil {
		slog.Error("Retention: reading artifact directory failed",
			"artifact_dir", s.artifactDir, "error", err)
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.artifactDir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("Retention: removing artifact failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Retention: removed expired artifacts", "count", removed)
	}
}

// SweepOnce runs a single sweep outside the loop, for tests and manual
// invocation.
func (s *Service) SweepOnce() { s.sweep() }
