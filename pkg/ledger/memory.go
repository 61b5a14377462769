package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger for tests and local development.
type MemoryLedger struct {
	mu           sync.RWMutex
	entries      map[string]Entry
	restorations []RestorationRecord
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

var _ Ledger = (*MemoryLedger)(nil)

func (l *MemoryLedger) RecordFiring(_ context.Context, recipeID string, firedAt time.Time, outcome string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[recipeID] = Entry{
		RecipeID:    recipeID,
		LastFiredAt: firedAt.UTC(),
		Outcome:     outcome,
		UpdatedAt:   time.Now().UTC(),
	}
	return nil
}

func (l *MemoryLedger) LastFired(_ context.Context, recipeID string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[recipeID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (l *MemoryLedger) RecordRestoration(_ context.Context, rec *RestorationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restorations = append(l.restorations, *rec)
	return nil
}

func (l *MemoryLedger) LastRestoration(_ context.Context) (*RestorationRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.restorations) == 0 {
		return nil, nil
	}
	rec := l.restorations[len(l.restorations)-1]
	return &rec, nil
}
