package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresLedger persists entries in the execution_ledger and
// restoration_records tables. Concurrent appenders are safe: each firing
// writes only its own recipe's row.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger over an open database handle.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

var _ Ledger = (*PostgresLedger)(nil)

// RecordFiring upserts the recipe's most recent firing.
func (l *PostgresLedger) RecordFiring(ctx context.Context, recipeID string, firedAt time.Time, outcome string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO execution_ledger (recipe_id, last_fired_at, outcome, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (recipe_id) DO UPDATE
		SET last_fired_at = EXCLUDED.last_fired_at,
		    outcome = EXCLUDED.outcome,
		    updated_at = now()`,
		recipeID, firedAt.UTC(), outcome)
	if err != nil {
		return fmt.Errorf("recording firing for recipe %s: %w", recipeID, err)
	}
	return nil
}

// LastFired returns the recipe's most recent entry, or nil if absent.
func (l *PostgresLedger) LastFired(ctx context.Context, recipeID string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT recipe_id, last_fired_at, outcome, updated_at
		FROM execution_ledger
		WHERE recipe_id = $1`,
		recipeID)

	var e Entry
	err := row.Scan(&e.RecipeID, &e.LastFiredAt, &e.Outcome, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger for recipe %s: %w", recipeID, err)
	}
	e.LastFiredAt = e.LastFiredAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

// RecordRestoration appends one restoration run.
func (l *PostgresLedger) RecordRestoration(ctx context.Context, rec *RestorationRecord) error {
	failures, err := json.Marshal(rec.Failures)
	if err != nil {
		return fmt.Errorf("encoding restoration failures: %w", err)
	}
	if rec.Failures == nil {
		failures = []byte("[]")
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO restoration_records
			(instance_id, started_at, expected_count, scheduled_count, divergence, failures)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.InstanceID, rec.StartedAt.UTC(), rec.ExpectedCount, rec.ScheduledCount,
		rec.Divergence, failures)
	if err != nil {
		return fmt.Errorf("recording restoration: %w", err)
	}
	return nil
}

// LastRestoration returns the most recent restoration record, or nil if
// no restore has run yet.
func (l *PostgresLedger) LastRestoration(ctx context.Context) (*RestorationRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT instance_id, started_at, expected_count, scheduled_count, divergence, failures
		FROM restoration_records
		ORDER BY started_at DESC, id DESC
		LIMIT 1`)

	var rec RestorationRecord
	var failures []byte
	err := row.Scan(&rec.InstanceID, &rec.StartedAt, &rec.ExpectedCount,
		&rec.ScheduledCount, &rec.Divergence, &failures)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading last restoration: %w", err)
	}
	if err := json.Unmarshal(failures, &rec.Failures); err != nil {
		return nil, fmt.Errorf("decoding restoration failures: %w", err)
	}
	rec.StartedAt = rec.StartedAt.UTC()
	return &rec, nil
}
