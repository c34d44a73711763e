package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSweepRunning is returned when a sweep run is already recorded as started
// and has not completed within the grace period.
var ErrSweepRunning = errors.New("sweep run already in progress")

// BeginSweepRun claims the sweep slot for a job. A previous run that started
// but never completed blocks new runs until the grace period passes, which
// keeps runs non-overlapping across crashes.
func (r Repo) BeginSweepRun(ctx context.Context, name string, now time.Time, grace time.Duration) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var started, completed sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT started_at, completed_at FROM sweep_state WHERE name=?`, name).Scan(&started, &completed)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && started.Valid && !completed.Valid {
		startedAt, perr := time.Parse(time.RFC3339, started.String)
		if perr != nil {
			return fmt.Errorf("corrupt sweep_state for %s: %w", name, perr)
		}
		if now.Sub(startedAt) < grace {
			return ErrSweepRunning
		}
	}
	nowStr := now.UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO sweep_state(name,started_at,completed_at) VALUES (?,?,NULL)
ON CONFLICT(name) DO UPDATE SET started_at=excluded.started_at, completed_at=NULL`, name, nowStr); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteSweepRun records a successful run, only after all of its actions
// were durably written.
func (r Repo) CompleteSweepRun(ctx context.Context, name string, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE sweep_state SET completed_at=? WHERE name=?`, nowStr, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepLastRun returns the completion time of the last finished run, zero time
// when the job never completed.
func (r Repo) SweepLastRun(ctx context.Context, name string) (time.Time, error) {
	var completed sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT completed_at FROM sweep_state WHERE name=?`, name).Scan(&completed)
	if err == sql.ErrNoRows || (err == nil && !completed.Valid) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, completed.String)
}
