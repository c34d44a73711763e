package repo

import (
	"context"
	"database/sql"

	"propline/internal/domain"
)

const continuationCols = `id,project_id,stage,awaiting,correlation_key,resume_to,round,status,created_at,consumed_at`

func scanContinuation(scan func(dest ...any) error) (domain.Continuation, error) {
	var c domain.Continuation
	var consumed sql.NullString
	err := scan(&c.ID, &c.ProjectID, &c.Stage, &c.Awaiting, &c.CorrelationKey, &c.ResumeTo, &c.Round, &c.Status, &c.CreatedAt, &consumed)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if consumed.Valid {
		c.ConsumedAt = &consumed.String
	}
	return c, err
}

func (r Repo) InsertContinuationTx(ctx context.Context, tx *sql.Tx, c domain.Continuation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO continuations(`+continuationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.Stage, c.Awaiting, c.CorrelationKey, c.ResumeTo, c.Round, c.Status, c.CreatedAt, nullablePtr(c.ConsumedAt))
	return err
}

func (r Repo) GetContinuation(ctx context.Context, id string) (domain.Continuation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+continuationCols+` FROM continuations WHERE id=?`, id)
	return scanContinuation(row.Scan)
}

// LiveContinuation returns the single live continuation for a project stage.
func (r Repo) LiveContinuation(ctx context.Context, projectID, stage string) (domain.Continuation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+continuationCols+` FROM continuations WHERE project_id=? AND stage=? AND status='live'`, projectID, stage)
	return scanContinuation(row.Scan)
}

// LiveContinuationByKey resolves a correlation key to a live continuation.
func (r Repo) LiveContinuationByKey(ctx context.Context, key string) (domain.Continuation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+continuationCols+` FROM continuations WHERE correlation_key=? AND status='live'`, key)
	return scanContinuation(row.Scan)
}

// LiveContinuationForProject returns the live continuation of the project's
// current stage, if any.
func (r Repo) LiveContinuationForProject(ctx context.Context, projectID string) (domain.Continuation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT c.id,c.project_id,c.stage,c.awaiting,c.correlation_key,c.resume_to,c.round,c.status,c.created_at,c.consumed_at
FROM continuations c
JOIN projects p ON p.id = c.project_id AND p.stage = c.stage
WHERE c.project_id=? AND c.status='live'`, projectID)
	return scanContinuation(row.Scan)
}

// ConsumeContinuationTx marks a continuation consumed only while it is the
// live one. Returns false for a duplicate or late reply.
func (r Repo) ConsumeContinuationTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE continuations SET status='consumed', consumed_at=? WHERE id=? AND status='live'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelLiveContinuationsTx invalidates every live continuation of a project.
func (r Repo) CancelLiveContinuationsTx(ctx context.Context, tx *sql.Tx, projectID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE continuations SET status='cancelled' WHERE project_id=? AND status='live'`, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelLiveContinuationTx cancels the live continuation of one stage, used by
// clarification loops before issuing a fresh one.
func (r Repo) CancelLiveContinuationTx(ctx context.Context, tx *sql.Tx, projectID, stage string) error {
	_, err := tx.ExecContext(ctx, `UPDATE continuations SET status='cancelled' WHERE project_id=? AND stage=? AND status='live'`, projectID, stage)
	return err
}

// LastRoundTx returns the highest continuation round ever issued for a stage.
func (r Repo) LastRoundTx(ctx context.Context, tx *sql.Tx, projectID, stage string) (int, error) {
	var round int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(round),0) FROM continuations WHERE project_id=? AND stage=?`, projectID, stage).Scan(&round)
	return round, err
}

// LastRound is LastRoundTx outside a transaction, for checks that precede any
// side effect.
func (r Repo) LastRound(ctx context.Context, projectID, stage string) (int, error) {
	var round int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(round),0) FROM continuations WHERE project_id=? AND stage=?`, projectID, stage).Scan(&round)
	return round, err
}

func (r Repo) ListContinuations(ctx context.Context, projectID string) ([]domain.Continuation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+continuationCols+` FROM continuations WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Continuation
	for rows.Next() {
		c, err := scanContinuation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
