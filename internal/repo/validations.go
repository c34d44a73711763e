package repo

import (
	"context"
	"database/sql"

	"propline/internal/domain"
)

const validationCols = `id,project_id,resource_id,question,status,critical,correlation_key,response_text,sent_at,responded_at,timeout_at`

func scanValidation(scan func(dest ...any) error) (domain.ValidationRequest, error) {
	var v domain.ValidationRequest
	var critical int
	var response, responded sql.NullString
	err := scan(&v.ID, &v.ProjectID, &v.ResourceID, &v.Question, &v.Status, &critical, &v.CorrelationKey, &response, &v.SentAt, &responded, &v.TimeoutAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Critical = critical != 0
	if response.Valid {
		v.ResponseText = &response.String
	}
	if responded.Valid {
		v.RespondedAt = &responded.String
	}
	return v, nil
}

func (r Repo) InsertValidationTx(ctx context.Context, tx *sql.Tx, v domain.ValidationRequest) error {
	critical := 0
	if v.Critical {
		critical = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO validation_requests(`+validationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ProjectID, v.ResourceID, v.Question, v.Status, critical, v.CorrelationKey, nullablePtr(v.ResponseText), v.SentAt, nullablePtr(v.RespondedAt), v.TimeoutAt)
	return err
}

func (r Repo) GetValidation(ctx context.Context, id string) (domain.ValidationRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+validationCols+` FROM validation_requests WHERE id=?`, id)
	return scanValidation(row.Scan)
}

func (r Repo) GetValidationTx(ctx context.Context, tx *sql.Tx, id string) (domain.ValidationRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+validationCols+` FROM validation_requests WHERE id=?`, id)
	return scanValidation(row.Scan)
}

func (r Repo) ListValidationsByProject(ctx context.Context, projectID string) ([]domain.ValidationRequest, error) {
	return r.listValidations(ctx, `SELECT `+validationCols+` FROM validation_requests WHERE project_id=? ORDER BY sent_at ASC, id ASC`, projectID)
}

// PendingValidationByKey resolves a correlation key to a pending request.
func (r Repo) PendingValidationByKey(ctx context.Context, key string) (domain.ValidationRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+validationCols+` FROM validation_requests WHERE correlation_key=? AND status='pending'`, key)
	return scanValidation(row.Scan)
}

// ValidationByKey resolves a correlation key regardless of status, so late
// replies can still be recorded against the right request.
func (r Repo) ValidationByKey(ctx context.Context, key string) (domain.ValidationRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+validationCols+` FROM validation_requests WHERE correlation_key=?`, key)
	return scanValidation(row.Scan)
}

// MarkRespondedTx flips pending to responded. Returns false when the request
// already left pending; status is never reverted.
func (r Repo) MarkRespondedTx(ctx context.Context, tx *sql.Tx, id, text, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE validation_requests SET status='responded', response_text=?, responded_at=? WHERE id=? AND status='pending'`,
		text, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordLateResponseTx stores the response text of a reply that arrived after
// timeout or cancellation without touching status.
func (r Repo) RecordLateResponseTx(ctx context.Context, tx *sql.Tx, id, text string) error {
	_, err := tx.ExecContext(ctx, `UPDATE validation_requests SET response_text=? WHERE id=?`, text, id)
	return err
}

// MarkTimedOutTx flips pending to timed_out, guarded so a concurrent response
// or a repeated sweep is a no-op.
func (r Repo) MarkTimedOutTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE validation_requests SET status='timed_out' WHERE id=? AND status='pending'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListExpiredPending returns pending requests whose timeout already passed.
func (r Repo) ListExpiredPending(ctx context.Context, now string) ([]domain.ValidationRequest, error) {
	return r.listValidations(ctx, `SELECT `+validationCols+` FROM validation_requests WHERE status='pending' AND timeout_at < ? ORDER BY timeout_at ASC, id ASC`, now)
}

// CancelPendingValidationsTx cancels every pending request of a project.
func (r Repo) CancelPendingValidationsTx(ctx context.Context, tx *sql.Tx, projectID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE validation_requests SET status='cancelled' WHERE project_id=? AND status='pending'`, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) listValidations(ctx context.Context, query string, args ...any) ([]domain.ValidationRequest, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRequest
	for rows.Next() {
		v, err := scanValidation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
