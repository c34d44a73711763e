package repo

import (
	"context"
	"database/sql"

	"propline/internal/domain"
)

const messageCols = `external_id,thread_ref,direction,sender,subject,body,classification,project_id,processed,received_at`

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var threadRef, sender, subject, body, classification, projectID sql.NullString
	var processed int
	err := scan(&m.ExternalID, &threadRef, &m.Direction, &sender, &subject, &body, &classification, &projectID, &processed, &m.ReceivedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.ThreadRef = threadRef.String
	m.Sender = sender.String
	m.Subject = subject.String
	m.Body = body.String
	if classification.Valid {
		m.Classification = &classification.String
	}
	if projectID.Valid {
		m.ProjectID = &projectID.String
	}
	m.Processed = processed != 0
	return m, nil
}

// InsertMessageTx records a message if its external id is new. Returns false
// when the id was already recorded, which makes ingestion idempotent.
func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) (bool, error) {
	processed := 0
	if m.Processed {
		processed = 1
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO messages(`+messageCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(external_id) DO NOTHING`,
		m.ExternalID, nullable(m.ThreadRef), m.Direction, nullable(m.Sender), nullable(m.Subject), nullable(m.Body),
		nullablePtr(m.Classification), nullablePtr(m.ProjectID), processed, m.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetMessage(ctx context.Context, externalID string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE external_id=?`, externalID)
	return scanMessage(row.Scan)
}

// MarkProcessedTx stores the correlation outcome on the message row.
func (r Repo) MarkProcessedTx(ctx context.Context, tx *sql.Tx, externalID, classification, projectID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET processed=1, classification=?, project_id=? WHERE external_id=?`,
		nullable(classification), nullable(projectID), externalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMessagesByProject(ctx context.Context, projectID string) ([]domain.Message, error) {
	return r.listMessages(ctx, `SELECT `+messageCols+` FROM messages WHERE project_id=? ORDER BY received_at ASC, external_id ASC`, projectID)
}

// ListUnclassified returns inbound messages that matched nothing yet: rows
// that never finished routing plus rows explicitly marked unclassified. Both
// feed the manual review queue and the reprocess pass.
func (r Repo) ListUnclassified(ctx context.Context) ([]domain.Message, error) {
	return r.listMessages(ctx, `SELECT `+messageCols+` FROM messages WHERE direction='inbound' AND (processed=0 OR classification='unclassified') ORDER BY received_at ASC, external_id ASC`)
}

func (r Repo) listMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
