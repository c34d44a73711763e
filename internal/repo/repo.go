package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"propline/internal/config"
	"propline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectCols = `id,client_name,stage,participants_json,stage_data_json,deadline,last_activity_at,created_at,updated_at`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var participants, stageData string
	var deadline sql.NullString
	err := scan(&p.ID, &p.ClientName, &p.Stage, &participants, &stageData, &deadline, &p.LastActivityAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if deadline.Valid {
		p.Deadline = &deadline.String
	}
	if err := json.Unmarshal([]byte(participants), &p.Participants); err != nil {
		return p, fmt.Errorf("participants of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(stageData), &p.StageData); err != nil {
		return p, fmt.Errorf("stage data of %s: %w", p.ID, err)
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	participants, err := json.Marshal(orEmpty(p.Participants))
	if err != nil {
		return err
	}
	stageData, err := json.Marshal(orEmptyAny(p.StageData))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(`+projectCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ClientName, p.Stage, string(participants), string(stageData), nullablePtr(p.Deadline), p.LastActivityAt, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return r.listProjects(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC, id DESC`)
}

// ListOpenProjects returns all projects not in a terminal stage.
func (r Repo) ListOpenProjects(ctx context.Context) ([]domain.Project, error) {
	return r.listProjects(ctx, `SELECT `+projectCols+` FROM projects WHERE stage NOT IN ('won','lost','abandoned') ORDER BY created_at ASC, id ASC`)
}

// SingleProject returns the project when exactly one exists, so single-project
// workspaces can omit --project.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	items, err := r.listProjects(ctx, `SELECT `+projectCols+` FROM projects LIMIT 2`)
	if err != nil {
		return domain.Project{}, err
	}
	if len(items) != 1 {
		return domain.Project{}, ErrNotFound
	}
	return items[0], nil
}

func (r Repo) listProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CompareAndSetStageTx advances stage only if the current stage matches
// expected. Returns false when the guard misses.
func (r Repo) CompareAndSetStageTx(ctx context.Context, tx *sql.Tx, id, expected, next, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET stage=?, last_activity_at=?, updated_at=? WHERE id=? AND stage=?`,
		next, now, now, id, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TouchActivityTx bumps last_activity_at for an accepted correlated event.
func (r Repo) TouchActivityTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET last_activity_at=?, updated_at=? WHERE id=?`, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeStageDataTx merges updates into stage_data_json. Merge is additive at
// the top level: new keys are added, existing keys are overwritten only when
// the update names them, nothing is dropped.
func (r Repo) MergeStageDataTx(ctx context.Context, tx *sql.Tx, id string, updates map[string]any) (map[string]any, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT stage_data_json FROM projects WHERE id=?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	merged := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &merged); err != nil {
		return nil, fmt.Errorf("stage data of %s: %w", id, err)
	}
	for k, v := range updates {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET stage_data_json=? WHERE id=?`, string(data), id); err != nil {
		return nil, err
	}
	return merged, nil
}

// SetParticipantTx sets one role to an external identifier, last write wins.
func (r Repo) SetParticipantTx(ctx context.Context, tx *sql.Tx, id, role, identifier string) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT participants_json FROM projects WHERE id=?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	participants := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &participants); err != nil {
		return fmt.Errorf("participants of %s: %w", id, err)
	}
	participants[role] = identifier
	data, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE projects SET participants_json=? WHERE id=?`, string(data), id)
	return err
}

func (r Repo) SetDeadlineTx(ctx context.Context, tx *sql.Tx, id, deadline string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET deadline=? WHERE id=?`, nullable(deadline), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- project configs ---

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- audit reads ---

func (r Repo) AuditAfter(ctx context.Context, limit int, afterID int64, projectID string) ([]domain.AuditEntry, error) {
	query := `SELECT id,ts,action,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor,details_json FROM audit_log WHERE id > ?`
	args := []any{afterID}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Action, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.Actor, &e.Details); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestAuditID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM audit_log`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

func (r Repo) CountAuditByAction(ctx context.Context, action, entityID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE action=? AND entity_id=?`, action, entityID).Scan(&n)
	return n, err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
