// Package sweep is the periodic pass over open projects: it expires
// validation requests, retries unrouted messages, and surfaces stale
// projects. A guard row keeps overlapping runs from doubling notifications
// when two schedulers fire at once.
package sweep

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"propline/internal/audit"
	"propline/internal/config"
	"propline/internal/correlate"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/notify"
	"propline/internal/repo"
	"propline/internal/tracker"
)

const sweepActor = "sweeper"

type Sweeper struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Tracker  tracker.Tracker
	Index    correlate.Index
	Config   *config.Config
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, trk tracker.Tracker, idx correlate.Index, n notify.Notifier) Sweeper {
	if n == nil {
		n = notify.Nop{}
	}
	return Sweeper{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Writer{DB: db},
		Tracker:  trk,
		Index:    idx,
		Config:   cfg,
		Notifier: n,
		Logger:   slog.Default(),
		Now:      time.Now,
	}
}

func (s Sweeper) audit() audit.Writer {
	w := s.Audit
	if w.Now == nil {
		w.Now = s.Now
	}
	return w
}

func (s Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Result summarizes one sweep pass.
type Result struct {
	StartedAt   string   `json:"started_at"`
	TimedOut    int      `json:"validations_timed_out"`
	Reprocessed int      `json:"messages_reprocessed"`
	Actions     []Action `json:"actions,omitempty"`
	Skipped     bool     `json:"skipped"`
}

// Run executes one pass. A concurrent run that started within the grace
// window makes this one a no-op; repeating a completed pass is safe because
// every emission is anchored to the activity it observed.
func (s Sweeper) Run(ctx context.Context) (Result, error) {
	now := s.now().UTC()
	res := Result{StartedAt: now.Format(time.RFC3339)}

	err := s.Repo.BeginSweepRun(ctx, s.Config.Sweep.JobName, now, s.Config.SweepGrace())
	if err == repo.ErrSweepRunning {
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		return res, err
	}

	timedOut, err := s.Tracker.SweepTimeouts(ctx, sweepActor)
	if err != nil {
		return res, fmt.Errorf("expire validations: %w", err)
	}
	res.TimedOut = len(timedOut)
	for _, v := range timedOut {
		s.emit(ctx, notify.Event{
			Type:       notify.EventValidationLapsed,
			ProjectID:  v.ProjectID,
			Recipient:  s.Config.Escalation.Recipient,
			Message:    fmt.Sprintf("validation from %s never answered, proceeding will assume it", v.ResourceID),
			Severity:   notify.SeverityWarning,
			OccurredAt: now,
			Metadata:   map[string]any{"validation_id": v.ID, "resource": v.ResourceID, "critical": v.Critical},
		})
	}

	reprocessed, err := s.Index.Reprocess(ctx)
	if err != nil {
		return res, fmt.Errorf("reprocess messages: %w", err)
	}
	for _, r := range reprocessed {
		if r.Kind != correlate.KindUnclassified {
			res.Reprocessed++
		}
	}

	projects, err := s.Repo.ListOpenProjects(ctx)
	if err != nil {
		return res, err
	}
	for _, p := range projects {
		actions, err := s.sweepProject(ctx, p, now)
		if err != nil {
			return res, fmt.Errorf("project %s: %w", p.ID, err)
		}
		res.Actions = append(res.Actions, actions...)
	}

	if err := s.Repo.CompleteSweepRun(ctx, s.Config.Sweep.JobName, s.now().UTC()); err != nil {
		return res, err
	}
	return res, nil
}

func (s Sweeper) sweepProject(ctx context.Context, p domain.Project, now time.Time) ([]Action, error) {
	cfg := s.Config
	if pc, err := s.Repo.GetProjectConfig(ctx, p.ID); err == nil && pc != nil {
		cfg = pc
	}
	var emitted []Action
	for _, a := range Evaluate(p, now, RulesFrom(cfg)) {
		if a.Recipient == "" {
			a.Recipient = cfg.Escalation.Recipient
		}
		done, anchor := s.alreadyEmitted(p, a)
		if done {
			continue
		}
		s.emit(ctx, notify.Event{
			Type:       a.Type,
			ProjectID:  a.ProjectID,
			Stage:      a.Stage,
			Recipient:  a.Recipient,
			Message:    a.Message,
			Severity:   a.Severity,
			OccurredAt: now,
			Metadata:   a.Metadata,
		})
		if err := s.markEmitted(ctx, p.ID, a, anchor); err != nil {
			return emitted, err
		}
		if a.Type == notify.EventAbandonSuggested && cfg.Workflow.AutoAbandon {
			_, err := s.Index.Engine.CancelProject(ctx, p.ID, "idle past abandon threshold", sweepActor)
			if err != nil && !errors.Is(err, engine.ErrProjectClosed) && !errors.Is(err, engine.ErrStaleTransition) {
				return emitted, err
			}
		}
		emitted = append(emitted, a)
	}
	return emitted, nil
}

// alreadyEmitted anchors each action type to the state that triggered it.
// Staleness actions re-fire only after new activity goes stale again; the
// deadline alert re-fires only if the deadline changes.
func (s Sweeper) alreadyEmitted(p domain.Project, a Action) (bool, string) {
	anchor := p.LastActivityAt
	if a.Type == notify.EventDeadlineAlert && p.Deadline != nil {
		anchor = *p.Deadline
	}
	marks, _ := p.StageData["sweep_marks"].(map[string]any)
	prev, _ := marks[string(a.Type)].(string)
	return prev == anchor, anchor
}

func (s Sweeper) markEmitted(ctx context.Context, projectID string, a Action, anchor string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := s.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	marks, _ := p.StageData["sweep_marks"].(map[string]any)
	if marks == nil {
		marks = map[string]any{}
	}
	marks[string(a.Type)] = anchor
	if _, err := s.Repo.MergeStageDataTx(ctx, tx, projectID, map[string]any{"sweep_marks": marks}); err != nil {
		return err
	}
	if err := s.audit().Append(ctx, tx, "sweep."+string(a.Type), projectID, "project", projectID, sweepActor, audit.Details{
		"stage":     a.Stage,
		"recipient": a.Recipient,
		"message":   a.Message,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// emit delivers with at-least-once semantics: notification happens before the
// durable mark, so a crash in between repeats the notification rather than
// losing it.
func (s Sweeper) emit(ctx context.Context, e notify.Event) {
	if err := s.Notifier.Notify(ctx, e); err != nil && s.Logger != nil {
		s.Logger.Warn("notification failed", "type", e.Type, "project_id", e.ProjectID, "error", err)
	}
}
