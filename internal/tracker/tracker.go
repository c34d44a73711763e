// Package tracker manages the fan-out of parallel resource confirmation
// requests. Each request carries its own timeout clock, fixed at creation;
// requests for one project are independent of each other and of the
// project's stage transitions.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"propline/internal/audit"
	"propline/internal/config"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/repo"
	"propline/internal/transport"
)

type Tracker struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Send   transport.Sender
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, send transport.Sender) Tracker {
	return Tracker{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Send:   send,
		Now:    time.Now,
	}
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// audit returns the writer with the tracker's clock so entry timestamps
// follow an overridden Now.
func (t Tracker) audit() audit.Writer {
	w := t.Audit
	if w.Now == nil {
		w.Now = t.Now
	}
	return w
}

type RequestOptions struct {
	ProjectID  string
	ResourceID string
	Question   string
	Critical   bool
	// Timeout defaults to the configured validation timeout when zero.
	Timeout time.Duration
	ActorID string
}

// Request sends one confirmation ask and tracks it as pending. The timeout is
// fixed at creation and never extended.
func (t Tracker) Request(ctx context.Context, opts RequestOptions) (domain.ValidationRequest, error) {
	if opts.ResourceID == "" {
		return domain.ValidationRequest{}, errors.New("resource is required")
	}
	if opts.Question == "" {
		return domain.ValidationRequest{}, errors.New("question is required")
	}
	p, err := t.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.ValidationRequest{}, err
	}
	if domain.Terminal(p.Stage) {
		return domain.ValidationRequest{}, fmt.Errorf("project %s is %s: %w", p.ID, p.Stage, engine.ErrProjectClosed)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.Config.ValidationTimeout()
	}
	correlationKey := "val-" + uuid.New().String()
	externalID := ""
	if t.Send != nil {
		var err error
		externalID, err = t.Send.Send(ctx, transport.Outbound{
			Recipient:      opts.ResourceID,
			Subject:        fmt.Sprintf("Validation request - project %s", opts.ProjectID),
			Body:           opts.Question,
			CorrelationKey: correlationKey,
		})
		if err != nil {
			return domain.ValidationRequest{}, fmt.Errorf("send validation ask: %w", err)
		}
	}
	now := t.now().UTC()
	v := domain.ValidationRequest{
		ID:             uuid.New().String(),
		ProjectID:      opts.ProjectID,
		ResourceID:     opts.ResourceID,
		Question:       opts.Question,
		Status:         domain.ValidationPending,
		Critical:       opts.Critical,
		CorrelationKey: correlationKey,
		SentAt:         now.Format(time.RFC3339),
		TimeoutAt:      now.Add(timeout).Format(time.RFC3339),
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationRequest{}, err
	}
	defer tx.Rollback()

	if err := t.Repo.InsertValidationTx(ctx, tx, v); err != nil {
		return domain.ValidationRequest{}, fmt.Errorf("insert validation: %w", err)
	}
	if externalID != "" {
		inserted, err := t.Repo.InsertMessageTx(ctx, tx, domain.Message{
			ExternalID: externalID,
			ThreadRef:  correlationKey,
			Direction:  domain.DirectionOutbound,
			Sender:     opts.ActorID,
			Subject:    fmt.Sprintf("Validation request - project %s", opts.ProjectID),
			Body:       opts.Question,
			ProjectID:  &opts.ProjectID,
			Processed:  true,
			ReceivedAt: v.SentAt,
		})
		if err != nil {
			return domain.ValidationRequest{}, err
		}
		if !inserted {
			return domain.ValidationRequest{}, fmt.Errorf("transport returned duplicate external id %s", externalID)
		}
	}
	if err := t.Repo.TouchActivityTx(ctx, tx, opts.ProjectID, v.SentAt); err != nil {
		return domain.ValidationRequest{}, err
	}
	if err := t.audit().Append(ctx, tx, "validation.requested", opts.ProjectID, "validation", v.ID, opts.ActorID, audit.Details{
		"resource":   opts.ResourceID,
		"critical":   opts.Critical,
		"timeout_at": v.TimeoutAt,
	}); err != nil {
		return domain.ValidationRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationRequest{}, err
	}
	return v, nil
}

// RecordResponse stores a reply. Only a pending request transitions to
// responded; a reply arriving after timeout or cancellation keeps the status
// it found, records the text, and surfaces as a late-response audit event so
// the decision already taken is not silently reopened.
func (t Tracker) RecordResponse(ctx context.Context, requestID, text, actorID string) (domain.ValidationRequest, error) {
	v, err := t.Repo.GetValidation(ctx, requestID)
	if err != nil {
		return domain.ValidationRequest{}, err
	}
	now := t.now().UTC().Format(time.RFC3339)
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationRequest{}, err
	}
	defer tx.Rollback()

	flipped, err := t.Repo.MarkRespondedTx(ctx, tx, requestID, text, now)
	if err != nil {
		return domain.ValidationRequest{}, err
	}
	if flipped {
		if err := t.Repo.TouchActivityTx(ctx, tx, v.ProjectID, now); err != nil {
			return domain.ValidationRequest{}, err
		}
		if err := t.audit().Append(ctx, tx, "validation.responded", v.ProjectID, "validation", v.ID, actorID, audit.Details{
			"resource": v.ResourceID,
		}); err != nil {
			return domain.ValidationRequest{}, err
		}
	} else {
		if err := t.Repo.RecordLateResponseTx(ctx, tx, requestID, text); err != nil {
			return domain.ValidationRequest{}, err
		}
		if err := t.audit().Append(ctx, tx, "validation.late_response", v.ProjectID, "validation", v.ID, actorID, audit.Details{
			"resource": v.ResourceID,
			"status":   v.Status,
		}); err != nil {
			return domain.ValidationRequest{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationRequest{}, err
	}
	return t.Repo.GetValidation(ctx, requestID)
}

// Aggregate is the poll result the proposal stage reads to decide whether to
// proceed.
type Aggregate struct {
	Requests []domain.ValidationRequest `json:"requests"`
	// AllResolved means every request was actually answered (or cancelled).
	// A timed-out request was never answered, so it keeps AllResolved false
	// even though nothing is waiting on it anymore.
	AllResolved bool `json:"all_resolved"`
	// Proceed applies the bounded-wait policy: nothing left pending, or the
	// proceed window elapsed since the earliest ask of the batch with no
	// critical request still pending.
	Proceed bool `json:"proceed"`
	// Assumed lists resources whose answers were never received and would be
	// assumed if the caller proceeds now.
	Assumed []string `json:"assumed,omitempty"`
}

// Status computes the aggregate state of a project's validation batch.
func (t Tracker) Status(ctx context.Context, projectID string) (Aggregate, error) {
	requests, err := t.Repo.ListValidationsByProject(ctx, projectID)
	if err != nil {
		return Aggregate{}, err
	}
	agg := Aggregate{Requests: requests, AllResolved: true}
	if len(requests) == 0 {
		agg.Proceed = true
		return agg, nil
	}
	var earliest time.Time
	pending := false
	criticalPending := false
	for _, v := range requests {
		sent, err := time.Parse(time.RFC3339, v.SentAt)
		if err != nil {
			return Aggregate{}, fmt.Errorf("sent_at of %s: %w", v.ID, err)
		}
		if earliest.IsZero() || sent.Before(earliest) {
			earliest = sent
		}
		switch v.Status {
		case domain.ValidationPending:
			agg.AllResolved = false
			pending = true
			if v.Critical {
				criticalPending = true
			}
			agg.Assumed = append(agg.Assumed, v.ResourceID)
		case domain.ValidationTimedOut:
			agg.AllResolved = false
			agg.Assumed = append(agg.Assumed, v.ResourceID)
		}
	}
	if !pending {
		// Nothing left to wait for. Proceed still carries the timed-out
		// resources as assumed so the record of what was never confirmed
		// survives into the proposal.
		agg.Proceed = true
		return agg, nil
	}
	elapsed := t.now().UTC().Sub(earliest)
	agg.Proceed = elapsed >= t.Config.ProceedWindow() && !criticalPending
	return agg, nil
}

// ErrNotReady is returned by ProceedWithAssumptions while the bounded-wait
// policy still blocks.
var ErrNotReady = errors.New("validation batch not ready to proceed")

/// ProceedWithAssumptions closes out the batch: unresolved requests are marked
// as assumed in the project's stage data so the proposal carries an explicit
// record of what was never confirmed.
func (t Tracker) ProceedWithAssumptions(ctx context.Context, projectID, actorID string) (Aggregate, error) {
	agg, err := t.Status(ctx, projectID)
	if err != nil {
		return Aggregate{}, err
	}
	if !agg.Proceed {
		return agg, fmt.Errorf("project %s: %w", projectID, ErrNotReady)
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return Aggregate{}, err
	}
	defer tx.Rollback()

	assumed := agg.Assumed
	if assumed == nil {
		assumed = []string{}
	}
	if _, err := t.Repo.MergeStageDataTx(ctx, tx, projectID, map[string]any{
		"assumed_validations": assumed,
	}); err != nil {
		return Aggregate{}, err
	}
	if err := t.audit().Append(ctx, tx, "validation.batch_closed", projectID, "project", projectID, actorID, audit.Details{
		"all_resolved": agg.AllResolved,
		"assumed":      assumed,
	}); err != nil {
		return Aggregate{}, err
	}
	if err := tx.Commit(); err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}

// SweepTimeouts flips every expired pending request to timed_out. Each flip is
// guarded, so a response racing the sweep wins exactly one of the two
// transitions and a repeated sweep is a no-op.
func (t Tracker) SweepTimeouts(ctx context.Context, actorID string) ([]domain.ValidationRequest, error) {
	now := t.now().UTC().Format(time.RFC3339)
	expired, err := t.Repo.ListExpiredPending(ctx, now)
	if err != nil {
		return nil, err
	}
	var timedOut []domain.ValidationRequest
	for _, v := range expired {
		tx, err := t.DB.BeginTx(ctx, nil)
		if err != nil {
			return timedOut, err
		}
		flipped, err := t.Repo.MarkTimedOutTx(ctx, tx, v.ID)
		if err != nil {
			tx.Rollback()
			return timedOut, err
		}
		if !flipped {
			tx.Rollback()
			continue
		}
		if err := t.audit().Append(ctx, tx, "validation.timed_out", v.ProjectID, "validation", v.ID, actorID, audit.Details{
			"resource":   v.ResourceID,
			"critical":   v.Critical,
			"timeout_at": v.TimeoutAt,
		}); err != nil {
			tx.Rollback()
			return timedOut, err
		}
		if err := tx.Commit(); err != nil {
			return timedOut, err
		}
		v.Status = domain.ValidationTimedOut
		timedOut = append(timedOut, v)
	}
	return timedOut, nil
}
