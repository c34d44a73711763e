// Package correlate routes inbound messages to the work that is waiting for
// them. Delivery channels retry, so ingest must be idempotent: the message's
// external id is the dedup key, and a redelivered message resolves to a
// duplicate without re-running any side effect.
package correlate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"propline/internal/audit"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/repo"
	"propline/internal/tracker"
)

// Resolution kinds.
const (
	KindContinuation = "continuation"
	KindValidation   = "validation"
	KindProject      = "project"
	KindUnclassified = "unclassified"
	KindDuplicate    = "duplicate"
)

// Resolution reports what an inbound message matched and what was done with
// it.
type Resolution struct {
	Kind           string `json:"kind"`
	ProjectID      string `json:"project_id,omitempty"`
	ContinuationID string `json:"continuation_id,omitempty"`
	ValidationID   string `json:"validation_id,omitempty"`
	// Note explains an imperfect match, such as a reply that arrived after
	// its continuation was already consumed.
	Note string `json:"note,omitempty"`
}

// Inbound is a message as the delivery channel hands it over.
type Inbound struct {
	ExternalID string
	// ThreadRef is the correlation key echoed back by the channel, when the
	// reply kept the thread.
	ThreadRef string
	Sender    string
	Subject   string
	Body      string
	// ProjectID is an explicit routing hint for messages that broke the
	// thread, typically set by an operator or a channel-side rule.
	ProjectID  string
	ReceivedAt time.Time
}

// Index resolves inbound messages against live continuations and pending
// validation requests.
type Index struct {
	DB      *sql.DB
	Repo    repo.Repo
	Engine  engine.Engine
	Tracker tracker.Tracker
	Now     func() time.Time
}

func New(eng engine.Engine, trk tracker.Tracker) Index {
	return Index{
		DB:      eng.DB,
		Repo:    eng.Repo,
		Engine:  eng,
		Tracker: trk,
		Now:     time.Now,
	}
}

func (x Index) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

func (x Index) audit() audit.Writer {
	w := x.Engine.Audit
	if w.Now == nil {
		w.Now = x.Now
	}
	return w
}

// Ingest stores the message and routes it. Storage and routing are separate
// transactions on purpose: a crash between the two leaves the message
// recorded but unprocessed, and Reprocess picks it up later. Processing a
// message twice is prevented by the processed flag, not by the caller.
func (x Index) Ingest(ctx context.Context, in Inbound) (Resolution, error) {
	if in.ExternalID == "" {
		return Resolution{}, errors.New("external id is required")
	}
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = x.now()
	}
	m := domain.Message{
		ExternalID: in.ExternalID,
		ThreadRef:  in.ThreadRef,
		Direction:  domain.DirectionInbound,
		Sender:     in.Sender,
		Subject:    in.Subject,
		Body:       in.Body,
		ReceivedAt: receivedAt.UTC().Format(time.RFC3339),
	}
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return Resolution{}, err
	}
	inserted, err := x.Repo.InsertMessageTx(ctx, tx, m)
	if err != nil {
		tx.Rollback()
		return Resolution{}, err
	}
	if err := tx.Commit(); err != nil {
		return Resolution{}, err
	}
	if !inserted {
		prev, err := x.Repo.GetMessage(ctx, in.ExternalID)
		if err != nil {
			return Resolution{}, err
		}
		res := Resolution{Kind: KindDuplicate}
		if prev.ProjectID != nil {
			res.ProjectID = *prev.ProjectID
		}
		return res, nil
	}
	return x.resolve(ctx, in)
}

// Reprocess retries routing for every stored message that never got
// classified. Used after a crash, and by the sweep.
func (x Index) Reprocess(ctx context.Context) ([]Resolution, error) {
	pending, err := x.Repo.ListUnclassified(ctx)
	if err != nil {
		return nil, err
	}
	var out []Resolution
	for _, m := range pending {
		in := Inbound{
			ExternalID: m.ExternalID,
			ThreadRef:  m.ThreadRef,
			Sender:     m.Sender,
			Subject:    m.Subject,
			Body:       m.Body,
		}
		if m.ProjectID != nil {
			in.ProjectID = *m.ProjectID
		}
		res, err := x.resolve(ctx, in)
		if err != nil {
			return out, fmt.Errorf("reprocess %s: %w", m.ExternalID, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (x Index) resolve(ctx context.Context, in Inbound) (Resolution, error) {
	// The thread reference is the strongest signal: it was minted by us when
	// the outbound ask went out.
	if in.ThreadRef != "" {
		if res, matched, err := x.resolveByThread(ctx, in); err != nil || matched {
			return res, err
		}
	}
	if in.ProjectID != "" {
		return x.attachToProject(ctx, in)
	}
	return x.markUnclassified(ctx, in)
}

func (x Index) resolveByThread(ctx context.Context, in Inbound) (Resolution, bool, error) {
	cont, err := x.Repo.LiveContinuationByKey(ctx, in.ThreadRef)
	switch {
	case err == nil:
		if _, err := x.Engine.Resume(ctx, cont.ID, in.ExternalID, in.Sender); err != nil {
			switch {
			case errors.Is(err, engine.ErrContinuationNotLive):
				// Lost the race with another reply on the same thread.
				res, aerr := x.markUnclassified(ctx, in)
				res.Note = "continuation already consumed"
				return res, true, aerr
			case errors.Is(err, engine.ErrStaleTransition):
				// The project moved on while the reply was in flight. Retire
				// the continuation so the message does not jam reprocessing.
				if cerr := x.cancelContinuation(ctx, cont.ProjectID, cont.Stage, in.Sender); cerr != nil {
					return Resolution{}, true, cerr
				}
				res, aerr := x.markUnclassified(ctx, in)
				res.Note = "project stage moved past the awaited reply"
				return res, true, aerr
			}
			return Resolution{}, true, err
		}
		if err := x.finishMessage(ctx, in.ExternalID, KindContinuation, cont.ProjectID); err != nil {
			return Resolution{}, true, err
		}
		return Resolution{Kind: KindContinuation, ProjectID: cont.ProjectID, ContinuationID: cont.ID}, true, nil
	case !errors.Is(err, repo.ErrNotFound):
		return Resolution{}, true, err
	}

	v, err := x.Repo.ValidationByKey(ctx, in.ThreadRef)
	switch {
	case err == nil:
		updated, err := x.Tracker.RecordResponse(ctx, v.ID, in.Body, in.Sender)
		if err != nil {
			return Resolution{}, true, err
		}
		if err := x.finishMessage(ctx, in.ExternalID, KindValidation, v.ProjectID); err != nil {
			return Resolution{}, true, err
		}
		res := Resolution{Kind: KindValidation, ProjectID: v.ProjectID, ValidationID: v.ID}
		if updated.Status != domain.ValidationResponded {
			res.Note = "late response, request was " + updated.Status
		}
		return res, true, nil
	case !errors.Is(err, repo.ErrNotFound):
		return Resolution{}, true, err
	}
	return Resolution{}, false, nil
}

func (x Index) attachToProject(ctx context.Context, in Inbound) (Resolution, error) {
	if _, err := x.Repo.GetProject(ctx, in.ProjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			res, aerr := x.markUnclassified(ctx, in)
			res.Note = "hinted project not found"
			return res, aerr
		}
		return Resolution{}, err
	}
	now := x.now().UTC().Format(time.RFC3339)
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return Resolution{}, err
	}
	defer tx.Rollback()

	if err := x.Repo.MarkProcessedTx(ctx, tx, in.ExternalID, KindProject, in.ProjectID); err != nil {
		return Resolution{}, err
	}
	if err := x.Repo.TouchActivityTx(ctx, tx, in.ProjectID, now); err != nil {
		return Resolution{}, err
	}
	if err := x.audit().Append(ctx, tx, "message.attached", in.ProjectID, "message", in.ExternalID, in.Sender, nil); err != nil {
		return Resolution{}, err
	}
	if err := tx.Commit(); err != nil {
		return Resolution{}, err
	}
	return Resolution{Kind: KindProject, ProjectID: in.ProjectID}, nil
}

func (x Index) cancelContinuation(ctx context.Context, projectID, stage, actorID string) error {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := x.Repo.CancelLiveContinuationTx(ctx, tx, projectID, stage); err != nil {
		return err
	}
	if err := x.audit().Append(ctx, tx, "continuation.retired", projectID, "project", projectID, actorID, audit.Details{
		"stage":  stage,
		"reason": "stage moved past the awaited reply",
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (x Index) markUnclassified(ctx context.Context, in Inbound) (Resolution, error) {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return Resolution{}, err
	}
	defer tx.Rollback()

	if err := x.Repo.MarkProcessedTx(ctx, tx, in.ExternalID, KindUnclassified, ""); err != nil {
		return Resolution{}, err
	}
	if err := tx.Commit(); err != nil {
		return Resolution{}, err
	}
	return Resolution{Kind: KindUnclassified}, nil
}

func (x Index) finishMessage(ctx context.Context, externalID, classification, projectID string) error {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := x.Repo.MarkProcessedTx(ctx, tx, externalID, classification, projectID); err != nil {
		return err
	}
	return tx.Commit()
}
