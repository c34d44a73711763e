package engine

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
	"propline/internal/repo"
	"propline/internal/transport"
)

// Engine owns the project lifecycle: stage transitions, suspension on
// external replies, and cancellation. Every mutation is one transaction with
// an audit entry.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Send   transport.Sender
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, send transport.Sender) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Send:   send,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// audit returns the writer with the engine's clock so entry timestamps follow
// an overridden Now.
func (e Engine) audit() audit.Writer {
	w := e.Audit
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// allowedTransition defines the lifecycle edges. Any non-terminal stage may
// move to abandoned; submitted resolves to won or lost; everything else is
// the linear chain.
func allowedTransition(from, to string) bool {
	if to == domain.StageAbandoned {
		return !domain.Terminal(from)
	}
	switch from {
	case domain.StageIntake:
		return to == domain.StageBrief
	case domain.StageBrief:
		return to == domain.StageBriefDone
	case domain.StageBriefDone:
		return to == domain.StageProposal
	case domain.StageProposal:
		return to == domain.StageProposalDone
	case domain.StageProposalDone:
		return to == domain.StageDrafting
	case domain.StageDrafting:
		return to == domain.StageSubmitted
	case domain.StageSubmitted:
		return to == domain.StageWon || to == domain.StageLost
	}
	return false
}

type ProjectCreateOptions struct {
	ID            string
	ClientName    string
	SalesRepEmail string
	RFPContent    string
	Deadline      string
	ActorID       string
}

// CreateProject opens a new project at the intake stage.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.ClientName == "" {
		return domain.Project{}, errors.New("client name is required")
	}
	if opts.SalesRepEmail == "" {
		return domain.Project{}, errors.New("sales rep email is required")
	}
	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ClientName+"|"+opts.SalesRepEmail+"|"+now)).String()
	}
	p := domain.Project{
		ID:             id,
		ClientName:     opts.ClientName,
		Stage:          domain.StageIntake,
		Participants:   map[string]string{domain.RoleSalesRep: opts.SalesRepEmail},
		StageData:      map[string]any{},
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.RFPContent != "" {
		p.StageData["rfp_content"] = opts.RFPContent
	}
	if opts.Deadline != "" {
		if _, err := time.Parse(time.RFC3339, opts.Deadline); err != nil {
			return domain.Project{}, fmt.Errorf("deadline: %w", err)
		}
		p.Deadline = &opts.Deadline
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.audit().Append(ctx, tx, "project.created", p.ID, "project", p.ID, opts.ActorID, audit.Details{
		"client": p.ClientName,
		"stage":  p.Stage,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// AdvanceStage moves a project along one lifecycle edge. The write is a
// compare-and-set guarded by the expected prior stage; a guard miss returns
// StaleTransitionError so concurrent events never overwrite each other.
func (e Engine) AdvanceStage(ctx context.Context, projectID, from, to, actorID string) (domain.Project, error) {
	if !allowedTransition(from, to) {
		return domain.Project{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.advanceStageTx(ctx, tx, projectID, from, to, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) advanceStageTx(ctx context.Context, tx *sql.Tx, projectID, from, to, actorID string) (domain.Project, error) {
	ok, err := e.Repo.CompareAndSetStageTx(ctx, tx, projectID, from, to, e.nowStr())
	if err != nil {
		return domain.Project{}, err
	}
	if !ok {
		actual, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return domain.Project{}, err
		}
		return domain.Project{}, &StaleTransitionError{ProjectID: projectID, Expected: from, Actual: actual.Stage}
	}
	// Leaving a stage invalidates whatever reply it was waiting on. Without
	// this a reply to the departed stage would resume against a stale guard
	// on every reprocess attempt.
	if err := e.Repo.CancelLiveContinuationTx(ctx, tx, projectID, from); err != nil {
		return domain.Project{}, err
	}
	if err := e.audit().Append(ctx, tx, "stage.advanced", projectID, "project", projectID, actorID, audit.Details{
		"from": from,
		"to":   to,
	}); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProjectTx(ctx, tx, projectID)
}

type SuspendOptions struct {
	ProjectID string
	Stage     string
	Awaiting  string
	// ResumeTo is the stage entered when the awaited reply arrives. Empty
	// means a clarification loop: resume back into the same stage.
	ResumeTo  string
	Recipient string
	Subject   string
	Body      string
	ActorID   string
}

// Suspend parks a stage until an external reply arrives. It sends the
// outbound ask through the transport, records the send, and persists a
// continuation keyed by the send's correlation key. No goroutine blocks;
// resumption happens when the correlated reply is ingested.
//
// Re-suspending a stage that already holds a live continuation is a
// clarification round: the old continuation is cancelled and a fresh one
// issued, bounded by the configured max round count.
func (e Engine) Suspend(ctx context.Context, opts SuspendOptions) (domain.Continuation, error) {
	if e.Config == nil {
		return domain.Continuation{}, errors.New("config not loaded")
	}
	if opts.Awaiting == "" {
		return domain.Continuation{}, errors.New("awaiting kind is required")
	}
	resumeTo := opts.ResumeTo
	if resumeTo == "" {
		resumeTo = opts.Stage
	}
	if resumeTo != opts.Stage && !allowedTransition(opts.Stage, resumeTo) {
		return domain.Continuation{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, opts.Stage, resumeTo)
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Continuation{}, err
	}
	if p.Stage != opts.Stage {
		return domain.Continuation{}, &StaleTransitionError{ProjectID: opts.ProjectID, Expected: opts.Stage, Actual: p.Stage}
	}
	// Check the clarification bound before anything leaves the transport. An
	// over-limit stage escalates without emailing the contact yet again.
	prior, err := e.Repo.LastRound(ctx, opts.ProjectID, opts.Stage)
	if err != nil {
		return domain.Continuation{}, err
	}
	if prior+1 > e.Config.Workflow.MaxClarificationRounds {
		return domain.Continuation{}, e.escalate(ctx, opts, prior+1)
	}

	correlationKey := "thr-" + uuid.New().String()
	externalID := ""
	if e.Send != nil && opts.Recipient != "" {
		externalID, err = e.Send.Send(ctx, transport.Outbound{
			Recipient:      opts.Recipient,
			Subject:        opts.Subject,
			Body:           opts.Body,
			CorrelationKey: correlationKey,
		})
		if err != nil {
			return domain.Continuation{}, fmt.Errorf("send suspend ask: %w", err)
		}
	}

	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Continuation{}, err
	}
	defer tx.Rollback()

	// Recheck inside the transaction; a concurrent suspend may have taken
	// the last round between the pre-send check and here.
	round, err := e.Repo.LastRoundTx(ctx, tx, opts.ProjectID, opts.Stage)
	if err != nil {
		return domain.Continuation{}, err
	}
	round++
	if round > e.Config.Workflow.MaxClarificationRounds {
		if err := e.audit().Append(ctx, tx, "stage.escalated", opts.ProjectID, "project", opts.ProjectID, opts.ActorID, audit.Details{
			"stage":  opts.Stage,
			"reason": "max clarification rounds exceeded",
			"round":  round,
		}); err != nil {
			return domain.Continuation{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Continuation{}, err
		}
		return domain.Continuation{}, fmt.Errorf("stage %s round %d: %w", opts.Stage, round, ErrMaxClarificationRounds)
	}
	if err := e.Repo.CancelLiveContinuationTx(ctx, tx, opts.ProjectID, opts.Stage); err != nil {
		return domain.Continuation{}, err
	}
	c := domain.Continuation{
		ID:             uuid.New().String(),
		ProjectID:      opts.ProjectID,
		Stage:          opts.Stage,
		Awaiting:       opts.Awaiting,
		CorrelationKey: correlationKey,
		ResumeTo:       resumeTo,
		Round:          round,
		Status:         domain.ContinuationLive,
		CreatedAt:      now,
	}
	if err := e.Repo.InsertContinuationTx(ctx, tx, c); err != nil {
		return domain.Continuation{}, fmt.Errorf("insert continuation: %w", err)
	}
	if externalID != "" {
		inserted, err := e.Repo.InsertMessageTx(ctx, tx, domain.Message{
			ExternalID: externalID,
			ThreadRef:  correlationKey,
			Direction:  domain.DirectionOutbound,
			Sender:     opts.ActorID,
			Subject:    opts.Subject,
			Body:       opts.Body,
			ProjectID:  &opts.ProjectID,
			Processed:  true,
			ReceivedAt: now,
		})
		if err != nil {
			return domain.Continuation{}, err
		}
		if !inserted {
			return domain.Continuation{}, fmt.Errorf("transport returned duplicate external id %s", externalID)
		}
	}
	if err := e.Repo.TouchActivityTx(ctx, tx, opts.ProjectID, now); err != nil {
		return domain.Continuation{}, err
	}
	if err := e.audit().Append(ctx, tx, "stage.suspended", opts.ProjectID, "continuation", c.ID, opts.ActorID, audit.Details{
		"stage":    opts.Stage,
		"awaiting": opts.Awaiting,
		"round":    round,
	}); err != nil {
		return domain.Continuation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Continuation{}, err
	}
	return c, nil
}

// escalate records that a stage hit its clarification bound and surfaces
// ErrMaxClarificationRounds. Nothing is sent; a human picks the project up.
func (e Engine) escalate(ctx context.Context, opts SuspendOptions, round int) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.audit().Append(ctx, tx, "stage.escalated", opts.ProjectID, "project", opts.ProjectID, opts.ActorID, audit.Details{
		"stage":  opts.Stage,
		"reason": "max clarification rounds exceeded",
		"round":  round,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return fmt.Errorf("stage %s round %d: %w", opts.Stage, round, ErrMaxClarificationRounds)
}

// Resume consumes a live continuation and moves the project to the
// continuation's resume stage. A continuation that is no longer live is a
// duplicate or late reply and yields ErrContinuationNotLive; the caller
// discards the event.
func (e Engine) Resume(ctx context.Context, continuationID, replyExternalID, actorID string) (domain.Project, error) {
	c, err := e.Repo.GetContinuation(ctx, continuationID)
	if err != nil {
		return domain.Project{}, err
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	consumed, err := e.Repo.ConsumeContinuationTx(ctx, tx, c.ID, now)
	if err != nil {
		return domain.Project{}, err
	}
	if !consumed {
		return domain.Project{}, fmt.Errorf("continuation %s: %w", c.ID, ErrContinuationNotLive)
	}
	if _, err := e.Repo.MergeStageDataTx(ctx, tx, c.ProjectID, map[string]any{
		"reply_" + c.Awaiting: replyExternalID,
	}); err != nil {
		return domain.Project{}, err
	}
	var p domain.Project
	if c.ResumeTo != c.Stage {
		p, err = e.advanceStageTx(ctx, tx, c.ProjectID, c.Stage, c.ResumeTo, actorID)
		if err != nil {
			return domain.Project{}, err
		}
	} else {
		if err := e.Repo.TouchActivityTx(ctx, tx, c.ProjectID, now); err != nil {
			return domain.Project{}, err
		}
		p, err = e.Repo.GetProjectTx(ctx, tx, c.ProjectID)
		if err != nil {
			return domain.Project{}, err
		}
	}
	if err := e.audit().Append(ctx, tx, "stage.resumed", c.ProjectID, "continuation", c.ID, actorID, audit.Details{
		"stage":    c.Stage,
		"awaiting": c.Awaiting,
		"reply":    replyExternalID,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// MergeStageData adds accumulated artifacts to the project's open payload.
func (e Engine) MergeStageData(ctx context.Context, projectID string, updates map[string]any, actorID string) (map[string]any, error) {
	if len(updates) == 0 {
		return nil, errors.New("no updates given")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	merged, err := e.Repo.MergeStageDataTx(ctx, tx, projectID, updates)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.TouchActivityTx(ctx, tx, projectID, e.nowStr()); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	if err := e.audit().Append(ctx, tx, "project.data_merged", projectID, "project", projectID, actorID, audit.Details{
		"keys": keys,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return merged, nil
}

// SetParticipant binds a role to an external identifier, last write wins.
func (e Engine) SetParticipant(ctx context.Context, projectID, role, identifier, actorID string) error {
	if role == "" || identifier == "" {
		return errors.New("role and identifier are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetParticipantTx(ctx, tx, projectID, role, identifier); err != nil {
		return err
	}
	if err := e.audit().Append(ctx, tx, "project.participant_set", projectID, "project", projectID, actorID, audit.Details{
		"role":       role,
		"identifier": identifier,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelProject abandons a project and invalidates all of its outstanding
// continuations and pending validations in the same transaction, so late
// replies can never reopen closed work.
func (e Engine) CancelProject(ctx context.Context, projectID, reason, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if domain.Terminal(p.Stage) {
		return domain.Project{}, fmt.Errorf("project %s: %w", projectID, ErrProjectClosed)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CompareAndSetStageTx(ctx, tx, projectID, p.Stage, domain.StageAbandoned, e.nowStr())
	if err != nil {
		return domain.Project{}, err
	}
	if !ok {
		actual, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return domain.Project{}, err
		}
		return domain.Project{}, &StaleTransitionError{ProjectID: projectID, Expected: p.Stage, Actual: actual.Stage}
	}
	continuations, err := e.Repo.CancelLiveContinuationsTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	validations, err := e.Repo.CancelPendingValidationsTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.audit().Append(ctx, tx, "project.abandoned", projectID, "project", projectID, actorID, audit.Details{
		"reason":                  reason,
		"from":                    p.Stage,
		"cancelled_continuations": continuations,
		"cancelled_validations":   validations,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, projectID)
}
