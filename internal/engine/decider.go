package engine

import (
	"context"

	"propline/internal/audit"
	"propline/internal/domain"
)

// Decision actions.
const (
	DecisionNone              = "none"
	DecisionAdvance           = "advance"
	DecisionAsk               = "ask"
	DecisionRequestValidation = "request_validation"
	DecisionEscalate          = "escalate"
)

// Decision is the output of the reasoning capability. The core records and
// schedules it; how it was produced is outside this module.
type Decision struct {
	Action    string `json:"action" enum:"none,advance,ask,request_validation,escalate"`
	ToStage   string `json:"to_stage,omitempty"`
	Awaiting  string `json:"awaiting,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Question  string `json:"question,omitempty"`
	Critical  bool   `json:"critical,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// DecisionContext is what the capability sees when deciding.
type DecisionContext struct {
	Project     domain.Project
	Validations []domain.ValidationRequest
	Trigger     string
}

type Decider interface {
	Decide(ctx context.Context, dc DecisionContext) (Decision, error)
}

// ScriptedDecider replays a fixed list of decisions, one per call. It stands
// in for the reasoning capability in tests and dry runs.
type ScriptedDecider struct {
	Decisions []Decision
	next      int
}

func (s *ScriptedDecider) Decide(_ context.Context, _ DecisionContext) (Decision, error) {
	if s.next >= len(s.Decisions) {
		return Decision{Action: DecisionNone}, nil
	}
	d := s.Decisions[s.next]
	s.next++
	return d, nil
}

// ApplyDecision executes the stage-machine part of a decision: advancing,
// suspending on a question, or recording an escalation. Validation requests
// belong to the tracker and report false so the caller routes them there.
func (e Engine) ApplyDecision(ctx context.Context, projectID string, d Decision, actorID string) (bool, error) {
	switch d.Action {
	case DecisionAdvance:
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return false, err
		}
		_, err = e.AdvanceStage(ctx, projectID, p.Stage, d.ToStage, actorID)
		return err == nil, err
	case DecisionAsk:
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return false, err
		}
		_, err = e.Suspend(ctx, SuspendOptions{
			ProjectID: projectID,
			Stage:     p.Stage,
			Awaiting:  d.Awaiting,
			ResumeTo:  d.ToStage,
			Recipient: d.Recipient,
			Subject:   d.Subject,
			Body:      d.Body,
			ActorID:   actorID,
		})
		return err == nil, err
	case DecisionEscalate:
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
		if err := e.audit().Append(ctx, tx, "stage.escalated", projectID, "project", projectID, actorID, audit.Details{
			"reason": d.Reason,
		}); err != nil {
			return false, err
		}
		return true, tx.Commit()
	case DecisionNone, "":
		return true, nil
	}
	return false, nil
}
