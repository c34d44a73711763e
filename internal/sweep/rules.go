package sweep

import (
	"fmt"
	"time"

	"propline/internal/config"
	"propline/internal/domain"
	"propline/internal/notify"
)

// Rules are the staleness thresholds, resolved from config once per project.
type Rules struct {
	Remind         time.Duration
	Escalate       time.Duration
	AbandonSuggest time.Duration
	Followup       time.Duration
	DeadlineAlert  time.Duration
}

func RulesFrom(cfg *config.Config) Rules {
	day := 24 * time.Hour
	return Rules{
		Remind:         time.Duration(cfg.Sweep.RemindAfterDays) * day,
		Escalate:       time.Duration(cfg.Sweep.EscalateAfterDays) * day,
		AbandonSuggest: time.Duration(cfg.Sweep.AbandonAfterDays) * day,
		Followup:       time.Duration(cfg.Sweep.FollowupAfterDays) * day,
		DeadlineAlert:  time.Duration(cfg.Sweep.DeadlineAlertDays) * day,
	}
}

// Action is one observation the sweep wants to surface.
type Action struct {
	Type      notify.EventType
	ProjectID string
	Stage     string
	Recipient string
	Severity  string
	Message   string
	Metadata  map[string]any
}

// Evaluate derives the actions for one project. Pure function of its inputs,
// which keeps the staleness rules testable without a clock or a database.
//
// Staleness tiers are exclusive: a project idle past the escalation threshold
// gets the escalation, not the reminder too. The deadline alert is
// independent of idleness.
func Evaluate(p domain.Project, now time.Time, rules Rules) []Action {
	if domain.Terminal(p.Stage) {
		return nil
	}
	var actions []Action
	idle := time.Duration(0)
	if last, err := time.Parse(time.RFC3339, p.LastActivityAt); err == nil {
		idle = now.Sub(last)
	}

	if p.Stage == domain.StageSubmitted {
		if idle >= rules.Followup {
			actions = append(actions, Action{
				Type:      notify.EventFollowup,
				ProjectID: p.ID,
				Stage:     p.Stage,
				Recipient: p.Participants[domain.RoleSalesRep],
				Severity:  notify.SeverityInfo,
				Message:   fmt.Sprintf("proposal for %s submitted %d days ago with no outcome, follow up with the client", p.ClientName, int(idle.Hours()/24)),
				Metadata:  map[string]any{"idle_days": int(idle.Hours() / 24)},
			})
		}
		return actions
	}

	switch {
	case idle >= rules.AbandonSuggest:
		actions = append(actions, Action{
			Type:      notify.EventAbandonSuggested,
			ProjectID: p.ID,
			Stage:     p.Stage,
			Recipient: p.Participants[domain.RoleSalesRep],
			Severity:  notify.SeverityWarning,
			Message:   fmt.Sprintf("project for %s idle %d days in %s, consider abandoning", p.ClientName, int(idle.Hours()/24), p.Stage),
			Metadata:  map[string]any{"idle_days": int(idle.Hours() / 24)},
		})
	case idle >= rules.Escalate:
		actions = append(actions, Action{
			Type:      notify.EventEscalation,
			ProjectID: p.ID,
			Stage:     p.Stage,
			Severity:  notify.SeverityWarning,
			Message:   fmt.Sprintf("project for %s stalled %d days in %s", p.ClientName, int(idle.Hours()/24), p.Stage),
			Metadata:  map[string]any{"idle_days": int(idle.Hours() / 24)},
		})
	case idle >= rules.Remind:
		actions = append(actions, Action{
			Type:      notify.EventReminder,
			ProjectID: p.ID,
			Stage:     p.Stage,
			Recipient: p.Participants[domain.RoleSalesRep],
			Severity:  notify.SeverityInfo,
			Message:   fmt.Sprintf("project for %s has been quiet %d days in %s", p.ClientName, int(idle.Hours()/24), p.Stage),
			Metadata:  map[string]any{"idle_days": int(idle.Hours() / 24)},
		})
	}

	if p.Deadline != nil {
		if deadline, err := time.Parse(time.RFC3339, *p.Deadline); err == nil {
			until := deadline.Sub(now)
			if until > 0 && until <= rules.DeadlineAlert {
				actions = append(actions, Action{
					Type:      notify.EventDeadlineAlert,
					ProjectID: p.ID,
					Stage:     p.Stage,
					Recipient: p.Participants[domain.RoleSalesRep],
					Severity:  notify.SeverityWarning,
					Message:   fmt.Sprintf("submission deadline for %s in %d days, project still in %s", p.ClientName, int(until.Hours()/24), p.Stage),
					Metadata:  map[string]any{"deadline": *p.Deadline},
				})
			}
		}
	}
	return actions
}
