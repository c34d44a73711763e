// Package notify delivers sweep and escalation events to humans. The sweep
// loop produces Events; where they land (log, webhook, several at once) is a
// deployment concern behind the Notifier interface.
package notify

import (
	"context"
	"time"
)

// EventType names what happened.
type EventType string

const (
	EventReminder         EventType = "reminder"
	EventEscalation       EventType = "escalation"
	EventDeadlineAlert    EventType = "deadline_alert"
	EventAbandonSuggested EventType = "abandon_suggested"
	EventFollowup         EventType = "followup"
	EventValidationLapsed EventType = "validation_lapsed"
)

const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Event describes one actionable observation about a project.
type Event struct {
	Type       EventType      `json:"type"`
	ProjectID  string         `json:"project_id"`
	Stage      string         `json:"stage,omitempty"`
	Recipient  string         `json:"recipient,omitempty"`
	Message    string         `json:"message"`
	Severity   string         `json:"severity"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Notifier delivers events. Implementations log failures rather than
// crashing; the sweep records its work durably before notifying, so a lost
// delivery is at most a repeated one on the next pass.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
