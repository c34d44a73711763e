package server

import (
	"encoding/json"

	"propline/internal/domain"
)

type CreateProjectRequest struct {
	ID            string  `json:"id,omitempty"`
	ClientName    string  `json:"client_name"`
	SalesRepEmail string  `json:"sales_rep_email"`
	RFPContent    string  `json:"rfp_content,omitempty"`
	Deadline      *string `json:"deadline,omitempty" format:"date-time"`
}

type AdvanceStageRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type SuspendStageRequest struct {
	Stage     string `json:"stage"`
	Awaiting  string `json:"awaiting"`
	ResumeTo  string `json:"resume_to,omitempty"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"`
}

type CancelProjectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SetParticipantRequest struct {
	Role       string `json:"role" enum:"sales_rep,lead,client,manager"`
	Identifier string `json:"identifier"`
}

type MergeStageDataRequest struct {
	Updates map[string]any `json:"updates"`
}

type DecisionResponse struct {
	Action       string `json:"action"`
	Applied      bool   `json:"applied"`
	ValidationID string `json:"validation_id,omitempty"`
}

type RequestValidationRequest struct {
	ResourceID   string `json:"resource_id"`
	Question     string `json:"question"`
	Critical     bool   `json:"critical,omitempty"`
	TimeoutHours int    `json:"timeout_hours,omitempty"`
}

type RespondValidationRequest struct {
	Text string `json:"text"`
}

type InboundMessageRequest struct {
	ExternalID string `json:"external_id"`
	ThreadRef  string `json:"thread_ref,omitempty"`
	Sender     string `json:"sender,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	ReceivedAt string `json:"received_at,omitempty" format:"date-time"`
}

type AuditEntryResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Action     string          `json:"action"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Actor      string          `json:"actor"`
	Details    json.RawMessage `json:"details"`
}

func auditResponse(e domain.AuditEntry) AuditEntryResponse {
	details := json.RawMessage("{}")
	if e.Details != "" && json.Valid([]byte(e.Details)) {
		details = json.RawMessage(e.Details)
	}
	return AuditEntryResponse{
		ID:         e.ID,
		TS:         e.TS,
		Action:     e.Action,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Actor:      e.Actor,
		Details:    details,
	}
}

func mapAudit(items []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, auditResponse(e))
	}
	return out
}
