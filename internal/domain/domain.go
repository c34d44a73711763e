package domain

// Stage names for the proposal lifecycle.
const (
	StageIntake       = "intake"
	StageBrief        = "brief"
	StageBriefDone    = "brief_done"
	StageProposal     = "proposal"
	StageProposalDone = "proposal_done"
	StageDrafting     = "drafting"
	StageSubmitted    = "submitted"
	StageWon          = "won"
	StageLost         = "lost"
	StageAbandoned    = "abandoned"
)

// Continuation statuses.
const (
	ContinuationLive      = "live"
	ContinuationConsumed  = "consumed"
	ContinuationCancelled = "cancelled"
)

// Validation request statuses. Transitions out of pending are one-way.
const (
	ValidationPending   = "pending"
	ValidationResponded = "responded"
	ValidationTimedOut  = "timed_out"
	ValidationCancelled = "cancelled"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Participant roles used across the lifecycle.
const (
	RoleSalesRep = "sales_rep"
	RoleLead     = "lead"
	RoleClient   = "client"
	RoleManager  = "manager"
)

type Project struct {
	ID             string            `json:"id"`
	ClientName     string            `json:"client_name"`
	Stage          string            `json:"stage" enum:"intake,brief,brief_done,proposal,proposal_done,drafting,submitted,won,lost,abandoned"`
	Participants   map[string]string `json:"participants"`
	StageData      map[string]any    `json:"stage_data"`
	Deadline       *string           `json:"deadline,omitempty" format:"date-time"`
	LastActivityAt string            `json:"last_activity_at" format:"date-time"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
}

// Continuation records what external event a suspended stage is waiting for.
// ResumeTo is the stage the project moves to when the awaited reply arrives;
// it equals Stage for clarification loops.
type Continuation struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Stage          string  `json:"stage"`
	Awaiting       string  `json:"awaiting"`
	CorrelationKey string  `json:"correlation_key"`
	ResumeTo       string  `json:"resume_to"`
	Round          int     `json:"round"`
	Status         string  `json:"status" enum:"live,consumed,cancelled"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ConsumedAt     *string `json:"consumed_at,omitempty" format:"date-time"`
}

type ValidationRequest struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	ResourceID     string  `json:"resource_id"`
	Question       string  `json:"question"`
	Status         string  `json:"status" enum:"pending,responded,timed_out,cancelled"`
	Critical       bool    `json:"critical"`
	CorrelationKey string  `json:"correlation_key"`
	ResponseText   *string `json:"response_text,omitempty"`
	SentAt         string  `json:"sent_at" format:"date-time"`
	RespondedAt    *string `json:"responded_at,omitempty" format:"date-time"`
	TimeoutAt      string  `json:"timeout_at" format:"date-time"`
}

// Message is one tracked external message, either direction. ExternalID is
// globally unique so re-ingesting the same message is a no-op.
type Message struct {
	ExternalID     string  `json:"external_id"`
	ThreadRef      string  `json:"thread_ref,omitempty"`
	Direction      string  `json:"direction" enum:"inbound,outbound"`
	Sender         string  `json:"sender,omitempty"`
	Subject        string  `json:"subject,omitempty"`
	Body           string  `json:"body,omitempty"`
	Classification *string `json:"classification,omitempty"`
	ProjectID      *string `json:"project_id,omitempty"`
	Processed      bool    `json:"processed"`
	ReceivedAt     string  `json:"received_at" format:"date-time"`
}

// SweepState is one row per periodic job, guarding against overlapping runs.
type SweepState struct {
	Name        string  `json:"name"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type AuditEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Action     string `json:"action"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Details    string `json:"details_json"`
}

// Terminal reports whether a stage ends the lifecycle.
func Terminal(stage string) bool {
	switch stage {
	case StageWon, StageLost, StageAbandoned:
		return true
	}
	return false
}
