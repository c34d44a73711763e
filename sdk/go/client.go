package proplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Propline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID             string            `json:"id"`
	ClientName     string            `json:"client_name"`
	Stage          string            `json:"stage"`
	Participants   map[string]string `json:"participants"`
	StageData      map[string]any    `json:"stage_data"`
	Deadline       *string           `json:"deadline,omitempty"`
	LastActivityAt string            `json:"last_activity_at"`
}

// Continuation represents a suspended stage awaiting a reply.
type Continuation struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Stage          string `json:"stage"`
	Awaiting       string `json:"awaiting"`
	CorrelationKey string `json:"correlation_key"`
	ResumeTo       string `json:"resume_to"`
	Round          int    `json:"round"`
	Status         string `json:"status"`
}

// Validation represents a resource validation request.
type Validation struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	ResourceID   string  `json:"resource_id"`
	Question     string  `json:"question"`
	Status       string  `json:"status"`
	Critical     bool    `json:"critical"`
	ResponseText *string `json:"response_text,omitempty"`
	TimeoutAt    string  `json:"timeout_at"`
}

// ValidationStatus is the batch aggregate.
type ValidationStatus struct {
	Requests    []Validation `json:"requests"`
	AllResolved bool         `json:"all_resolved"`
	Proceed     bool         `json:"proceed"`
	Assumed     []string     `json:"assumed,omitempty"`
}

// Resolution reports how an ingested message was routed.
type Resolution struct {
	Kind           string `json:"kind"`
	ProjectID      string `json:"project_id,omitempty"`
	ContinuationID string `json:"continuation_id,omitempty"`
	ValidationID   string `json:"validation_id,omitempty"`
	Note           string `json:"note,omitempty"`
}

// AuditEntry is one log entry.
type AuditEntry struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Action     string         `json:"action"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Actor      string         `json:"actor"`
	Details    map[string]any `json:"details"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject opens a project at intake.
func (c *Client) CreateProject(ctx context.Context, clientName, salesRepEmail, rfpContent string) (Project, error) {
	body := map[string]any{
		"client_name":     clientName,
		"sales_rep_email": salesRepEmail,
		"rfp_content":     rfpContent,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// GetProject fetches the client's project.
func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// Advance moves the project stage with a compare-and-set guard.
func (c *Client) Advance(ctx context.Context, from, to string) (Project, error) {
	body := map[string]any{"from": from, "to": to}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("advance"), body, &resp)
	return resp, err
}

// Suspend parks a stage awaiting an external reply.
func (c *Client) Suspend(ctx context.Context, stage, awaiting, resumeTo, recipient, subject, msgBody string) (Continuation, error) {
	body := map[string]any{
		"stage":     stage,
		"awaiting":  awaiting,
		"resume_to": resumeTo,
		"recipient": recipient,
		"subject":   subject,
		"body":      msgBody,
	}
	var resp Continuation
	err := c.do(ctx, http.MethodPost, c.projectPath("suspend"), body, &resp)
	return resp, err
}

// RequestValidation sends one validation ask.
func (c *Client) RequestValidation(ctx context.Context, resourceID, question string, critical bool) (Validation, error) {
	body := map[string]any{
		"resource_id": resourceID,
		"question":    question,
		"critical":    critical,
	}
	var resp Validation
	err := c.do(ctx, http.MethodPost, c.projectPath("validations"), body, &resp)
	return resp, err
}

// ValidationStatus returns the batch aggregate.
func (c *Client) ValidationStatus(ctx context.Context) (ValidationStatus, error) {
	var resp ValidationStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("validations"), nil, &resp)
	return resp, err
}

// Ingest delivers an inbound message for correlation.
func (c *Client) Ingest(ctx context.Context, externalID, threadRef, sender, subject, msgBody string) (Resolution, error) {
	body := map[string]any{
		"external_id": externalID,
		"thread_ref":  threadRef,
		"sender":      sender,
		"subject":     subject,
		"body":        msgBody,
	}
	var resp Resolution
	err := c.do(ctx, http.MethodPost, "v0/inbound", body, &resp)
	return resp, err
}

// Audit tails the audit log.
func (c *Client) Audit(ctx context.Context, afterID int64, limit int) ([]AuditEntry, error) {
	endpoint := fmt.Sprintf("v0/audit?after=%d", afterID)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	if c.ProjectID != "" {
		endpoint = fmt.Sprintf("%s&project_id=%s", endpoint, url.QueryEscape(c.ProjectID))
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
