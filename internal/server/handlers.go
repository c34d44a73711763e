package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"propline/internal/correlate"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/sweep"
	"propline/internal/tracker"
)

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ProjectCreateOptions{
			ID:            input.Body.ID,
			ClientName:    input.Body.ClientName,
			SalesRepEmail: input.Body.SalesRepEmail,
			RFPContent:    input.Body.RFPContent,
			ActorID:       actorID,
		}
		if input.Body.Deadline != nil {
			opts.Deadline = *input.Body.Deadline
		}
		p, err := e.CreateProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Open bool `query:"open"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		var (
			items []domain.Project
			err   error
		)
		if input.Open {
			items, err = e.Repo.ListOpenProjects(ctx)
		} else {
			items, err = e.Repo.ListProjects(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cancel",
		Summary:     "Abandon project",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      CancelProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CancelProject(ctx, input.ProjectID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-participant",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/participants",
		Summary:     "Set project participant",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      SetParticipantRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Role == "" || input.Body.Identifier == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role and identifier are required", nil)
		}
		if err := e.SetParticipant(ctx, input.ProjectID, input.Body.Role, input.Body.Identifier, actorID); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-stage-data",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/stage-data",
		Summary:     "Merge stage data",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      MergeStageDataRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Updates) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "updates are required", nil)
		}
		merged, err := e.MergeStageData(ctx, input.ProjectID, input.Body.Updates, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: merged}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/advance",
		Summary:     "Advance project stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      AdvanceStageRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.From == "" || input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from and to are required", nil)
		}
		p, err := e.AdvanceStage(ctx, input.ProjectID, input.Body.From, input.Body.To, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suspend-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/suspend",
		Summary:     "Suspend stage awaiting an external reply",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      SuspendStageRequest `json:"body"`
	}) (*struct {
		Body domain.Continuation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cont, err := e.Suspend(ctx, engine.SuspendOptions{
			ProjectID: input.ProjectID,
			Stage:     input.Body.Stage,
			Awaiting:  input.Body.Awaiting,
			ResumeTo:  input.Body.ResumeTo,
			Recipient: input.Body.Recipient,
			Subject:   input.Body.Subject,
			Body:      input.Body.Body,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Continuation `json:"body"`
		}{Body: cont}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-continuations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/continuations",
		Summary:     "List continuations",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Continuation `json:"body"`
	}, error) {
		items, err := e.Repo.ListContinuations(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Continuation{}
		}
		return &struct {
			Body []domain.Continuation `json:"body"`
		}{Body: items}, nil
	})
}

func registerDecisions(api huma.API, e engine.Engine, t tracker.Tracker) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-decision",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/decision",
		Summary:     "Apply a decision to a project",
		Description: "Executes the outcome of the reasoning step: advance, ask, request a validation, or escalate.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      engine.Decision `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out := DecisionResponse{Action: input.Body.Action}
		if input.Body.Action == engine.DecisionRequestValidation {
			v, err := t.Request(ctx, tracker.RequestOptions{
				ProjectID:  input.ProjectID,
				ResourceID: input.Body.Resource,
				Question:   input.Body.Question,
				Critical:   input.Body.Critical,
				ActorID:    actorID,
			})
			if err != nil {
				return nil, handleError(err)
			}
			out.Applied = true
			out.ValidationID = v.ID
		} else {
			applied, err := e.ApplyDecision(ctx, input.ProjectID, input.Body, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			if !applied {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown decision action", map[string]any{"action": input.Body.Action})
			}
			out.Applied = applied
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerValidations(api huma.API, t tracker.Tracker) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-validation",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/validations",
		Summary:       "Request a resource validation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      RequestValidationRequest `json:"body"`
	}) (*struct {
		Body domain.ValidationRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := t.Request(ctx, tracker.RequestOptions{
			ProjectID:  input.ProjectID,
			ResourceID: input.Body.ResourceID,
			Question:   input.Body.Question,
			Critical:   input.Body.Critical,
			Timeout:    time.Duration(input.Body.TimeoutHours) * time.Hour,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationRequest `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validation-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/validations",
		Summary:     "Validation batch status",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body tracker.Aggregate `json:"body"`
	}, error) {
		agg, err := t.Status(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body tracker.Aggregate `json:"body"`
		}{Body: agg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-validation",
		Method:      http.MethodPost,
		Path:        "/validations/{id}/respond",
		Summary:     "Record a validation response",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body RespondValidationRequest `json:"body"`
	}) (*struct {
		Body domain.ValidationRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		v, err := t.RecordResponse(ctx, input.ID, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationRequest `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "proceed-validations",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/validations/proceed",
		Summary:     "Close the validation batch, assuming unanswered requests",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body tracker.Aggregate `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agg, err := t.ProceedWithAssumptions(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body tracker.Aggregate `json:"body"`
		}{Body: agg}, nil
	})
}

func registerInbound(api huma.API, idx correlate.Index) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-message",
		Method:      http.MethodPost,
		Path:        "/inbound",
		Summary:     "Ingest an inbound message",
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body InboundMessageRequest `json:"body"`
	}) (*struct {
		Body correlate.Resolution `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		in := correlate.Inbound{
			ExternalID: input.Body.ExternalID,
			ThreadRef:  input.Body.ThreadRef,
			Sender:     input.Body.Sender,
			Subject:    input.Body.Subject,
			Body:       input.Body.Body,
			ProjectID:  input.Body.ProjectID,
		}
		if input.Body.ReceivedAt != "" {
			ts, err := time.Parse(time.RFC3339, input.Body.ReceivedAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid received_at", map[string]any{"received_at": input.Body.ReceivedAt})
			}
			in.ReceivedAt = ts
		}
		res, err := idx.Ingest(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body correlate.Resolution `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-unclassified",
		Method:      http.MethodGet,
		Path:        "/inbound/unclassified",
		Summary:     "List unmatched inbound messages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		items, err := idx.Repo.ListUnclassified(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Message{}
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: items}, nil
	})
}

func registerSweeps(api huma.API, s sweep.Sweeper) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweeps/run",
		Summary:     "Run one sweep pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sweep.Result `json:"body"`
	}, error) {
		res, err := s.Run(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sweep.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "status-report",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Status report for open projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sweep.Report `json:"body"`
	}, error) {
		report, err := s.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sweep.Report `json:"body"`
		}{Body: report}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-log",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		After     int64  `query:"after"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.AuditAfter(ctx, limit, input.After, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: mapAudit(items)}, nil
	})
}
