package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"mailpilot/internal/domain"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Coordinator pipeline.Coordinator
	BasePath    string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"record not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the mailpilot API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Coordinator.Store))
	hcfg := huma.DefaultConfig("Mailpilot API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Coordinator)
	registerRecords(group, cfg.Coordinator)
	registerReview(group, cfg.Coordinator)
	registerApprovals(group, cfg.Coordinator)
	registerSettings(group, cfg.Coordinator)
	registerEvents(group, cfg.Coordinator)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already decided"),
		strings.Contains(lowered, "already"),
		strings.Contains(lowered, "cancelled; approval refused"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, c pipeline.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Pipeline status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		counts, err := c.Store.CountRecordsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		due, err := c.Store.DueStages(ctx, time.Now(), 1000)
		if err != nil {
			return nil, handleError(err)
		}
		settings, err := c.Store.GetSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			RecordCounts: counts,
			DueStages:    len(due),
			Settings:     settings,
		}}, nil
	})
}

func registerRecords(api huma.API, c pipeline.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-record",
		Method:        http.MethodPost,
		Path:          "/records",
		Summary:       "Ingest an email record",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body IngestRequest `json:"body"`
	}) (*struct {
		Body domain.EmailRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := c.IngestRecord(ctx, input.Body.toRecord(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EmailRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List records",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body RecordListResponse `json:"body"`
	}, error) {
		cursorReceivedAt, cursorID, err := decodeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		items, err := c.Store.ListRecords(ctx, input.Status, input.Limit, cursorReceivedAt, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RecordListResponse{Items: mapRecordSummaries(items)}
		if len(items) == input.Limit {
			last := items[len(items)-1]
			resp.NextCursor = encodeCursor(last.ReceivedAt, last.ID)
		}
		return &struct {
			Body RecordListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{record_id}",
		Summary:     "Get record with stage states and results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body RecordDetail `json:"body"`
	}, error) {
		rec, err := c.Store.GetRecord(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		stages, err := c.Store.ListProcessingStates(ctx, rec.ID)
		if err != nil {
			return nil, handleError(err)
		}
		results, err := c.Store.ListStageResults(ctx, rec.ID)
		if err != nil {
			return nil, handleError(err)
		}
		detail := RecordDetail{Record: rec, Stages: stages}
		for _, r := range results {
			detail.Results = append(detail.Results, stageResultView(r))
		}
		return &struct {
			Body RecordDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-record",
		Method:      http.MethodPost,
		Path:        "/records/{record_id}/cancel",
		Summary:     "Cancel a record",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body domain.EmailRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := c.CancelRecord(ctx, input.RecordID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EmailRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-record",
		Method:      http.MethodPost,
		Path:        "/records/{record_id}/retry",
		Summary:     "Requeue a blocked record",
		Errors:      []int{http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body domain.EmailRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := c.RetryBlocked(ctx, input.RecordID, actorID); err != nil {
			return nil, handleError(err)
		}
		rec, err := c.Store.GetRecord(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EmailRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerReview(api huma.API, c pipeline.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-review-queue",
		Method:      http.MethodGet,
		Path:        "/review",
		Summary:     "List blocked records awaiting review",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []ReviewItem `json:"body"`
	}, error) {
		blocked, err := c.Store.ListBlocked(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]ReviewItem, 0, len(blocked))
		for _, b := range blocked {
			items = append(items, reviewItem(b))
		}
		return &struct {
			Body []ReviewItem `json:"body"`
		}{Body: items}, nil
	})
}

func registerApprovals(api huma.API, c pipeline.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval requests",
	}, func(ctx context.Context, input *struct {
		Decision string `query:"decision" enum:"pending,approved,rejected,"`
		Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.ApprovalRequest `json:"body"`
	}, error) {
		items, err := c.Store.ListApprovalRequests(ctx, input.Decision, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ApprovalRequest `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{approval_id}",
		Summary:     "Get approval request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		a, err := c.Store.GetApprovalRequest(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: a}, nil
	})

	decide := func(decision string) func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			ApprovalID string `path:"approval_id"`
		}) (*struct {
			Body domain.ApprovalRequest `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			a, err := c.ResolveApproval(ctx, input.ApprovalID, decision, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.ApprovalRequest `json:"body"`
			}{Body: a}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/approve",
		Summary:     "Approve a pending draft",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, decide(domain.DecisionApproved))

	huma.Register(api, huma.Operation{
		OperationID: "reject-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/reject",
		Summary:     "Reject a pending draft",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, decide(domain.DecisionRejected))
}

func registerSettings(api huma.API, c pipeline.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Get settings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Settings `json:"body"`
	}, error) {
		s, err := c.Store.GetSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settings `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-settings",
		Method:      http.MethodPatch,
		Path:        "/settings",
		Summary:     "Update settings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UpdateSettingsRequest `json:"body"`
	}) (*struct {
		Body domain.Settings `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := c.UpdateSettings(ctx, pipeline.SettingsPatch{
			CloudLLM:         input.Body.CloudLLM,
			AutoSendEnabled:  input.Body.AutoSendEnabled,
			RedactionEnabled: input.Body.RedactionEnabled,
			Categories:       input.Body.Categories,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settings `json:"body"`
		}{Body: s}, nil
	})
}

func registerEvents(api huma.API, c pipeline.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		RecordID string `query:"record_id"`
		Limit    int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		events, err := c.Store.ListEvents(ctx, input.RecordID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

func encodeCursor(receivedAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(receivedAt + "|" + id))
}

func decodeCursor(cursor string) (receivedAt, id string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", errors.New("malformed cursor")
	}
	return parts[0], parts[1], nil
}
