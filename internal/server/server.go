// Package server exposes the strategy engine over HTTP. Handlers are thin:
// they decode, delegate to the engine or scheduler, and map typed errors to
// the {code,message,details} envelope.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/repo"
	"caseflow/internal/rules"
	"caseflow/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Scheduler *scheduler.Scheduler
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_field"`
	Message string         `json:"message" example:"unknown filter field \"dpdd\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caseflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Caseflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerFields(group, cfg.Engine)
	registerStrategies(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerSchedules(group, cfg.Scheduler)

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
	var uf rules.UnknownFieldError
	if errors.As(err, &uf) {
		return newAPIError(http.StatusUnprocessableEntity, "unknown_field", err.Error(), map[string]any{"field_code": uf.Code})
	}
	var oe rules.IncompatibleOperatorError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusUnprocessableEntity, "incompatible_operator", err.Error(), map[string]any{"field_code": oe.FieldCode, "operator": oe.Operator})
	}
	var ve rules.ValueError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_rule_value", err.Error(), map[string]any{"field_code": ve.FieldCode, "operator": ve.Operator})
	}
	var sve engine.ValidationError
	if errors.As(err, &sve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	var me scheduler.MisfireError
	if errors.As(err, &me) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_recurrence", err.Error(), nil)
	}
	var fe engine.FatalError
	if errors.As(err, &fe) {
		if errors.Is(err, repo.ErrNotFound) {
			return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		return newAPIError(http.StatusConflict, "not_executable", err.Error(), map[string]any{"strategy_id": fe.StrategyID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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

func registerFields(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-fields",
		Method:      http.MethodGet,
		Path:        "/fields",
		Summary:     "List active filter fields",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.FilterField `json:"body"`
	}, error) {
		fields, err := e.Repo.ListActiveFilterFields(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FilterField `json:"body"`
		}{Body: fields}, nil
	})
}

type StrategyPath struct {
	StrategyID string `path:"strategy_id"`
}

type strategyBody struct {
	Body domain.Strategy `json:"body"`
}

func registerStrategies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-strategy",
		Method:        http.MethodPost,
		Path:          "/strategies",
		Summary:       "Create a strategy",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body SaveStrategyRequest `json:"body"`
	}) (*strategyBody, error) {
		s, err := e.CreateStrategy(ctx, toStrategy(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &strategyBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-strategies",
		Method:      http.MethodGet,
		Path:        "/strategies",
		Summary:     "List strategies by priority",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"DRAFT,ACTIVE,INACTIVE"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Strategy `json:"body"`
	}, error) {
		list, err := e.Repo.ListStrategies(ctx, repo.StrategyFilters{Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Strategy `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-strategy",
		Method:      http.MethodGet,
		Path:        "/strategies/{strategy_id}",
		Summary:     "Get a strategy with rules and actions",
	}, func(ctx context.Context, input *StrategyPath) (*strategyBody, error) {
		s, err := e.Repo.GetStrategy(ctx, input.StrategyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &strategyBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-strategy",
		Method:      http.MethodPut,
		Path:        "/strategies/{strategy_id}",
		Summary:     "Replace a strategy",
	}, func(ctx context.Context, input *struct {
		StrategyPath
		Body SaveStrategyRequest `json:"body"`
	}) (*strategyBody, error) {
		s := toStrategy(input.Body)
		s.ID = input.StrategyID
		updated, err := e.UpdateStrategy(ctx, s)
		if err != nil {
			return nil, handleError(err)
		}
		return &strategyBody{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-strategy",
		Method:        http.MethodDelete,
		Path:          "/strategies/{strategy_id}",
		Summary:       "Delete a strategy",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *StrategyPath) (*struct{}, error) {
		if err := e.Repo.DeleteStrategy(ctx, input.StrategyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "simulate-strategy",
		Method:      http.MethodPost,
		Path:        "/strategies/{strategy_id}/simulate",
		Summary:     "Resolve the strategy's case set without dispatching",
	}, func(ctx context.Context, input *StrategyPath) (*struct {
		Body SimulateResponse `json:"body"`
	}, error) {
		count, sample, err := e.Simulate(ctx, input.StrategyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SimulateResponse `json:"body"`
		}{Body: SimulateResponse{
			StrategyID:    input.StrategyID,
			MatchedCount:  count,
			SampleCaseIDs: sample,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-strategy",
		Method:        http.MethodPost,
		Path:          "/strategies/{strategy_id}/execute",
		Summary:       "Start an execution",
		Description:   "Validates the strategy, records a PENDING execution and returns immediately; the run proceeds in the background. Poll the execution for progress.",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		StrategyPath
		Body ExecuteStrategyRequest `json:"body,omitempty"`
	}) (*struct {
		Body ExecuteResponse `json:"body"`
	}, error) {
		trigger := input.Body.Trigger
		if trigger == "" {
			trigger = domain.TriggerManual
		}
		exec, err := e.Begin(ctx, input.StrategyID, trigger)
		if err != nil {
			return nil, handleError(err)
		}
		evt := e.Log.Info().Str("execution_id", exec.ID).Str("strategy_id", exec.StrategyID)
		if p, ok := principalFromContext(ctx); ok {
			evt = evt.Str("actor", p.Subject).Str("auth_source", p.Source)
		}
		evt.Msg("execution requested")
		// Detach from the request: the run outlives the HTTP exchange.
		go func() {
			if _, err := e.Run(context.Background(), exec); err != nil {
				e.Log.Error().Err(err).Str("execution_id", exec.ID).Msg("background execution failed")
			}
		}()
		return &struct {
			Body ExecuteResponse `json:"body"`
		}{Body: ExecuteResponse{
			ExecutionID: exec.ID,
			StrategyID:  exec.StrategyID,
			Status:      exec.Status,
		}}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions",
	}, func(ctx context.Context, input *struct {
		StrategyID string `query:"strategy_id"`
		Status     string `query:"status" enum:"PENDING,RUNNING,COMPLETED,FAILED"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.StrategyExecution `json:"body"`
	}, error) {
		list, err := e.Repo.ListExecutions(ctx, repo.ExecutionFilters{
			StrategyID: input.StrategyID,
			Status:     input.Status,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StrategyExecution `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stuck-executions",
		Method:      http.MethodGet,
		Path:        "/executions/stuck",
		Summary:     "List executions running past the stuck threshold",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.StrategyExecution `json:"body"`
	}, error) {
		list, err := e.ListStuck(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StrategyExecution `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Get an execution",
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body domain.StrategyExecution `json:"body"`
	}, error) {
		exec, err := e.Repo.GetExecution(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StrategyExecution `json:"body"`
		}{Body: exec}, nil
	})
}

type scheduleBody struct {
	Body domain.ScheduledJob `json:"body"`
}

func registerSchedules(api huma.API, sched *scheduler.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/strategies/{strategy_id}/scheduler",
		Summary:     "Get a strategy's schedule",
	}, func(ctx context.Context, input *StrategyPath) (*scheduleBody, error) {
		job, err := sched.Repo.GetJob(ctx, input.StrategyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &scheduleBody{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-schedule",
		Method:      http.MethodPatch,
		Path:        "/strategies/{strategy_id}/scheduler",
		Summary:     "Enable, disable or reconfigure a strategy's schedule",
	}, func(ctx context.Context, input *struct {
		StrategyPath
		Body PatchScheduleRequest `json:"body"`
	}) (*scheduleBody, error) {
		job, err := patchSchedule(ctx, sched, input.StrategyID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &scheduleBody{Body: job}, nil
	})
}

func patchSchedule(ctx context.Context, sched *scheduler.Scheduler, strategyID string, req PatchScheduleRequest) (domain.ScheduledJob, error) {
	if req.Enabled != nil && !*req.Enabled {
		if req.Recurrence != nil {
			if _, err := sched.UpdateRecurrence(ctx, strategyID, *req.Recurrence); err != nil {
				return domain.ScheduledJob{}, err
			}
		}
		return sched.Disable(ctx, strategyID)
	}
	if req.Recurrence != nil {
		return sched.Enable(ctx, strategyID, *req.Recurrence)
	}
	if req.Enabled != nil && *req.Enabled {
		job, err := sched.Repo.GetJob(ctx, strategyID)
		if err != nil {
			return domain.ScheduledJob{}, err
		}
		return sched.Enable(ctx, strategyID, job.Recurrence)
	}
	return sched.Repo.GetJob(ctx, strategyID)
}
