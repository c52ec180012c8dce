package executions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/checkpoint"
	"github.com/animus-labs/stepflow/internal/execution/orchestrator"
	"github.com/animus-labs/stepflow/internal/execution/plan"
	"github.com/animus-labs/stepflow/internal/platform/auth"
	"github.com/animus-labs/stepflow/internal/platform/httpserver"
	"github.com/animus-labs/stepflow/internal/platform/requestid"
	"github.com/animus-labs/stepflow/internal/repo"
)

const (
	maxBodyBytes = 4 << 20
	actorHeader  = "X-Stepflow-Actor"
	maxListLimit = 500
)

// Engine runs workflows. *orchestrator.Orchestrator implements it.
type Engine interface {
	Execute(ctx context.Context, req orchestrator.Request) (domain.WorkflowExecutionResult, error)
}

type API struct {
	engine      Engine
	checkpoints repo.CheckpointRepository
	executions  repo.ExecutionRepository
	logger      *slog.Logger
}

type Option func(*API)

func WithCheckpoints(r repo.CheckpointRepository) Option {
	return func(a *API) { a.checkpoints = r }
}

func WithExecutions(r repo.ExecutionRepository) Option {
	return func(a *API) { a.executions = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func New(engine Engine, opts ...Option) (*API, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	a := &API{engine: engine, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/executions", a.handleExecute)
	mux.HandleFunc("GET /v1/executions", a.handleListExecutions)
	mux.HandleFunc("GET /v1/executions/{execution_id}", a.handleGetExecution)
	mux.HandleFunc("POST /v1/executions/{execution_id}/resume", a.handleResume)
	mux.HandleFunc("GET /v1/executions/{execution_id}/checkpoints", a.handleListCheckpoints)
	mux.HandleFunc("POST /v1/plans", a.handlePlan)
}

type executeRequest struct {
	ExecutionID string          `json:"executionId,omitempty"`
	Workflow    json.RawMessage `json:"workflow"`
	Inputs      map[string]any  `json:"inputs,omitempty"`
}

var errWorkflowRequired = errors.New("workflow is required")

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, wf, ok := a.decodeRun(w, r)
	if !ok {
		return
	}
	a.run(w, r, orchestrator.Request{
		Workflow:    wf,
		Inputs:      req.Inputs,
		ExecutionID: strings.TrimSpace(req.ExecutionID),
	})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	executionID := strings.TrimSpace(r.PathValue("execution_id"))
	if executionID == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "execution_id_required", "")
		return
	}
	req, wf, ok := a.decodeRun(w, r)
	if !ok {
		return
	}
	if a.executions != nil {
		record, err := a.executions.GetExecution(r.Context(), executionID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
			return
		case err != nil:
			a.internalError(w, r, "load execution", err)
			return
		case record.WorkflowID != "" && record.WorkflowID != wf.ID:
			httpserver.WriteError(w, r, http.StatusConflict, "workflow_mismatch",
				fmt.Sprintf("execution belongs to workflow %q", record.WorkflowID))
			return
		}
	}
	a.run(w, r, orchestrator.Request{
		Workflow:    wf,
		Inputs:      req.Inputs,
		ExecutionID: executionID,
		Resume:      true,
	})
}

func (a *API) run(w http.ResponseWriter, r *http.Request, req orchestrator.Request) {
	// An authenticated identity wins over the self-declared header.
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		req.Actor = identity.Actor()
	} else {
		req.Actor = strings.TrimSpace(r.Header.Get(actorHeader))
	}
	req.RequestID, _ = requestid.FromContext(r.Context())

	result, err := a.engine.Execute(r.Context(), req)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			writeValidation(w, r, verr)
		case errors.Is(err, orchestrator.ErrResumeWithoutID):
			httpserver.WriteError(w, r, http.StatusBadRequest, "execution_id_required", "")
		case errors.Is(err, orchestrator.ErrResumeUnsupported):
			httpserver.WriteError(w, r, http.StatusNotImplemented, "resume_unavailable", err.Error())
		default:
			a.internalError(w, r, "execute workflow", err)
		}
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, result)
}

func (a *API) handlePlan(w http.ResponseWriter, r *http.Request) {
	_, wf, ok := a.decodeRun(w, r)
	if !ok {
		return
	}
	p, err := plan.Build(wf)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeValidation(w, r, verr)
			return
		}
		a.internalError(w, r, "build plan", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"workflowId":  p.WorkflowID,
		"levels":      p.Levels,
		"description": plan.Describe(p),
	})
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if a.executions == nil {
		httpserver.WriteError(w, r, http.StatusNotImplemented, "executions_unavailable", "")
		return
	}
	executionID := strings.TrimSpace(r.PathValue("execution_id"))
	record, err := a.executions.GetExecution(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
			return
		}
		a.internalError(w, r, "get execution", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, record)
}

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if a.executions == nil {
		httpserver.WriteError(w, r, http.StatusNotImplemented, "executions_unavailable", "")
		return
	}
	q := r.URL.Query()
	filter := repo.ExecutionFilter{
		WorkflowID: strings.TrimSpace(q.Get("workflow_id")),
		Status:     strings.TrimSpace(q.Get("status")),
		Limit:      100,
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit", "")
			return
		}
		filter.Limit = limit
	}
	records, err := a.executions.ListExecutions(r.Context(), filter)
	if err != nil {
		a.internalError(w, r, "list executions", err)
		return
	}
	if records == nil {
		records = []domain.ExecutionRecord{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"executions": records})
}

type checkpointsResponse struct {
	ExecutionID string                       `json:"executionId"`
	Checkpoints []domain.Checkpoint          `json:"checkpoints"`
	Latest      map[string]domain.Checkpoint `json:"latest"`
}

func (a *API) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if a.checkpoints == nil {
		httpserver.WriteError(w, r, http.StatusNotImplemented, "checkpoints_unavailable", "")
		return
	}
	executionID := strings.TrimSpace(r.PathValue("execution_id"))
	list, err := a.checkpoints.ListCheckpoints(r.Context(), executionID)
	if err != nil {
		a.internalError(w, r, "list checkpoints", err)
		return
	}
	if len(list) == 0 {
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, checkpointsResponse{
		ExecutionID: executionID,
		Checkpoints: list,
		Latest:      checkpoint.Latest(list),
	})
}

func (a *API) decodeRun(w http.ResponseWriter, r *http.Request) (executeRequest, domain.Workflow, bool) {
	var req executeRequest
	if err := decodeBody(w, r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return executeRequest{}, domain.Workflow{}, false
	}
	wf, err := decodeWorkflow(req.Workflow)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeValidation(w, r, verr)
		} else {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_workflow", err.Error())
		}
		return executeRequest{}, domain.Workflow{}, false
	}
	return req, wf, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func decodeWorkflow(raw json.RawMessage) (domain.Workflow, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return domain.Workflow{}, errWorkflowRequired
	}
	var wf domain.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return domain.Workflow{}, err
	}
	return wf, nil
}

func writeValidation(w http.ResponseWriter, r *http.Request, verr *domain.ValidationError) {
	id, _ := requestid.FromContext(r.Context())
	httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{
		"error":      "invalid_workflow",
		"request_id": id,
		"issues":     verr.Issues,
	})
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	id, _ := requestid.FromContext(r.Context())
	a.logger.Error(op+" failed", "request_id", id, "error", err.Error())
	httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
}
