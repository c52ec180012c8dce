package executions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/checkpoint"
	"github.com/animus-labs/stepflow/internal/execution/orchestrator"
	"github.com/animus-labs/stepflow/internal/execution/runner"
	"github.com/animus-labs/stepflow/internal/execution/scheduler"
	"github.com/animus-labs/stepflow/internal/platform/auth"
	"github.com/animus-labs/stepflow/internal/platform/requestid"
	"github.com/animus-labs/stepflow/internal/plugin"
	"github.com/animus-labs/stepflow/internal/repo"
	"github.com/animus-labs/stepflow/internal/repo/memory"
)

const greetWorkflow = `{
	"id": "greet",
	"steps": [
		{"id": "hello", "type": "action", "config": {"plugin": "echo", "action": "say", "params": {"name": "{{input.name}}"}}}
	],
	"output": {"greeting": "{{hello.name}}"}
}`

func echoPlugins() plugin.Executor {
	return plugin.ExecutorFunc(func(ctx context.Context, name, action string, params map[string]any) (plugin.Result, error) {
		return plugin.Result{Success: true, Data: params, TokensUsed: 2}, nil
	})
}

func newServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	sched := scheduler.New(2)
	r := runner.New(runner.WithPlugins(echoPlugins()), runner.WithFanout(sched))
	o := orchestrator.New(r, sched,
		orchestrator.WithCheckpointStore(checkpoint.NewRepoStore(store)),
		orchestrator.WithExecutionRepository(store),
	)
	api, err := New(o, WithCheckpoints(store), WithExecutions(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestExecuteThenInspect(t *testing.T) {
	srv, _ := newServer(t)

	resp := post(t, srv.URL+"/v1/executions", `{"workflow":`+greetWorkflow+`,"inputs":{"name":"ada"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	result := decode[domain.WorkflowExecutionResult](t, resp)
	if result.Status != domain.RunCompleted || result.Output["greeting"] != "ada" || result.TotalTokensUsed != 2 {
		t.Fatalf("unexpected result %+v", result)
	}

	resp, err := http.Get(srv.URL + "/v1/executions/" + result.ExecutionID + "/checkpoints")
	if err != nil {
		t.Fatalf("GET checkpoints: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checkpoints status=%d", resp.StatusCode)
	}
	cps := decode[checkpointsResponse](t, resp)
	if cps.Latest["hello"].Status != domain.StepCompleted {
		t.Fatalf("expected completed checkpoint for hello, got %+v", cps.Latest)
	}

	resp, err = http.Get(srv.URL + "/v1/executions/" + result.ExecutionID)
	if err != nil {
		t.Fatalf("GET execution: %v", err)
	}
	record := decode[domain.ExecutionRecord](t, resp)
	if record.WorkflowID != "greet" || record.Status != string(domain.RunCompleted) {
		t.Fatalf("unexpected record %+v", record)
	}

	resp, err = http.Get(srv.URL + "/v1/executions?workflow_id=greet")
	if err != nil {
		t.Fatalf("GET executions: %v", err)
	}
	list := decode[map[string][]domain.ExecutionRecord](t, resp)
	if len(list["executions"]) != 1 {
		t.Fatalf("expected one execution, got %+v", list)
	}
}

func TestResume(t *testing.T) {
	srv, _ := newServer(t)
	first := decode[domain.WorkflowExecutionResult](t, post(t, srv.URL+"/v1/executions", `{"workflow":`+greetWorkflow+`,"inputs":{"name":"ada"}}`))

	resp := post(t, srv.URL+"/v1/executions/"+first.ExecutionID+"/resume", `{"workflow":`+greetWorkflow+`,"inputs":{"name":"ada"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status=%d", resp.StatusCode)
	}
	resumed := decode[domain.WorkflowExecutionResult](t, resp)
	if !resumed.Resumed || resumed.ExecutionID != first.ExecutionID || resumed.Status != domain.RunCompleted {
		t.Fatalf("unexpected resumed result %+v", resumed)
	}

	resp = post(t, srv.URL+"/v1/executions/unknown/resume", `{"workflow":`+greetWorkflow+`}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown execution status=%d, want 404", resp.StatusCode)
	}

	other := strings.Replace(greetWorkflow, `"id": "greet"`, `"id": "other"`, 1)
	resp = post(t, srv.URL+"/v1/executions/"+first.ExecutionID+"/resume", `{"workflow":`+other+`}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("mismatched workflow status=%d, want 409", resp.StatusCode)
	}
}

func TestInvalidWorkflowIsRejected(t *testing.T) {
	srv, store := newServer(t)
	cyclic := `{"id":"loop","steps":[
		{"id":"a","type":"action","dependencies":["b"],"config":{"plugin":"echo","action":"x"}},
		{"id":"b","type":"action","dependencies":["a"],"config":{"plugin":"echo","action":"y"}}
	]}`
	resp := post(t, srv.URL+"/v1/executions", `{"workflow":`+cyclic+`}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] != "invalid_workflow" || body["issues"] == nil {
		t.Fatalf("unexpected body %v", body)
	}
	records, _ := store.ListExecutions(context.Background(), repoFilterAll())
	if len(records) != 0 {
		t.Fatalf("invalid workflow must not start an execution")
	}

	for _, payload := range []string{`{}`, `{"workflow":null}`, `not json`, `{"workflow":{},"extra":1}`} {
		resp := post(t, srv.URL+"/v1/executions", payload)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("payload %s: status=%d, want 400", payload, resp.StatusCode)
		}
	}
}

func TestPlanEndpoint(t *testing.T) {
	srv, _ := newServer(t)
	resp := post(t, srv.URL+"/v1/plans", `{"workflow":`+greetWorkflow+`}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	body := decode[struct {
		WorkflowID string         `json:"workflowId"`
		Levels     []domain.Level `json:"levels"`
	}](t, resp)
	if body.WorkflowID != "greet" || len(body.Levels) != 1 || body.Levels[0].StepIDs[0] != "hello" {
		t.Fatalf("unexpected plan %+v", body)
	}
}

type stubEngine struct {
	got orchestrator.Request
	err error
}

func (s *stubEngine) Execute(ctx context.Context, req orchestrator.Request) (domain.WorkflowExecutionResult, error) {
	s.got = req
	return domain.WorkflowExecutionResult{ExecutionID: "e-1", Status: domain.RunCompleted, Success: true}, s.err
}

func TestRunPassesActorAndRequestID(t *testing.T) {
	engine := &stubEngine{}
	api, _ := New(engine)
	mux := http.NewServeMux()
	api.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/executions", strings.NewReader(`{"workflow":`+greetWorkflow+`}`))
	req.Header.Set(actorHeader, "ops@example.com")
	req = req.WithContext(requestid.WithContext(req.Context(), "rid-42"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if engine.got.Actor != "ops@example.com" || engine.got.RequestID != "rid-42" || engine.got.Workflow.ID != "greet" {
		t.Fatalf("unexpected engine request %+v", engine.got)
	}
}

func TestRunPrefersAuthenticatedIdentity(t *testing.T) {
	engine := &stubEngine{}
	api, _ := New(engine)
	mux := http.NewServeMux()
	api.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/executions", strings.NewReader(`{"workflow":`+greetWorkflow+`}`))
	req.Header.Set(actorHeader, "spoofed@example.com")
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), auth.Identity{Subject: "u-7", Email: "real@example.com"}))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if engine.got.Actor != "real@example.com" {
		t.Fatalf("actor=%q, want the authenticated email", engine.got.Actor)
	}
}

func TestEngineErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{orchestrator.ErrResumeUnsupported, http.StatusNotImplemented},
		{&domain.ValidationError{Issues: []string{"bad"}}, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		api, _ := New(&stubEngine{err: tc.err})
		mux := http.NewServeMux()
		api.Register(mux)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/executions/e-1/resume", strings.NewReader(`{"workflow":`+greetWorkflow+`}`)))
		if rec.Code != tc.want {
			t.Fatalf("%v: status=%d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestReadRoutesWithoutStores(t *testing.T) {
	api, _ := New(&stubEngine{})
	mux := http.NewServeMux()
	api.Register(mux)
	for _, path := range []string{"/v1/executions", "/v1/executions/e-1", "/v1/executions/e-1/checkpoints"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotImplemented {
			t.Fatalf("%s: status=%d, want 501", path, rec.Code)
		}
	}
}

func TestNewRequiresEngine(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil engine")
	}
}

func repoFilterAll() repo.ExecutionFilter { return repo.ExecutionFilter{} }
