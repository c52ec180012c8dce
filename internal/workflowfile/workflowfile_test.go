package workflowfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/stepflow/internal/domain"
)

const orderWorkflow = `
id: order-digest
name: Order digest
variables:
  threshold: 100
output:
  digest: "{{summarize}}"
requiredOutputs: [digest]
steps:
  - id: fetch
    type: action
    config:
      plugin: shop
      action: list_orders
      params:
        since: "{{input.since}}"
  - id: large
    type: transform
    dependencies: [fetch]
    config:
      operation: filter
      input: "{{fetch}}"
      condition:
        conditionType: simple
        field: item.total
        operator: greater_than
        value: "{{vars.threshold}}"
  - id: route
    type: conditional
    dependencies: [large]
    config:
      condition:
        expression: "large.length > 0"
      then:
        - id: notify
          type: action
          config: {plugin: mail, action: send}
  - id: summarize
    type: ai_processing
    dependencies: [large]
    timeoutMs: 5000
    retry: {maxRetries: 1}
    config:
      prompt: "Summarize {{large}}"
      maxTokens: 200
`

func TestParseYAMLWorkflow(t *testing.T) {
	wf, err := Parse([]byte(orderWorkflow))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if wf.ID != "order-digest" || len(wf.Steps) != 4 {
		t.Fatalf("unexpected workflow %+v", wf)
	}
	if diff := cmp.Diff([]string{"digest"}, wf.RequiredOutputs); diff != "" {
		t.Fatalf("required outputs mismatch (-want +got):\n%s", diff)
	}

	action, ok := wf.Steps[0].Config.(*domain.ActionConfig)
	if !ok || action.Plugin != "shop" || action.Params["since"] != "{{input.since}}" {
		t.Fatalf("unexpected action config %#v", wf.Steps[0].Config)
	}

	filter, ok := wf.Steps[1].Config.(*domain.TransformConfig)
	if !ok || filter.Condition == nil || filter.Condition.Type != domain.ConditionSimple {
		t.Fatalf("unexpected transform config %#v", wf.Steps[1].Config)
	}

	cond, ok := wf.Steps[2].Config.(*domain.ConditionalConfig)
	if !ok || cond.Condition.Type != domain.ConditionExpression || len(cond.Then) != 1 {
		t.Fatalf("unexpected conditional config %#v", wf.Steps[2].Config)
	}

	ai := wf.Steps[3]
	if ai.TimeoutMs != 5000 || ai.Retry == nil || ai.Retry.MaxRetries == nil || *ai.Retry.MaxRetries != 1 {
		t.Fatalf("step options not decoded: %+v", ai)
	}
}

func TestParseJSONWorkflow(t *testing.T) {
	doc := `{"id":"wf","steps":[{"id":"a","type":"transform","config":{"operation":"limit","limit":2,"input":[1,2,3]}}]}`
	wf, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg := wf.Steps[0].Config.(*domain.TransformConfig)
	if cfg.Limit != 2 {
		t.Fatalf("limit = %d", cfg.Limit)
	}
}

func TestParseRejectsLegacyCondition(t *testing.T) {
	doc := `
id: wf
steps:
  - id: gate
    type: conditional
    config:
      condition:
        and:
          - {field: a, operator: equals, value: 1}
`
	_, err := Parse([]byte(doc))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestParseRejectsUnknownStepType(t *testing.T) {
	if _, err := Parse([]byte("id: wf\nsteps:\n  - id: x\n    type: teleport\n")); err == nil {
		t.Fatalf("expected unsupported step type error")
	}
}

func TestParseEmptyDocument(t *testing.T) {
	if _, err := Parse([]byte("  \n")); !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
}

func TestParseInputsNormalizesKeys(t *testing.T) {
	inputs, err := ParseInputs([]byte("since: \"2024-01-01\"\nlimits:\n  1: low\n  2: high\n"))
	if err != nil {
		t.Fatalf("ParseInputs: %v", err)
	}
	want := map[string]any{
		"since":  "2024-01-01",
		"limits": map[string]any{"1": "low", "2": "high"},
	}
	if diff := cmp.Diff(want, inputs); diff != "" {
		t.Fatalf("inputs mismatch (-want +got):\n%s", diff)
	}

	empty, err := ParseInputs(nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty inputs = %v, %v", empty, err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	if err := os.WriteFile(path, []byte(orderWorkflow), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	wf, err := LoadFile(path)
	if err != nil || wf.ID != "order-digest" {
		t.Fatalf("LoadFile = %+v, %v", wf.ID, err)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
