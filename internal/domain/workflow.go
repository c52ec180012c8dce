package domain

import (
	"time"
)

// Workflow is a declarative definition as submitted by a caller.
type Workflow struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	Steps           []Step            `json:"steps"`
	Variables       map[string]any    `json:"variables,omitempty"`
	Output          map[string]string `json:"output,omitempty"`
	RequiredOutputs []string          `json:"requiredOutputs,omitempty"`
}

// Level is a set of steps whose dependencies are all in earlier levels.
type Level struct {
	Index   int      `json:"index"`
	StepIDs []string `json:"stepIds"`
}

// ExecutionPlan is the leveled form of a validated workflow. It is read-only once built.
type ExecutionPlan struct {
	WorkflowID  string              `json:"workflowId"`
	Levels      []Level             `json:"levels"`
	Steps       map[string]Step     `json:"-"`
	LevelByStep map[string]int      `json:"-"`
	Dependents  map[string][]string `json:"-"`
}

func (p ExecutionPlan) Step(id string) (Step, bool) {
	s, ok := p.Steps[id]
	return s, ok
}

func (p ExecutionPlan) StepCount() int { return len(p.Steps) }

// StepMetadata describes one step execution. It never carries payload data.
type StepMetadata struct {
	Success         bool   `json:"success"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	TokensUsed      int    `json:"tokensUsed,omitempty"`
	ItemCount       int    `json:"itemCount,omitempty"`
	Attempts        int    `json:"attempts,omitempty"`
	FallbackUsed    bool   `json:"fallbackUsed,omitempty"`
	Error           string `json:"error,omitempty"`
}

// StepOutput is the value a step produces plus its execution metadata.
type StepOutput struct {
	Data     any          `json:"data"`
	Metadata StepMetadata `json:"metadata"`
}

// StepStatus is the terminal state of a step within a run.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// CheckpointMetadata is the persisted, payload-free view of a step result.
type CheckpointMetadata struct {
	Success         bool   `json:"success"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	TokensUsed      int    `json:"tokensUsed,omitempty"`
	ItemCount       int    `json:"itemCount,omitempty"`
	Attempts        int    `json:"attempts,omitempty"`
	FallbackUsed    bool   `json:"fallbackUsed,omitempty"`
	ErrorType       string `json:"errorType,omitempty"`
	Level           int    `json:"level"`
}

// Checkpoint records that a step reached a terminal state. Sequence orders
// checkpoints of one execution that share a timestamp.
type Checkpoint struct {
	ID          string             `json:"id"`
	ExecutionID string             `json:"executionId"`
	WorkflowID  string             `json:"workflowId"`
	StepID      string             `json:"stepId"`
	Status      StepStatus         `json:"status"`
	Metadata    CheckpointMetadata `json:"metadata"`
	Sequence    int64              `json:"sequence"`
	Timestamp   time.Time          `json:"timestamp"`
}

// ExecutionRecord is the persisted header of one run.
type ExecutionRecord struct {
	ExecutionID string     `json:"executionId"`
	WorkflowID  string     `json:"workflowId"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	TokensUsed  int        `json:"tokensUsed"`
}

// RunStatus is the overall outcome of a workflow run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// StepFailure explains why a step did not complete.
type StepFailure struct {
	StepID    string `json:"stepId"`
	Reason    string `json:"reason"`
	ErrorType string `json:"errorType"`
}

// WorkflowExecutionResult is what a run reports back to its caller.
type WorkflowExecutionResult struct {
	ExecutionID          string                `json:"executionId"`
	WorkflowID           string                `json:"workflowId"`
	Status               RunStatus             `json:"status"`
	Success              bool                  `json:"success"`
	Resumed              bool                  `json:"resumed,omitempty"`
	CompletedStepIDs     []string              `json:"completedStepIds"`
	FailedStepIDs        []string              `json:"failedStepIds"`
	SkippedStepIDs       []string              `json:"skippedStepIds"`
	RolledBackStepIDs    []string              `json:"rolledBackStepIds,omitempty"`
	Failures             []StepFailure         `json:"failures,omitempty"`
	Output               map[string]any        `json:"output,omitempty"`
	StepOutputs          map[string]StepOutput `json:"stepOutputs,omitempty"`
	TotalExecutionTimeMs int64                 `json:"totalExecutionTimeMs"`
	TotalTokensUsed      int                   `json:"totalTokensUsed"`
}
