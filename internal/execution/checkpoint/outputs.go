package checkpoint

import (
	"context"
	"sync"

	"github.com/animus-labs/stepflow/internal/domain"
)

// OutputStore keeps step outputs so a resumed run can reuse completed work.
// Checkpoints never carry payloads; outputs live here, under a separate policy.
type OutputStore interface {
	PutOutput(ctx context.Context, executionID, stepID string, out domain.StepOutput) error
	GetOutput(ctx context.Context, executionID, stepID string) (domain.StepOutput, bool, error)
}

type MemoryOutputs struct {
	mu      sync.RWMutex
	outputs map[string]domain.StepOutput
}

func NewMemoryOutputs() *MemoryOutputs {
	return &MemoryOutputs{outputs: make(map[string]domain.StepOutput)}
}

func (m *MemoryOutputs) PutOutput(_ context.Context, executionID, stepID string, out domain.StepOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[executionID+"/"+stepID] = out
	return nil
}

func (m *MemoryOutputs) GetOutput(_ context.Context, executionID, stepID string) (domain.StepOutput, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, ok := m.outputs[executionID+"/"+stepID]
	return out, ok, nil
}
