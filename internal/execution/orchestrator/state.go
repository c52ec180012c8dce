package orchestrator

import (
	"github.com/animus-labs/stepflow/internal/domain"
)

// runState is the terminal status of every step the run has settled so far. It is
// only touched by the coordinating goroutine.
type runState struct {
	plan           domain.ExecutionPlan
	status         map[string]domain.StepStatus
	errs           map[string]error
	restored       map[string]bool
	completedOrder []string
	rolledBack     []string
}

func newRunState(p domain.ExecutionPlan) *runState {
	return &runState{
		plan:     p,
		status:   make(map[string]domain.StepStatus, p.StepCount()),
		errs:     make(map[string]error),
		restored: make(map[string]bool),
	}
}

func (s *runState) mark(id string, status domain.StepStatus, err error) {
	s.status[id] = status
	if err != nil {
		s.errs[id] = err
	} else {
		delete(s.errs, id)
	}
}

// firstUnmetDependency returns the first dependency of step that did not complete.
func (s *runState) firstUnmetDependency(step domain.Step) (string, bool) {
	for _, dep := range step.Dependencies {
		if s.status[dep] != domain.StepCompleted {
			return dep, true
		}
	}
	return "", false
}

// ordered returns the ids with the given status in plan order.
func (s *runState) ordered(status domain.StepStatus) []string {
	out := make([]string, 0)
	for _, level := range s.plan.Levels {
		for _, id := range level.StepIDs {
			if s.status[id] == status {
				out = append(out, id)
			}
		}
	}
	return out
}

func (s *runState) failed() []string { return s.ordered(domain.StepFailed) }
