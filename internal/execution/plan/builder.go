package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/stepflow/internal/domain"
)

// Build validates a workflow and groups its steps into dependency-ordered levels.
// No partial plan is returned on error.
func Build(workflow domain.Workflow) (domain.ExecutionPlan, error) {
	if err := ValidateWorkflow(workflow); err != nil {
		return domain.ExecutionPlan{}, err
	}

	levels, levelByStep, err := levelSteps(workflow.Steps)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}

	steps := make(map[string]domain.Step, len(workflow.Steps))
	dependents := make(map[string][]string, len(workflow.Steps))
	for _, step := range workflow.Steps {
		steps[step.ID] = step
		for _, dep := range step.Dependencies {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}
	for id := range dependents {
		sort.Strings(dependents[id])
	}

	return domain.ExecutionPlan{
		WorkflowID:  strings.TrimSpace(workflow.ID),
		Levels:      levels,
		Steps:       steps,
		LevelByStep: levelByStep,
		Dependents:  dependents,
	}, nil
}

// levelSteps peels steps whose dependencies are all leveled, Kahn style.
// Ids inside a level are sorted so plans are deterministic.
func levelSteps(steps []domain.Step) ([]domain.Level, map[string]int, error) {
	inDegree := make(map[string]int, len(steps))
	adj := make(map[string][]string, len(steps))
	for _, step := range steps {
		inDegree[step.ID] = 0
	}
	for _, step := range steps {
		for _, dep := range step.Dependencies {
			adj[dep] = append(adj[dep], step.ID)
			inDegree[step.ID]++
		}
	}

	ready := make([]string, 0, len(steps))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}

	levels := make([]domain.Level, 0)
	levelByStep := make(map[string]int, len(steps))
	for len(ready) > 0 {
		sort.Strings(ready)
		index := len(levels)
		levels = append(levels, domain.Level{Index: index, StepIDs: ready})

		next := make([]string, 0)
		for _, id := range ready {
			levelByStep[id] = index
			for _, neighbor := range adj[id] {
				inDegree[neighbor]--
				if inDegree[neighbor] == 0 {
					next = append(next, neighbor)
				}
			}
		}
		ready = next
	}

	if len(levelByStep) != len(inDegree) {
		return nil, nil, &domain.ValidationError{Issues: []string{cycleMessage(steps)}}
	}
	return levels, levelByStep, nil
}

func cycleMessage(steps []domain.Step) string {
	if cycle := findCycle(steps); len(cycle) > 0 {
		return "dependency graph contains a cycle: " + strings.Join(cycle, " -> ")
	}
	return "dependency graph contains a cycle"
}

// findCycle returns one cycle as a closed path (first id repeated at the end).
func findCycle(steps []domain.Step) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	deps := make(map[string][]string, len(steps))
	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		ids = append(ids, step.ID)
		sorted := append([]string(nil), step.Dependencies...)
		sort.Strings(sorted)
		deps[step.ID] = sorted
	}
	sort.Strings(ids)

	state := make(map[string]int, len(steps))
	stack := make([]string, 0, len(steps))
	var cycle []string
	var visit func(string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			for i, id := range stack {
				if id == node {
					cycle = append(append([]string(nil), stack[i:]...), node)
					break
				}
			}
			return true
		case done:
			return false
		}
		state[node] = visiting
		stack = append(stack, node)
		for _, next := range deps[node] {
			if _, known := deps[next]; !known {
				continue
			}
			if visit(next) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		return false
	}

	for _, id := range ids {
		if state[id] == unvisited && visit(id) {
			// Edges point at dependencies; report in execution order.
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return cycle
		}
	}
	return nil
}

// Transitive returns every step that depends on id directly or transitively, sorted.
func Transitive(p domain.ExecutionPlan, id string) []string {
	seen := make(map[string]struct{})
	queue := append([]string(nil), p.Dependents[id]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if _, ok := seen[current]; ok {
			continue
		}
		seen[current] = struct{}{}
		queue = append(queue, p.Dependents[current]...)
	}
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Describe renders the plan levels for logs and the CLI.
func Describe(p domain.ExecutionPlan) string {
	var b strings.Builder
	for _, level := range p.Levels {
		fmt.Fprintf(&b, "level %d: %s\n", level.Index, strings.Join(level.StepIDs, ", "))
	}
	return b.String()
}
