package saga

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// eligibility is the decision for a step about to be scheduled.
type eligibility int

const (
	// decisionRun: every declared dependency has a completed result.
	decisionRun eligibility = iota
	// decisionSkip: dependencies unmet but the step is skippable.
	decisionSkip
	// decisionFail: dependencies unmet and the step is not skippable;
	// the whole saga fails without attempting the step.
	decisionFail
)

// stepEligibility decides whether a step may run given the current
// step results. A dependency counts as satisfied only when its result
// exists and is completed; skipped or failed dependencies do not.
func stepEligibility(step *SagaStep, inst *Instance) (eligibility, []string) {
	var missing []string
	for _, dep := range step.DependsOn {
		res, ok := inst.StepResult(dep)
		if !ok || res.Status != StepCompleted {
			missing = append(missing, dep)
		}
	}

	if len(missing) == 0 {
		return decisionRun, nil
	}
	if step.Skippable {
		return decisionSkip, missing
	}
	return decisionFail, missing
}

// executionLevels groups step declaration indices into dependency
// levels for concurrent execution: every step in level N depends only
// on steps in levels < N. Dependencies on undeclared step IDs are
// ignored here; they are caught per step by stepEligibility at run
// time, identically to sequential execution.
func executionLevels(def *SagaDefinition) ([][]int, error) {
	byID := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		byID[def.Steps[i].ID] = i
	}

	g := simple.NewDirectedGraph()
	for i := range def.Steps {
		g.AddNode(simple.Node(int64(i)))
	}
	for i := range def.Steps {
		for _, dep := range def.Steps[i].DependsOn {
			j, known := byID[dep]
			if !known || j == i {
				continue
			}
			g.SetEdge(simple.Edge{F: simple.Node(int64(j)), T: simple.Node(int64(i))})
		}
	}

	// Stabilized topological sort doubles as cycle detection, with
	// declaration order as the deterministic tie-break.
	if _, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(a, b int) bool {
			return nodes[a].ID() < nodes[b].ID()
		})
	}); err != nil {
		return nil, fmt.Errorf("dependency cycle in saga %q: %w", def.Name, err)
	}

	// Build dependency sets over declared steps only.
	dependencies := make(map[int]map[int]bool, len(def.Steps))
	for i := range def.Steps {
		dependencies[i] = make(map[int]bool)
		for _, dep := range def.Steps[i].DependsOn {
			if j, known := byID[dep]; known && j != i {
				dependencies[i][j] = true
			}
		}
	}

	var levels [][]int
	placed := make(map[int]bool, len(def.Steps))
	for len(placed) < len(def.Steps) {
		var current []int
		for i := range def.Steps {
			if placed[i] {
				continue
			}
			ready := true
			for dep := range dependencies[i] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				current = append(current, i)
			}
		}

		if len(current) == 0 {
			// Unreachable once the sort above passed; kept as a guard.
			return nil, fmt.Errorf("dependency cycle in saga %q: unable to make progress", def.Name)
		}

		for _, i := range current {
			placed[i] = true
		}
		sort.Ints(current)
		levels = append(levels, current)
	}

	return levels, nil
}
