package runtime

import (
	"fmt"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// PlanLevels groups steps into levels that can run concurrently while
// producing the same namespace as running them in declaration order.
//
// Step j depends on an earlier step i when j reads a variable i writes,
// when j overwrites a variable i reads or writes, or when j lists i in
// depends_on. Steps with a condition may read any variable, so they act as
// barriers between everything before and after them. Levels hold step
// indexes in declaration order.
func PlanLevels(steps []models.StepSpec) ([][]int, error) {
	n := len(steps)
	reads := make([]map[string]bool, n)
	writes := make([]map[string]bool, n)
	index := make(map[string]int, n)

	for i, s := range steps {
		index[s.Name] = i
		reads[i] = make(map[string]bool)
		for _, ref := range References(s.Inputs) {
			reads[i][ref] = true
		}
		writes[i] = make(map[string]bool, len(s.Outputs))
		for _, out := range s.Outputs {
			writes[i][out] = true
		}
	}

	deps := make([]map[int]bool, n)
	for j := range steps {
		deps[j] = make(map[int]bool)
	}

	for j := 0; j < n; j++ {
		for i := 0; i < j; i++ {
			if steps[i].Condition != "" || steps[j].Condition != "" ||
				intersects(writes[i], reads[j]) ||
				intersects(reads[i], writes[j]) ||
				intersects(writes[i], writes[j]) {
				deps[j][i] = true
			}
		}
		for _, name := range steps[j].DependsOn {
			i, ok := index[name]
			if !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", steps[j].Name, name)
			}
			if i == j {
				return nil, fmt.Errorf("step %q depends on itself", steps[j].Name)
			}
			deps[j][i] = true
		}
	}

	level := make([]int, n)
	for i := range level {
		level[i] = -1
	}

	// Kahn's algorithm, assigning each step one level past its deepest
	// dependency.
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for j := range deps {
		indegree[j] = len(deps[j])
		for i := range deps[j] {
			dependents[i] = append(dependents[i], j)
		}
	}

	var queue []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
			level[i] = 0
		}
	}

	processed := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		processed++
		for _, j := range dependents[i] {
			if level[i]+1 > level[j] {
				level[j] = level[i] + 1
			}
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}

	if processed != n {
		for i := 0; i < n; i++ {
			if indegree[i] > 0 {
				return nil, fmt.Errorf("step %q is part of a dependency cycle", steps[i].Name)
			}
		}
	}

	depth := 0
	for _, l := range level {
		if l+1 > depth {
			depth = l + 1
		}
	}
	levels := make([][]int, depth)
	for i, l := range level {
		levels[l] = append(levels[l], i)
	}
	return levels, nil
}

func intersects(a, b map[string]bool) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}
