package graph

import (
	"sort"

	"github.com/me/stagerun/pkg/model"
)

// Order returns a topological order of the queue using Kahn's algorithm, with ties
// broken by queue index. A cycle yields *model.CycleError naming the jobs involved.
//
// Admission already rejects edges to jobs that were not enqueued earlier, so a
// cycle here means the graph was corrupted; executors still validate before a run.
func (g *Graph) Order() ([]int, error) {
	inDegree := make([]int, len(g.jobs))
	for i := range g.jobs {
		inDegree[i] = len(g.deps[i])
	}

	var queue []int
	for i, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(g.jobs))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, succ := range g.dependents[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Ints(queue)
	}

	if len(order) != len(g.jobs) {
		var cycle []string
		for i, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, g.jobs[i].Descriptor())
			}
		}
		sort.Strings(cycle)
		return nil, &model.CycleError{Jobs: cycle}
	}
	return order, nil
}

// Validate checks that the graph is acyclic.
func (g *Graph) Validate() error {
	_, err := g.Order()
	return err
}
