// Package graph holds the job queue and the dependency graph derived from it.
//
// Jobs are admitted one at a time, in an order that already respects their
// dependencies: every prerequisite must either exist on disk (completed by a
// previous run) or be the done-flag of a job admitted earlier. The graph tracks an
// unresolved-prerequisite counter per job and a ready set of jobs whose counter
// reached zero. All mutation happens on the executor's control goroutine, so the
// Graph carries no locks.
package graph

import (
	"fmt"

	"github.com/me/stagerun/pkg/model"
)

// Graph is the job queue plus its dependency bookkeeping.
type Graph struct {
	flags FlagChecker

	jobs       []*model.Job
	owners     map[string]int // done-flag -> job index
	deps       [][]int        // job -> prerequisite jobs
	dependents [][]int        // job -> jobs waiting on it
	unresolved []int

	ready     []int
	readySet  map[int]bool
	taken     map[int]bool
	completed map[int]bool
}

// New creates an empty Graph. flags decides which prerequisites were already
// satisfied by an earlier run; nil means OSFlags.
func New(flags FlagChecker) *Graph {
	if flags == nil {
		flags = OSFlags{}
	}
	return &Graph{
		flags:     flags,
		owners:    make(map[string]int),
		readySet:  make(map[int]bool),
		taken:     make(map[int]bool),
		completed: make(map[int]bool),
	}
}

// Add admits job and returns its queue index.
//
// Prerequisites whose done-flag already exists are dropped. The remaining ones must
// be owned by earlier Add calls, otherwise *model.UnresolvedDependencyError is
// returned and the graph is left unchanged.
func (g *Graph) Add(job model.Job) (int, error) {
	desc := job.Descriptor()
	if job.DoneFlag == "" {
		return -1, fmt.Errorf("job %s: done-flag is required", desc)
	}
	if owner, ok := g.owners[job.DoneFlag]; ok {
		return -1, &model.DuplicateDoneFlagError{
			Job:      desc,
			Owner:    g.jobs[owner].Descriptor(),
			DoneFlag: job.DoneFlag,
		}
	}

	var deps []int
	seen := make(map[int]bool)
	for _, flag := range job.Prereqs {
		if flag == job.DoneFlag {
			return -1, &model.CycleError{Jobs: []string{desc}}
		}
		if g.flags.Exists(flag) {
			continue
		}
		owner, ok := g.owners[flag]
		if !ok {
			return -1, &model.UnresolvedDependencyError{Job: desc, DoneFlag: flag}
		}
		if !seen[owner] {
			seen[owner] = true
			deps = append(deps, owner)
		}
	}

	idx := len(g.jobs)
	stored := job
	g.jobs = append(g.jobs, &stored)
	g.owners[job.DoneFlag] = idx
	g.deps = append(g.deps, deps)
	g.dependents = append(g.dependents, nil)
	g.unresolved = append(g.unresolved, 0)

	for _, d := range deps {
		g.dependents[d] = append(g.dependents[d], idx)
		if !g.completed[d] {
			g.unresolved[idx]++
		}
	}
	if g.unresolved[idx] == 0 {
		g.markReady(idx)
	}
	return idx, nil
}

// Complete records that job index finished and returns the dependents that became
// ready as a result. A second call for the same index is a no-op.
func (g *Graph) Complete(index int) []int {
	if index < 0 || index >= len(g.jobs) || g.completed[index] {
		return nil
	}
	g.completed[index] = true
	g.taken[index] = true
	g.removeReady(index)

	var newlyReady []int
	for _, d := range g.dependents[index] {
		if g.unresolved[d] == 0 {
			continue
		}
		g.unresolved[d]--
		if g.unresolved[d] == 0 {
			g.markReady(d)
			newlyReady = append(newlyReady, d)
		}
	}
	return newlyReady
}

// Ready returns a copy of the ready set in insertion order.
func (g *Graph) Ready() []int {
	out := make([]int, len(g.ready))
	copy(out, g.ready)
	return out
}

// HasReady reports whether any job is waiting for submission.
func (g *Graph) HasReady() bool {
	return len(g.ready) > 0
}

// Take removes index from the ready set and marks it submitted.
// It returns false if index was not ready.
func (g *Graph) Take(index int) bool {
	if !g.readySet[index] {
		return false
	}
	g.removeReady(index)
	g.taken[index] = true
	return true
}

// TakeAll empties the ready set and returns its members in order.
func (g *Graph) TakeAll() []int {
	out := g.ready
	g.ready = nil
	for _, idx := range out {
		delete(g.readySet, idx)
		g.taken[idx] = true
	}
	return out
}

// Requeue puts a submitted but unfinished job back into the ready set, for
// example when its attempt is abandoned and it must be submitted again.
func (g *Graph) Requeue(index int) {
	if index < 0 || index >= len(g.jobs) || g.completed[index] || g.unresolved[index] != 0 {
		return
	}
	delete(g.taken, index)
	g.markReady(index)
}

func (g *Graph) markReady(index int) {
	if g.readySet[index] || g.taken[index] {
		return
	}
	g.readySet[index] = true
	g.ready = append(g.ready, index)
}

func (g *Graph) removeReady(index int) {
	if !g.readySet[index] {
		return
	}
	delete(g.readySet, index)
	for i, idx := range g.ready {
		if idx == index {
			g.ready = append(g.ready[:i], g.ready[i+1:]...)
			break
		}
	}
}

// CheckLiveness returns *model.DeadlockError when the ready set is empty, nothing
// is in flight and some jobs have not completed.
func (g *Graph) CheckLiveness(inFlight int) error {
	if len(g.ready) > 0 || inFlight > 0 || g.IsComplete() {
		return nil
	}
	var remaining []string
	for _, idx := range g.Pending() {
		remaining = append(remaining, g.jobs[idx].Descriptor())
	}
	return &model.DeadlockError{Remaining: remaining}
}

// Len returns the number of admitted jobs.
func (g *Graph) Len() int { return len(g.jobs) }

// Job returns the job at index.
func (g *Graph) Job(index int) *model.Job { return g.jobs[index] }

// Jobs returns the queue in admission order.
func (g *Graph) Jobs() []*model.Job {
	out := make([]*model.Job, len(g.jobs))
	copy(out, g.jobs)
	return out
}

// Done reports whether job index has completed.
func (g *Graph) Done(index int) bool { return g.completed[index] }

// DoneCount returns the number of completed jobs.
func (g *Graph) DoneCount() int { return len(g.completed) }

// IsComplete reports whether every admitted job has completed.
func (g *Graph) IsComplete() bool { return len(g.completed) == len(g.jobs) }

// Pending returns the indices of jobs that have not completed, in queue order.
func (g *Graph) Pending() []int {
	var out []int
	for i := range g.jobs {
		if !g.completed[i] {
			out = append(out, i)
		}
	}
	return out
}

// Deps returns the prerequisite jobs of index that were not already satisfied on disk.
func (g *Graph) Deps(index int) []int { return g.deps[index] }

// Dependents returns the jobs waiting on index.
func (g *Graph) Dependents(index int) []int { return g.dependents[index] }

// Unresolved returns the number of prerequisites of index that have not completed.
func (g *Graph) Unresolved(index int) int { return g.unresolved[index] }

// Owner returns the index of the job that produces doneFlag.
func (g *Graph) Owner(doneFlag string) (int, bool) {
	idx, ok := g.owners[doneFlag]
	return idx, ok
}

// Blocked returns the unfinished jobs that transitively depend on any of failed.
func (g *Graph) Blocked(failed []int) []int {
	visited := make(map[int]bool)
	queue := append([]int(nil), failed...)
	var out []int
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		for _, d := range g.dependents[idx] {
			if visited[d] || g.completed[d] {
				continue
			}
			visited[d] = true
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	return out
}
