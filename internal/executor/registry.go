package executor

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/stagerun/pkg/model"
)

// Factory builds an executor on first use. The returned release function, if
// any, frees what the executor holds (worker goroutines, child processes).
type Factory func() (exec Executor, release func(), err error)

// Registry maps ExecutorType values to factories and builds each executor at
// most once, so only the backend a run selects starts pools or cluster clients.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	factories map[model.ExecutorType]Factory
	built     map[model.ExecutorType]Executor
	releases  []func()
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[model.ExecutorType]Factory),
		built:     make(map[model.ExecutorType]Executor),
		logger:    logger.With("component", "executor-registry"),
	}
}

// Register adds the factory for t, replacing any earlier one.
func (r *Registry) Register(t model.ExecutorType, f Factory) {
	r.factories[t] = f
	r.logger.Debug("executor registered", "type", t)
}

// Types returns the registered executor types, sorted.
func (r *Registry) Types() []model.ExecutorType {
	out := make([]model.ExecutorType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Get returns the Executor for t, building it on the first call. Unknown types
// fail before anything is built.
func (r *Registry) Get(t model.ExecutorType) (Executor, error) {
	if exec, ok := r.built[t]; ok {
		return exec, nil
	}
	f, ok := r.factories[t]
	if !ok {
		return nil, fmt.Errorf("no executor registered for type %q (have %v)", t, r.Types())
	}
	exec, release, err := f()
	if err != nil {
		return nil, fmt.Errorf("build %s executor: %w", t, err)
	}
	if exec.Type() != t {
		if release != nil {
			release()
		}
		return nil, fmt.Errorf("factory for %q built a %q executor", t, exec.Type())
	}
	r.built[t] = exec
	if release != nil {
		r.releases = append(r.releases, release)
	}
	r.logger.Debug("executor built", "type", t)
	return exec, nil
}

// Close releases every built executor in reverse build order.
func (r *Registry) Close() {
	for i := len(r.releases) - 1; i >= 0; i-- {
		r.releases[i]()
	}
	r.releases = nil
	r.built = make(map[model.ExecutorType]Executor)
}
