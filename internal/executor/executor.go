// Package executor drives a dependency graph to completion on one of three
// backends: in-process sequential execution, a persistent worker pool, or an
// external batch cluster.
package executor

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/me/stagerun/internal/graph"
	"github.com/me/stagerun/internal/observability"
	"github.com/me/stagerun/internal/sink"
	"github.com/me/stagerun/pkg/model"
)

// Executor is a pluggable backend that runs every job of a graph.
type Executor interface {
	// Type returns the executor type identifier.
	Type() model.ExecutorType

	// Run blocks until every job in g completed or a fatal condition stopped
	// the run. Jobs still in flight when Run fails are cancelled first.
	Run(ctx context.Context, env *Env, g *graph.Graph) error
}

// Env is the per-run context shared by all executors. Zero fields fall back to
// defaults: wall clock, OSFlags, a discarding sink and a discarding logger.
type Env struct {
	RunID   string
	Logger  *slog.Logger
	Clock   clock.Clock
	Flags   graph.FlagChecker
	Sink    sink.Sink
	Metrics *observability.Metrics
}

func (e *Env) withDefaults() *Env {
	out := Env{}
	if e != nil {
		out = *e
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Flags == nil {
		out.Flags = graph.OSFlags{}
	}
	if out.Sink == nil {
		out.Sink = sink.Discard{}
	}
	return &out
}

// record writes the timing of a completed job to the sink and metrics. Sink
// failures are logged, never fatal.
func (e *Env) record(ctx context.Context, exec model.ExecutorType, job *model.Job, externalID string, attempts int, start, end time.Time) {
	t := model.Timing{
		RunID:      e.RunID,
		Stage:      job.Stage,
		Descriptor: job.Descriptor(),
		Executor:   exec,
		ExternalID: externalID,
		Attempts:   attempts,
		StartedAt:  start,
		FinishedAt: end,
		Duration:   end.Sub(start),
	}
	e.Metrics.Finished(t)
	e.Metrics.Observed(exec, model.JobStateFinished)
	if err := e.Sink.Record(ctx, t); err != nil {
		e.Logger.Warn("timing sink write failed", "job", t.Descriptor, "error", err)
	}
}

// skipDone completes index without running it when its done-flag already exists
// from an earlier run.
func skipDone(env *Env, logger *slog.Logger, g *graph.Graph, index int) bool {
	job := g.Job(index)
	if !env.Flags.Exists(job.DoneFlag) {
		return false
	}
	g.Take(index)
	g.Complete(index)
	logger.Info("job already complete, skipping", "job", job.Descriptor(), "index", index)
	return true
}
