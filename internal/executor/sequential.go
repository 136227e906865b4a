package executor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/me/stagerun/internal/graph"
	"github.com/me/stagerun/internal/work"
	"github.com/me/stagerun/pkg/model"
)

// errNoDoneFlag is reported when a unit of work returned success without
// creating its done-flag.
var errNoDoneFlag = errors.New("finished without creating its done-flag")

// Sequential runs jobs one at a time in queue order. Admission guarantees the
// queue order respects every dependency, so edges are not consulted.
type Sequential struct {
	work   work.Work
	logger *slog.Logger
}

// NewSequential creates a Sequential executor running w for every job.
func NewSequential(w work.Work, logger *slog.Logger) *Sequential {
	return &Sequential{
		work:   w,
		logger: logger.With("component", "sequential-executor"),
	}
}

// Type returns model.ExecutorTypeSequential.
func (s *Sequential) Type() model.ExecutorType {
	return model.ExecutorTypeSequential
}

// Run executes every job in order and stops at the first failure.
func (s *Sequential) Run(ctx context.Context, env *Env, g *graph.Graph) error {
	env = env.withDefaults()
	s.logger.Info("run started", "run_id", env.RunID, "jobs", g.Len())

	for i := 0; i < g.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if g.Done(i) || skipDone(env, s.logger, g, i) {
			continue
		}
		job := g.Job(i)
		g.Take(i)
		env.Metrics.Submitted(model.ExecutorTypeSequential)

		start := env.Clock.Now()
		s.logger.Info("job started", "job", job.Descriptor(), "index", i)
		err := s.work.Run(ctx, job)
		if err == nil && !env.Flags.Exists(job.DoneFlag) {
			err = errNoDoneFlag
		}
		if err != nil {
			kind := model.FailureRuntime
			if work.IsLaunchError(err) {
				kind = model.FailureLaunch
			}
			env.Metrics.Observed(model.ExecutorTypeSequential, model.JobStateError)
			return &model.JobError{
				Kind:       kind,
				Index:      i,
				Descriptor: job.Descriptor(),
				Attempts:   1,
				WorkDir:    job.WorkDir,
				Err:        err,
			}
		}

		end := env.Clock.Now()
		g.Complete(i)
		env.record(ctx, model.ExecutorTypeSequential, job, "", 1, start, end)
		s.logger.Info("job finished", "job", job.Descriptor(), "index", i, "duration", end.Sub(start))
	}

	s.logger.Info("run finished", "run_id", env.RunID, "jobs", g.Len())
	return nil
}
