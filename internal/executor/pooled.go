package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/me/stagerun/internal/allocator"
	"github.com/me/stagerun/internal/graph"
	"github.com/me/stagerun/internal/monitor"
	"github.com/me/stagerun/internal/scheduler"
	"github.com/me/stagerun/internal/work"
	"github.com/me/stagerun/internal/workerpool"
	"github.com/me/stagerun/pkg/model"
)

// drainTimeout bounds how long an aborted run waits for cancelled futures.
const drainTimeout = 30 * time.Second

// PoolConfig configures the pooled executor.
type PoolConfig struct {
	Workers      []model.WorkerDescriptor
	PollInterval time.Duration
	// Strict aborts the run at the first failure that cannot be retried.
	Strict       bool
	MaxRetry     int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// Clock stamps futures and bounds the drain of an aborted run. It is also
	// the run clock when Env.Clock is unset. Nil means the wall clock.
	Clock clock.Clock
}

// Pooled runs ready jobs concurrently on a persistent pool of worker slots.
// The pool outlives individual runs and must be closed with Close.
type Pooled struct {
	cfg    PoolConfig
	alloc  *allocator.Allocator
	pool   *workerpool.Pool
	work   work.Work
	clock  clock.Clock
	logger *slog.Logger
}

// NewPooled starts one worker goroutine per configured worker slot.
func NewPooled(cfg PoolConfig, w work.Work, logger *slog.Logger) (*Pooled, error) {
	alloc, err := allocator.New(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("pooled executor: %w", err)
	}
	var ids []string
	for _, wd := range alloc.Workers() {
		ids = append(ids, wd.ID)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	pool, err := workerpool.New(ids, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("pooled executor: %w", err)
	}
	return &Pooled{
		cfg:    cfg,
		alloc:  alloc,
		pool:   pool,
		work:   w,
		clock:  clk,
		logger: logger.With("component", "pooled-executor"),
	}, nil
}

// Type returns model.ExecutorTypePooled.
func (p *Pooled) Type() model.ExecutorType {
	return model.ExecutorTypePooled
}

// Close stops the worker pool.
func (p *Pooled) Close() {
	p.pool.Close()
}

// Allocator exposes the slot allocator, mostly for inspection.
func (p *Pooled) Allocator() *allocator.Allocator {
	return p.alloc
}

type pooledJob struct {
	fut  *workerpool.Future
	slot string
}

type pendingRetry struct {
	index     int
	notBefore time.Time
}

type pooledRun struct {
	p        *Pooled
	env      *Env
	g        *graph.Graph
	mon      *monitor.Controller
	logger   *slog.Logger
	inFlight map[int]*pooledJob
	retries  []pendingRetry
	failures []error
	failed   []int
}

// Run drives g to completion on the pool.
func (p *Pooled) Run(ctx context.Context, env *Env, g *graph.Graph) error {
	if env == nil || env.Clock == nil {
		var e Env
		if env != nil {
			e = *env
		}
		e.Clock = p.clock
		env = &e
	}
	env = env.withDefaults()
	for i, job := range g.Jobs() {
		if !p.alloc.CanEverSatisfy(job.Resources) {
			return fmt.Errorf("job %d %s: no worker in the pool satisfies its resource requirements %+v",
				i, job.Descriptor(), job.Resources)
		}
	}

	r := &pooledRun{
		p:   p,
		env: env,
		g:   g,
		mon: monitor.NewController(monitor.Policy{
			MaxRetry:     p.cfg.MaxRetry,
			InitialPause: p.cfg.RetryInitial,
			MaxPause:     p.cfg.RetryMax,
		}, env.Clock),
		logger:   p.logger.With("run_id", env.RunID),
		inFlight: make(map[int]*pooledJob),
	}
	r.logger.Info("run started", "jobs", g.Len(), "workers", p.pool.Size(), "strict", p.cfg.Strict)

	loop := scheduler.NewLoop(env.Clock, p.cfg.PollInterval, p.logger)
	err := loop.Run(ctx, scheduler.TickFunc(r.tick))
	if len(r.inFlight) > 0 {
		r.abort()
	}
	if err != nil {
		return err
	}
	r.logger.Info("run finished", "completed", g.DoneCount(), "failed", len(r.failed))
	return nil
}

func (r *pooledRun) tick(ctx context.Context) (bool, error) {
	if err := r.poll(ctx); err != nil {
		return false, err
	}
	if err := r.submit(ctx); err != nil {
		return false, err
	}
	r.env.Metrics.SetInFlight(model.ExecutorTypePooled, len(r.inFlight))

	if r.g.IsComplete() {
		return true, nil
	}
	// Dependents of failed jobs never become ready; report them as blocked
	// rather than as a deadlock.
	if len(r.inFlight) == 0 && len(r.retries) == 0 && len(r.failed) > 0 && !r.g.HasReady() {
		return false, r.report()
	}
	if err := r.g.CheckLiveness(len(r.inFlight) + len(r.retries)); err != nil {
		return false, err
	}
	return false, nil
}

func (r *pooledRun) poll(ctx context.Context) error {
	indices := r.sortedInFlight()
	fatal := false
	for _, idx := range indices {
		pj := r.inFlight[idx]
		state, runErr := pj.fut.Poll()
		outcome := monitor.Classify(state)
		if outcome == monitor.InProgress {
			continue
		}
		delete(r.inFlight, idx)
		r.p.alloc.Release(pj.slot)

		job := r.g.Job(idx)
		if outcome == monitor.Success && !r.env.Flags.Exists(job.DoneFlag) {
			state, runErr = model.JobStateError, errNoDoneFlag
			outcome = monitor.Classify(state)
		}
		if outcome == monitor.Success {
			_, started, finished := pj.fut.Times()
			r.g.Complete(idx)
			r.mon.Forget(idx)
			r.env.record(ctx, model.ExecutorTypePooled, job, pj.fut.ID, r.mon.Attempts(idx), started, finished)
			r.logger.Info("job finished", "job", job.Descriptor(), "index", idx, "slot", pj.slot)
			continue
		}

		r.env.Metrics.Observed(model.ExecutorTypePooled, state)
		if r.onFailure(idx, pj, state, runErr) {
			fatal = true
		}
	}
	// Every future that ended in this poll is classified before a strict run
	// stops, so simultaneous failures are all reported.
	if fatal && r.p.cfg.Strict {
		return multierr.Combine(r.failures...)
	}
	return nil
}

// onFailure handles an unsuccessful attempt and reports whether it was fatal.
func (r *pooledRun) onFailure(idx int, pj *pooledJob, state model.JobState, runErr error) bool {
	job := r.g.Job(idx)
	kind := monitor.KindFor(state)
	d := r.mon.Decide(idx, kind)
	if d.Retry {
		r.env.Metrics.Retried(model.ExecutorTypePooled, kind)
		r.retries = append(r.retries, pendingRetry{index: idx, notBefore: d.NotBefore})
		r.logger.Warn("job failed, retrying",
			"job", job.Descriptor(), "index", idx, "attempt", d.Attempts, "kind", kind, "pause", d.Pause, "error", runErr)
		return false
	}

	jerr := &model.JobError{
		Kind:       kind,
		Index:      idx,
		Descriptor: job.Descriptor(),
		ExternalID: pj.fut.ID,
		Attempts:   d.Attempts,
		WorkDir:    job.WorkDir,
		Err:        runErr,
	}
	r.failures = append(r.failures, jerr)
	r.failed = append(r.failed, idx)
	r.logger.Error("job failed", "job", job.Descriptor(), "index", idx, "attempts", d.Attempts, "kind", kind, "error", runErr)
	return true
}

func (r *pooledRun) submit(ctx context.Context) error {
	now := r.env.Clock.Now()

	var waiting []pendingRetry
	for _, pr := range r.retries {
		if now.Before(pr.notBefore) {
			waiting = append(waiting, pr)
			continue
		}
		ok, err := r.start(ctx, pr.index)
		if err != nil {
			return err
		}
		if !ok {
			waiting = append(waiting, pr)
		}
	}
	r.retries = waiting

	for {
		skipped := false
		for _, idx := range r.g.Ready() {
			if skipDone(r.env, r.logger, r.g, idx) {
				skipped = true
				continue
			}
			ok, err := r.start(ctx, idx)
			if err != nil {
				return err
			}
			if ok {
				r.g.Take(idx)
			}
		}
		if !skipped {
			return nil
		}
	}
}

// start submits idx to a free slot satisfying its resources. ok is false when no
// such slot is free right now.
func (r *pooledRun) start(ctx context.Context, idx int) (bool, error) {
	job := r.g.Job(idx)
	slot, ok := r.p.alloc.Allocate(job.Resources)
	if !ok {
		return false, nil
	}
	fut, err := r.p.pool.Submit(ctx, slot, idx, job, r.p.work)
	if err != nil {
		r.p.alloc.Release(slot)
		return false, fmt.Errorf("submit job %s: %w", job.Descriptor(), err)
	}
	attempt := r.mon.Submitted(idx)
	r.inFlight[idx] = &pooledJob{fut: fut, slot: slot}
	r.env.Metrics.Submitted(model.ExecutorTypePooled)
	r.logger.Info("job submitted", "job", job.Descriptor(), "index", idx, "slot", slot, "attempt", attempt)
	return true, nil
}

// report builds the end-of-run error of a non-strict run that had failures.
func (r *pooledRun) report() error {
	err := multierr.Combine(r.failures...)
	if blocked := r.g.Blocked(r.failed); len(blocked) > 0 {
		var names []string
		for _, idx := range blocked {
			names = append(names, r.g.Job(idx).Descriptor())
		}
		err = multierr.Append(err, &model.BlockedError{Jobs: names})
	}
	return err
}

// abort cancels every in-flight future and waits for the slots to drain. Slots
// whose work ignores cancellation are taken offline.
func (r *pooledRun) abort() {
	r.logger.Warn("aborting run", "in_flight", len(r.inFlight))
	for _, pj := range r.inFlight {
		pj.fut.Cancel()
	}

	timeout := r.p.clock.After(drainTimeout)
drain:
	for _, idx := range r.sortedInFlight() {
		pj := r.inFlight[idx]
		select {
		case <-pj.fut.Done():
			r.p.alloc.Release(pj.slot)
			delete(r.inFlight, idx)
		case <-timeout:
			break drain
		}
	}
	for idx, pj := range r.inFlight {
		r.logger.Error("slot did not stop, taking it offline", "slot", pj.slot, "job", r.g.Job(idx).Descriptor())
		if err := r.p.alloc.SetStatus(pj.slot, model.WorkerStatusOffline); err != nil {
			r.logger.Error("set slot offline", "slot", pj.slot, "error", err)
		}
		delete(r.inFlight, idx)
	}
	r.env.Metrics.SetInFlight(model.ExecutorTypePooled, 0)
}

func (r *pooledRun) sortedInFlight() []int {
	indices := make([]int, 0, len(r.inFlight))
	for idx := range r.inFlight {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}
