package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/me/stagerun/internal/cluster"
	"github.com/me/stagerun/internal/graph"
	"github.com/me/stagerun/internal/monitor"
	"github.com/me/stagerun/internal/scheduler"
	"github.com/me/stagerun/internal/work"
	"github.com/me/stagerun/pkg/model"
)

// BatchConfig configures the batch cluster executor. Zero timeouts disable the
// corresponding check.
type BatchConfig struct {
	// Budget is the number of jobs that may be tracked on the cluster at once.
	Budget       int
	PollInterval time.Duration

	// PendingTimeout bounds how long a job may wait in the cluster queue before
	// it is cancelled and resubmitted.
	PendingTimeout time.Duration

	// A running job whose CPU stays below InactiveCPUPercent for
	// InactiveSamples consecutive polls is considered inactive. An inactive job
	// that does not recover within InactiveTimeout is killed and resubmitted.
	InactiveTimeout    time.Duration
	InactiveCPUPercent float64
	InactiveSamples    int

	MaxRetry     int
	RetryInitial time.Duration
	RetryMax     time.Duration

	// PurgeWorkDir removes a job's scratch directory whenever it stops being
	// tracked.
	PurgeWorkDir bool
}

// Batch submits jobs to an external cluster scheduler and polls them.
type Batch struct {
	cfg    BatchConfig
	sched  cluster.Scheduler
	logger *slog.Logger
}

// NewBatch creates a Batch executor on sched.
func NewBatch(cfg BatchConfig, sched cluster.Scheduler, logger *slog.Logger) (*Batch, error) {
	if cfg.Budget < 1 {
		return nil, fmt.Errorf("batch executor: budget must be at least 1, got %d", cfg.Budget)
	}
	return &Batch{
		cfg:    cfg,
		sched:  sched,
		logger: logger.With("component", "batch-executor"),
	}, nil
}

// Type returns model.ExecutorTypeBatch.
func (b *Batch) Type() model.ExecutorType {
	return model.ExecutorTypeBatch
}

// Run drives g to completion on the cluster.
func (b *Batch) Run(ctx context.Context, env *Env, g *graph.Graph) error {
	r := b.NewRun(env, g)
	r.logger.Info("run started", "jobs", g.Len(), "budget", b.cfg.Budget)

	loop := scheduler.NewLoop(r.env.Clock, b.cfg.PollInterval, b.logger)
	if err := loop.Run(ctx, r); err != nil {
		if len(r.tracked) > 0 {
			if aerr := r.Abort(context.WithoutCancel(ctx)); aerr != nil {
				r.logger.Error("abort incomplete", "error", aerr)
			}
		}
		return err
	}
	r.logger.Info("run finished", "completed", g.DoneCount())
	return nil
}

// BatchRun is the state of one Batch run. Its Tick advances the run by one
// poll-and-submit iteration.
type BatchRun struct {
	b       *Batch
	env     *Env
	g       *graph.Graph
	mon     *monitor.Controller
	logger  *slog.Logger
	tracked map[int]*model.JobInfo
	retries []pendingRetry
	ours    map[string]bool
}

// NewRun prepares a run of g without starting it.
func (b *Batch) NewRun(env *Env, g *graph.Graph) *BatchRun {
	env = env.withDefaults()
	return &BatchRun{
		b:   b,
		env: env,
		g:   g,
		mon: monitor.NewController(monitor.Policy{
			MaxRetry:     b.cfg.MaxRetry,
			InitialPause: b.cfg.RetryInitial,
			MaxPause:     b.cfg.RetryMax,
		}, env.Clock),
		logger:  b.logger.With("run_id", env.RunID),
		tracked: make(map[int]*model.JobInfo),
		ours:    make(map[string]bool),
	}
}

// Tracked returns a snapshot of the tracked jobs ordered by queue index.
func (r *BatchRun) Tracked() []model.JobInfo {
	out := make([]model.JobInfo, 0, len(r.tracked))
	for _, idx := range r.trackedIndices() {
		out = append(out, *r.tracked[idx])
	}
	return out
}

// Retries returns the number of retries granted to queue index so far.
func (r *BatchRun) Retries(index int) int {
	return r.mon.Retries(index)
}

// Tick polls every tracked job, applies the lifecycle rules and fills the free
// budget with due retries and ready jobs, in that order. A fatal condition
// cancels everything this run submitted before the error is returned.
func (r *BatchRun) Tick(ctx context.Context) (bool, error) {
	if err := r.tick(ctx); err != nil {
		if aerr := r.Abort(context.WithoutCancel(ctx)); aerr != nil {
			r.logger.Error("abort incomplete", "error", aerr)
		}
		return false, err
	}
	r.env.Metrics.SetInFlight(model.ExecutorTypeBatch, len(r.tracked))
	return r.g.IsComplete(), nil
}

func (r *BatchRun) tick(ctx context.Context) error {
	for _, idx := range r.trackedIndices() {
		if err := r.poll(ctx, idx); err != nil {
			return err
		}
	}
	if err := r.submit(ctx); err != nil {
		return err
	}
	return r.g.CheckLiveness(len(r.tracked) + len(r.retries))
}

func (r *BatchRun) trackedIndices() []int {
	indices := make([]int, 0, len(r.tracked))
	for idx := range r.tracked {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

func (r *BatchRun) poll(ctx context.Context, idx int) error {
	info := r.tracked[idx]
	st, err := r.b.sched.Query(ctx, info.ExternalID)
	if errors.Is(err, cluster.ErrNotFound) {
		st = cluster.Status{State: model.JobStateError, Diagnostics: cluster.Diagnostics{Message: "scheduler no longer knows the job"}}
	} else if err != nil {
		r.logger.Warn("query failed, will retry next tick", "job", info.Descriptor, "external_id", info.ExternalID, "error", err)
		return nil
	}
	if st.Diagnostics.LogRef != "" {
		info.LogRef = st.Diagnostics.LogRef
	}
	if st.Diagnostics.WorkDir != "" {
		info.WorkDir = st.Diagnostics.WorkDir
	}

	now := r.env.Clock.Now()
	outcome := monitor.Classify(st.State)
	if outcome != monitor.InProgress {
		r.setState(info, st.State)
	}
	switch outcome {
	case monitor.InProgress:
		if st.State != model.JobStatePending {
			return r.observeActivity(ctx, idx, info, st, now)
		}
		if !r.setState(info, model.JobStatePending) {
			return nil
		}
		if r.b.cfg.PendingTimeout > 0 && now.Sub(info.SubmittedAt) > r.b.cfg.PendingTimeout {
			r.logger.Warn("job pending too long, cancelling",
				"job", info.Descriptor, "external_id", info.ExternalID, "pending", now.Sub(info.SubmittedAt))
			r.cancel(ctx, info)
			return r.fail(ctx, idx, info, model.FailureLaunch,
				fmt.Errorf("pending for longer than %s", r.b.cfg.PendingTimeout))
		}
		return nil

	case monitor.Success:
		job := r.g.Job(idx)
		if !r.env.Flags.Exists(job.DoneFlag) {
			r.env.Metrics.Observed(model.ExecutorTypeBatch, model.JobStateError)
			return r.fail(ctx, idx, info, model.FailureRuntime, errNoDoneFlag)
		}
		r.succeed(ctx, idx, info, now)
		return nil

	default:
		r.env.Metrics.Observed(model.ExecutorTypeBatch, st.State)
		var cause error
		if st.Diagnostics.Message != "" {
			cause = errors.New(st.Diagnostics.Message)
		} else {
			cause = fmt.Errorf("job reported %s", st.State)
		}
		return r.fail(ctx, idx, info, monitor.KindFor(st.State), cause)
	}
}

// observeActivity applies the running <-> inactive rules. A CPU sample below
// the threshold counts as low; without a sample the scheduler's own verdict is
// used.
func (r *BatchRun) observeActivity(ctx context.Context, idx int, info *model.JobInfo, st cluster.Status, now time.Time) error {
	if info.State == model.JobStatePending && r.setState(info, model.JobStateRunning) {
		started := now
		info.StartedAt = &started
		r.logger.Debug("job running", "job", info.Descriptor, "external_id", info.ExternalID)
	}

	low := st.State == model.JobStateInactive
	if cpu := st.Diagnostics.CPUPercent; cpu != nil {
		low = *cpu < r.b.cfg.InactiveCPUPercent
	}
	if low {
		info.LowSamples++
	} else {
		info.LowSamples = 0
	}

	if info.State == model.JobStateRunning {
		samples := r.b.cfg.InactiveSamples
		if st.State == model.JobStateInactive || (samples > 0 && info.LowSamples >= samples) {
			if !r.setState(info, model.JobStateInactive) {
				return nil
			}
			since := now
			info.InactiveSince = &since
			r.logger.Warn("job inactive", "job", info.Descriptor, "external_id", info.ExternalID, "samples", info.LowSamples)
		}
		return nil
	}

	if !low {
		if !r.setState(info, model.JobStateRunning) {
			return nil
		}
		info.InactiveSince = nil
		r.logger.Info("job active again", "job", info.Descriptor, "external_id", info.ExternalID)
		return nil
	}
	if r.b.cfg.InactiveTimeout > 0 && now.Sub(*info.InactiveSince) > r.b.cfg.InactiveTimeout {
		r.logger.Warn("job inactive too long, killing",
			"job", info.Descriptor, "external_id", info.ExternalID, "inactive", now.Sub(*info.InactiveSince))
		r.cancel(ctx, info)
		r.env.Metrics.Observed(model.ExecutorTypeBatch, model.JobStateInactive)
		return r.fail(ctx, idx, info, model.FailureInactive,
			fmt.Errorf("inactive for longer than %s", r.b.cfg.InactiveTimeout))
	}
	return nil
}

// setState moves info to next if the lifecycle table allows it. Invalid moves
// reported by the scheduler are logged and ignored.
func (r *BatchRun) setState(info *model.JobInfo, next model.JobState) bool {
	if info.State == next {
		return true
	}
	if !info.State.CanTransitionTo(next) {
		r.logger.Warn("ignoring invalid state change",
			"job", info.Descriptor, "external_id", info.ExternalID, "from", info.State, "to", next)
		return false
	}
	info.State = next
	return true
}

func (r *BatchRun) succeed(ctx context.Context, idx int, info *model.JobInfo, now time.Time) {
	delete(r.tracked, idx)
	job := r.g.Job(idx)
	start := info.SubmittedAt
	if info.StartedAt != nil {
		start = *info.StartedAt
	}
	r.g.Complete(idx)
	r.env.record(ctx, model.ExecutorTypeBatch, job, info.ExternalID, r.mon.Attempts(idx), start, now)
	r.mon.Forget(idx)
	r.purge(job)
	r.logger.Info("job finished", "job", info.Descriptor, "index", idx,
		"external_id", info.ExternalID, "attempt", info.Attempt, "duration", now.Sub(start))
}

// fail stops tracking info and either schedules a retry or returns the fatal
// *model.JobError.
func (r *BatchRun) fail(_ context.Context, idx int, info *model.JobInfo, kind model.FailureKind, cause error) error {
	delete(r.tracked, idx)
	job := r.g.Job(idx)
	r.purge(job)

	d := r.mon.Decide(idx, kind)
	if d.Retry {
		r.env.Metrics.Retried(model.ExecutorTypeBatch, kind)
		r.retries = append(r.retries, pendingRetry{index: idx, notBefore: d.NotBefore})
		r.logger.Warn("job failed, retrying",
			"job", info.Descriptor, "index", idx, "external_id", info.ExternalID,
			"attempt", d.Attempts, "retry", d.Retries, "kind", kind, "pause", d.Pause, "error", cause)
		return nil
	}

	r.logger.Error("job failed",
		"job", info.Descriptor, "index", idx, "external_id", info.ExternalID,
		"attempts", d.Attempts, "kind", kind, "log", info.LogRef, "error", cause)
	return &model.JobError{
		Kind:       kind,
		Index:      idx,
		Descriptor: info.Descriptor,
		ExternalID: info.ExternalID,
		Attempts:   d.Attempts,
		WorkDir:    info.WorkDir,
		LogRef:     info.LogRef,
		Err:        cause,
	}
}

func (r *BatchRun) submit(ctx context.Context) error {
	free := r.b.cfg.Budget - len(r.tracked)
	now := r.env.Clock.Now()

	due := r.retries
	r.retries = nil
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].notBefore.Before(due[j].notBefore)
	})
	for _, pr := range due {
		if free <= 0 || now.Before(pr.notBefore) {
			r.retries = append(r.retries, pr)
			continue
		}
		free--
		if err := r.launch(ctx, pr.index); err != nil {
			return err
		}
	}

	// Skipping a job completed by an earlier run can make its dependents
	// ready, so rescan until nothing was skipped.
	for {
		skipped := false
		for _, idx := range r.g.Ready() {
			if free <= 0 {
				return nil
			}
			if skipDone(r.env, r.logger, r.g, idx) {
				skipped = true
				continue
			}
			r.g.Take(idx)
			free--
			if err := r.launch(ctx, idx); err != nil {
				return err
			}
		}
		if !skipped {
			return nil
		}
	}
}

// launch submits one attempt of idx. A rejected submission counts as a launch
// failure against the retry ceiling.
func (r *BatchRun) launch(ctx context.Context, idx int) error {
	job := r.g.Job(idx)
	attempt := r.mon.Submitted(idx)
	now := r.env.Clock.Now()
	info := &model.JobInfo{
		Index:       idx,
		Descriptor:  job.Descriptor(),
		State:       model.JobStatePending,
		Attempt:     attempt,
		SubmittedAt: now,
		WorkDir:     job.WorkDir,
	}
	r.env.Metrics.Submitted(model.ExecutorTypeBatch)

	id, err := r.b.sched.Submit(ctx, job, cluster.SpecFor(job, attempt))
	if err != nil {
		r.env.Metrics.Observed(model.ExecutorTypeBatch, model.JobStateFailed)
		return r.fail(ctx, idx, info, model.FailureLaunch, err)
	}
	info.ExternalID = id
	r.ours[id] = true
	r.tracked[idx] = info
	r.logger.Info("job submitted", "job", info.Descriptor, "index", idx, "external_id", id, "attempt", attempt)
	return nil
}

func (r *BatchRun) cancel(ctx context.Context, info *model.JobInfo) {
	if err := r.b.sched.Cancel(ctx, info.ExternalID); err != nil && !errors.Is(err, cluster.ErrNotFound) {
		r.logger.Warn("cancel failed", "job", info.Descriptor, "external_id", info.ExternalID, "error", err)
	}
}

func (r *BatchRun) purge(job *model.Job) {
	if !r.b.cfg.PurgeWorkDir {
		return
	}
	if err := work.PurgeWorkDir(job); err != nil {
		r.logger.Warn("purge failed", "job", job.Descriptor(), "error", err)
	}
}

// Abort cancels every tracked job, then cancels whatever the scheduler still
// lists as active among the ids this run submitted.
func (r *BatchRun) Abort(ctx context.Context) error {
	var errs error
	for _, idx := range r.trackedIndices() {
		info := r.tracked[idx]
		if err := r.b.sched.Cancel(ctx, info.ExternalID); err != nil && !errors.Is(err, cluster.ErrNotFound) {
			errs = multierr.Append(errs, err)
		}
		delete(r.tracked, idx)
		r.purge(r.g.Job(idx))
	}
	r.retries = nil

	active, err := r.b.sched.ListActive(ctx)
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("list active jobs: %w", err))
	}
	for _, id := range active {
		if !r.ours[id] {
			continue
		}
		r.logger.Warn("cancelling straggler", "external_id", id)
		if err := r.b.sched.Cancel(ctx, id); err != nil && !errors.Is(err, cluster.ErrNotFound) {
			errs = multierr.Append(errs, err)
		}
	}
	r.env.Metrics.SetInFlight(model.ExecutorTypeBatch, 0)
	return errs
}
