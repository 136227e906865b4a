package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/me/stagerun/internal/work"
	"github.com/me/stagerun/pkg/model"
)

// Probe reports the cumulative CPU time, in seconds, consumed by a process.
type Probe interface {
	CPUTime(pid int) (float64, error)
}

// ProcessProbe reads CPU times from the operating system.
type ProcessProbe struct{}

// CPUTime returns user plus system time of pid.
func (ProcessProbe) CPUTime(pid int) (float64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	t, err := p.Times()
	if err != nil {
		return 0, err
	}
	return t.User + t.System, nil
}

// Local is a Scheduler that runs every submitted job as a child process of the
// current host. There is no queueing: a submission starts immediately, and
// the batch executor's budget bounds how many run at once.
type Local struct {
	cmd    *work.Command
	probe  Probe
	clock  clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
	wg   sync.WaitGroup
}

type localJob struct {
	id      string
	job     *model.Job
	proc    *work.Process
	cancel  context.CancelFunc
	state   model.JobState
	message string
	logRef  string

	cancelled bool
	lastCPU   float64
	lastAt    time.Time
	cpu       *float64
}

// NewLocal creates a Local scheduler. A nil probe uses ProcessProbe and a nil
// clock the wall clock.
func NewLocal(cmd *work.Command, probe Probe, clk clock.Clock, logger *slog.Logger) *Local {
	if probe == nil {
		probe = ProcessProbe{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Local{
		cmd:    cmd,
		probe:  probe,
		clock:  clk,
		logger: logger.With("component", "local-scheduler"),
		jobs:   make(map[string]*localJob),
	}
}

// Submit starts the job's command. A command that cannot be started is still
// assigned an id and reported as failed by Query.
func (l *Local) Submit(ctx context.Context, job *model.Job, spec Spec) (string, error) {
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	lj := &localJob{id: id, job: job, cancel: cancel, logRef: l.cmd.LogPath(job)}

	proc, err := l.cmd.Start(runCtx, job)
	if err != nil {
		cancel()
		lj.state = model.JobStateFailed
		lj.message = err.Error()
		l.logger.Warn("launch failed", "job", job.Descriptor(), "external_id", id, "error", err)
	} else {
		lj.proc = proc
		lj.state = model.JobStateRunning
		lj.lastAt = l.clock.Now()
	}

	l.mu.Lock()
	l.jobs[id] = lj
	l.mu.Unlock()

	if proc != nil {
		l.wg.Add(1)
		go l.wait(lj)
		l.logger.Debug("job started", "job", job.Descriptor(), "external_id", id,
			"pid", proc.PID(), "attempt", spec.Attempt)
	}
	return id, nil
}

func (l *Local) wait(lj *localJob) {
	defer l.wg.Done()
	err := lj.proc.Wait()
	lj.cancel()

	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case lj.cancelled:
		lj.state = model.JobStateCancelled
	case err != nil:
		lj.state = model.JobStateError
		lj.message = err.Error()
	default:
		lj.state = model.JobStateFinished
	}
	lj.cpu = nil
}

// Query returns the job's state. For running jobs it also samples CPU usage
// since the previous Query. A terminal state is reported once; the job is
// forgotten afterwards and later calls return ErrNotFound.
func (l *Local) Query(_ context.Context, id string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lj, ok := l.jobs[id]
	if !ok {
		return Status{}, fmt.Errorf("query %s: %w", id, ErrNotFound)
	}
	if lj.state == model.JobStateRunning {
		l.sample(lj)
	}
	if lj.state.IsTerminal() {
		delete(l.jobs, id)
	}
	return Status{
		State: lj.state,
		Diagnostics: Diagnostics{
			CPUPercent: lj.cpu,
			Message:    lj.message,
			LogRef:     lj.logRef,
			WorkDir:    lj.job.WorkDir,
		},
	}, nil
}

func (l *Local) sample(lj *localJob) {
	total, err := l.probe.CPUTime(lj.proc.PID())
	if err != nil {
		l.logger.Debug("cpu probe failed", "external_id", lj.id, "error", err)
		return
	}
	now := l.clock.Now()
	elapsed := now.Sub(lj.lastAt).Seconds()
	if elapsed <= 0 {
		return
	}
	pct := (total - lj.lastCPU) / elapsed * 100
	if pct < 0 {
		pct = 0
	}
	lj.cpu = &pct
	lj.lastCPU = total
	lj.lastAt = now
}

// Cancel kills the job's process. Jobs that already ended are forgotten.
func (l *Local) Cancel(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lj, ok := l.jobs[id]
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}
	if lj.state.IsTerminal() {
		delete(l.jobs, id)
		return nil
	}
	lj.cancelled = true
	lj.cancel()
	l.logger.Debug("job cancelled", "job", lj.job.Descriptor(), "external_id", id)
	return nil
}

// ListActive returns the ids of jobs whose process is still running, sorted.
func (l *Local) ListActive(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for id, lj := range l.jobs {
		if lj.state.IsActive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close kills every running job and waits for the processes to exit.
func (l *Local) Close() {
	l.mu.Lock()
	for _, lj := range l.jobs {
		if lj.state.IsActive() {
			lj.cancelled = true
			lj.cancel()
		}
	}
	l.mu.Unlock()
	l.wg.Wait()
}
