// Package workerpool provides a persistent, fixed-size pool of worker slots.
//
// Each slot is a long-lived goroutine that runs one unit of work at a time, so the
// cost of starting workers is paid once per pool rather than once per job. Work is
// submitted to a specific slot and observed through a Future that can be polled
// without blocking.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/me/stagerun/internal/work"
	"github.com/me/stagerun/pkg/model"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("worker pool is closed")

type task struct {
	ctx  context.Context
	fut  *Future
	job  *model.Job
	work work.Work
}

type slot struct {
	id string
	ch chan *task
}

// Pool is a fixed set of named worker slots.
type Pool struct {
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	order  []string
	slots  map[string]*slot
	closed bool
	wg     sync.WaitGroup
}

// New starts one goroutine per slot id. A nil clock uses the wall clock.
func New(slotIDs []string, clk clock.Clock, logger *slog.Logger) (*Pool, error) {
	if len(slotIDs) == 0 {
		return nil, errors.New("worker pool needs at least one slot")
	}
	if clk == nil {
		clk = clock.New()
	}
	p := &Pool{
		clock:  clk,
		logger: logger.With("component", "worker-pool"),
		slots:  make(map[string]*slot, len(slotIDs)),
	}
	for _, id := range slotIDs {
		if _, dup := p.slots[id]; dup {
			p.Close()
			return nil, fmt.Errorf("duplicate slot id %q", id)
		}
		s := &slot{id: id, ch: make(chan *task, 1)}
		p.slots[id] = s
		p.order = append(p.order, id)
		p.wg.Add(1)
		go p.worker(s)
	}
	p.logger.Debug("pool started", "slots", len(slotIDs))
	return p, nil
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.order)
}

// Slots returns the slot ids in creation order.
func (p *Pool) Slots() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Submit hands job to slot slotID and returns its Future. The slot must be idle;
// callers reserve it through an allocator first. The unit of work runs under a
// context derived from ctx that Future.Cancel cancels.
func (p *Pool) Submit(ctx context.Context, slotID string, index int, job *model.Job, w work.Work) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	s, ok := p.slots[slotID]
	if !ok {
		return nil, fmt.Errorf("unknown slot %q", slotID)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	fut := &Future{
		ID:          uuid.NewString(),
		Index:       index,
		Slot:        slotID,
		state:       model.JobStatePending,
		submittedAt: p.clock.Now(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	select {
	case s.ch <- &task{ctx: taskCtx, fut: fut, job: job, work: w}:
	default:
		cancel()
		return nil, fmt.Errorf("slot %q is busy", slotID)
	}
	p.logger.Debug("job submitted", "job", job.Descriptor(), "index", index, "slot", slotID, "future", fut.ID)
	return fut, nil
}

// Close stops accepting work and waits for every slot goroutine to return.
// Running units of work are not cancelled; cancel their futures first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, s := range p.slots {
		close(s.ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Debug("pool closed")
}

func (p *Pool) worker(s *slot) {
	defer p.wg.Done()
	for t := range s.ch {
		p.run(t)
	}
}

func (p *Pool) run(t *task) {
	defer t.fut.cancel()

	if t.ctx.Err() != nil {
		t.fut.finish(model.JobStateCancelled, t.ctx.Err(), p.clock.Now())
		return
	}
	t.fut.start(p.clock.Now())

	err := p.safeRun(t)
	now := p.clock.Now()
	switch {
	case err == nil:
		t.fut.finish(model.JobStateFinished, nil, now)
	case t.ctx.Err() != nil:
		t.fut.finish(model.JobStateCancelled, err, now)
	case work.IsLaunchError(err):
		t.fut.finish(model.JobStateFailed, err, now)
	default:
		t.fut.finish(model.JobStateError, err, now)
	}
}

func (p *Pool) safeRun(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %s: %v", t.job.Descriptor(), r)
		}
	}()
	return t.work.Run(t.ctx, t.job)
}
