package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/me/stagerun/pkg/model"
)

// Future is the handle to one unit of work submitted to a Pool.
type Future struct {
	ID    string
	Index int
	Slot  string

	mu          sync.Mutex
	state       model.JobState
	err         error
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// Poll returns the current state and, for terminal failures, the error. It never
// blocks.
func (f *Future) Poll() (model.JobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.err
}

// Cancel asks the unit of work to stop. A future that has not started yet is
// resolved as cancelled when its slot picks it up.
func (f *Future) Cancel() {
	f.cancel()
}

// Done returns a channel that is closed once the future reaches a terminal state.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Times returns when the future was submitted, started and finished. Unset times
// are zero.
func (f *Future) Times() (submitted, started, finished time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submittedAt, f.startedAt, f.finishedAt
}

func (f *Future) start(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = model.JobStateRunning
	f.startedAt = now
}

func (f *Future) finish(state model.JobState, err error, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.IsTerminal() {
		return
	}
	f.state = state
	f.err = err
	f.finishedAt = now
	if f.startedAt.IsZero() {
		f.startedAt = now
	}
	close(f.done)
}
