// Package monitor classifies job outcomes and decides between retry and fatal
// failure. Both the pooled and the batch executor consult it, so retry ceilings
// and pauses behave the same on every backend.
package monitor

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/me/stagerun/pkg/model"
)

// Outcome is the coarse classification of an observed job state.
type Outcome int

const (
	InProgress Outcome = iota
	Success
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case InProgress:
		return "in-progress"
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps a job state to an outcome, ignoring the retry budget.
func Classify(s model.JobState) Outcome {
	switch s {
	case model.JobStateFinished:
		return Success
	case model.JobStateFailed, model.JobStateError:
		return Retryable
	case model.JobStateCancelled:
		return Fatal
	}
	return InProgress
}

// KindFor returns the failure kind reported for a terminal unsuccessful state.
func KindFor(s model.JobState) model.FailureKind {
	switch s {
	case model.JobStateFailed:
		return model.FailureLaunch
	case model.JobStateCancelled:
		return model.FailureCancelled
	case model.JobStateInactive:
		return model.FailureInactive
	}
	return model.FailureRuntime
}

// Policy configures the retry ceiling and the pause between attempts.
type Policy struct {
	// MaxRetry is the number of resubmissions allowed per queue slot.
	// A job is attempted at most MaxRetry+1 times.
	MaxRetry int

	// InitialPause is the first pause before a resubmission; zero disables pausing.
	InitialPause time.Duration
	// MaxPause caps the exponential growth of the pause.
	MaxPause time.Duration
}

// Decision is the verdict for one failed attempt.
type Decision struct {
	Retry     bool
	Kind      model.FailureKind
	Attempts  int
	Retries   int
	Pause     time.Duration
	NotBefore time.Time
}

// Controller keeps per-slot attempt and retry counters. Slots are identified by
// queue index, never by external job id, so every resubmission of a job shares
// the same budget. Not safe for concurrent use.
type Controller struct {
	policy   Policy
	clock    clock.Clock
	attempts map[int]int
	retries  map[int]int
	pauses   map[int]*backoff.ExponentialBackOff
}

// NewController creates a Controller. A nil clock uses the wall clock.
func NewController(p Policy, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if p.MaxRetry < 0 {
		p.MaxRetry = 0
	}
	return &Controller{
		policy:   p,
		clock:    clk,
		attempts: make(map[int]int),
		retries:  make(map[int]int),
		pauses:   make(map[int]*backoff.ExponentialBackOff),
	}
}

// Submitted records a new attempt of index and returns its 1-based attempt number.
func (c *Controller) Submitted(index int) int {
	c.attempts[index]++
	return c.attempts[index]
}

// Attempts returns the number of attempts recorded for index.
func (c *Controller) Attempts(index int) int {
	return c.attempts[index]
}

// Retries returns the number of retry decisions made for index.
func (c *Controller) Retries(index int) int {
	return c.retries[index]
}

// Decide returns whether the failed attempt of index should be resubmitted.
// Cancelled jobs are never retried; other kinds share the MaxRetry ceiling.
func (c *Controller) Decide(index int, kind model.FailureKind) Decision {
	d := Decision{Kind: kind, Attempts: c.attempts[index], Retries: c.retries[index]}
	if !kind.Retryable() || c.retries[index] >= c.policy.MaxRetry {
		return d
	}
	c.retries[index]++
	d.Retry = true
	d.Retries = c.retries[index]
	d.Pause = c.nextPause(index)
	d.NotBefore = c.clock.Now().Add(d.Pause)
	return d
}

// Forget drops the bookkeeping for index once the job succeeded.
func (c *Controller) Forget(index int) {
	delete(c.pauses, index)
}

func (c *Controller) nextPause(index int) time.Duration {
	if c.policy.InitialPause <= 0 {
		return 0
	}
	b, ok := c.pauses[index]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = c.policy.InitialPause
		b.MaxInterval = c.policy.MaxPause
		if b.MaxInterval < b.InitialInterval {
			b.MaxInterval = b.InitialInterval
		}
		b.RandomizationFactor = 0
		// Attempts are bounded by MaxRetry, not by elapsed time.
		b.MaxElapsedTime = 0
		b.Clock = c.clock
		b.Reset()
		c.pauses[index] = b
	}
	return b.NextBackOff()
}
