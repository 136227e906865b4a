package model

import (
	"fmt"
	"strings"
)

// UnresolvedDependencyError is returned at admission when a prerequisite done-flag
// is neither present on disk nor owned by an earlier enqueued job.
type UnresolvedDependencyError struct {
	Job      string
	DoneFlag string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("unresolved dependency: %s requires %s, which no earlier job produces", e.Job, e.DoneFlag)
}

// DuplicateDoneFlagError is returned when two jobs claim the same done-flag.
type DuplicateDoneFlagError struct {
	Job      string
	Owner    string
	DoneFlag string
}

func (e *DuplicateDoneFlagError) Error() string {
	return fmt.Sprintf("duplicate done-flag %s: claimed by %s and %s", e.DoneFlag, e.Owner, e.Job)
}

// CycleError is returned when the dependency graph is not acyclic.
type CycleError struct {
	Jobs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency graph contains a cycle involving: %s", strings.Join(e.Jobs, ", "))
}

// DeadlockError is returned when nothing is ready, nothing is in flight and
// unfinished jobs remain. It usually means a mis-declared dependency.
type DeadlockError struct {
	Remaining []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock: %d job(s) can never become ready: %s",
		len(e.Remaining), strings.Join(e.Remaining, ", "))
}

// FailureKind classifies why a job attempt did not finish.
type FailureKind string

const (
	FailureLaunch    FailureKind = "LaunchFailure"
	FailureRuntime   FailureKind = "RuntimeError"
	FailureCancelled FailureKind = "Cancelled"
	FailureInactive  FailureKind = "Inactive"
)

// Retryable reports whether failures of this kind may be resubmitted.
func (k FailureKind) Retryable() bool {
	return k != FailureCancelled
}

// JobError is the fatal report for a job whose failure ended the run.
type JobError struct {
	Kind       FailureKind
	Index      int
	Descriptor string
	ExternalID string
	Attempts   int
	WorkDir    string
	LogRef     string
	Err        error
}

func (e *JobError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: job %d %s", e.Kind, e.Index, e.Descriptor)
	if e.ExternalID != "" {
		fmt.Fprintf(&b, " (external id %s)", e.ExternalID)
	}
	fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	if e.WorkDir != "" {
		fmt.Fprintf(&b, ", workdir %s", e.WorkDir)
	}
	if e.LogRef != "" {
		fmt.Fprintf(&b, ", log %s", e.LogRef)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// BlockedError lists the jobs that could not run because a prerequisite failed.
// It is reported alongside the failures when the run keeps going after one.
type BlockedError struct {
	Jobs []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%d job(s) blocked by failed prerequisites: %s",
		len(e.Jobs), strings.Join(e.Jobs, ", "))
}
