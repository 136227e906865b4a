package model

// JobState represents the lifecycle state of one submission attempt of a Job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateInactive  JobState = "inactive"
	JobStateFinished  JobState = "finished"
	JobStateFailed    JobState = "failed"
	JobStateError     JobState = "error"
	JobStateCancelled JobState = "cancelled"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the attempt is over, successfully or not.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateFinished, JobStateFailed, JobStateError, JobStateCancelled:
		return true
	}
	return false
}

// IsActive returns true while the attempt occupies a worker slot.
func (s JobState) IsActive() bool {
	switch s {
	case JobStatePending, JobStateRunning, JobStateInactive:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for a submission attempt.
// Pending may go straight to a terminal state when the backend reports completion
// between two polls.
var ValidJobTransitions = map[JobState][]JobState{
	JobStatePending: {
		JobStateRunning, JobStateFinished, JobStateFailed, JobStateError, JobStateCancelled,
	},
	JobStateRunning: {
		JobStateInactive, JobStateFinished, JobStateFailed, JobStateError, JobStateCancelled,
	},
	JobStateInactive: {
		JobStateRunning, JobStateFinished, JobStateFailed, JobStateError, JobStateCancelled,
	},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExecutorType identifies which executor backend drives a run.
type ExecutorType string

const (
	ExecutorTypeSequential ExecutorType = "sequential"
	ExecutorTypePooled     ExecutorType = "pooled"
	ExecutorTypeBatch      ExecutorType = "batch"
)
