package model

import "testing"

func TestJobState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    JobState
		terminal bool
	}{
		{JobStatePending, false},
		{JobStateRunning, false},
		{JobStateInactive, false},
		{JobStateFinished, true},
		{JobStateFailed, true},
		{JobStateError, true},
		{JobStateCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("JobState(%q).IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}
		if got := tt.state.IsActive(); got == tt.terminal {
			t.Errorf("JobState(%q).IsActive() = %v, want %v", tt.state, got, !tt.terminal)
		}
	}
}

func TestJobState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  JobState
		to    JobState
		valid bool
	}{
		// Valid transitions
		{JobStatePending, JobStateRunning, true},
		{JobStatePending, JobStateFailed, true},
		{JobStatePending, JobStateFinished, true},
		{JobStateRunning, JobStateInactive, true},
		{JobStateRunning, JobStateError, true},
		{JobStateRunning, JobStateCancelled, true},
		{JobStateInactive, JobStateRunning, true},
		{JobStateInactive, JobStateFinished, true},

		// Invalid transitions
		{JobStatePending, JobStateInactive, false},
		{JobStateRunning, JobStatePending, false},
		{JobStateFinished, JobStateRunning, false},
		{JobStateError, JobStatePending, false},
		{JobStateCancelled, JobStateRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("JobState(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestWorkerStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  WorkerStatus
		to    WorkerStatus
		valid bool
	}{
		{WorkerStatusIdle, WorkerStatusBusy, true},
		{WorkerStatusBusy, WorkerStatusIdle, true},
		{WorkerStatusBusy, WorkerStatusOffline, true},
		{WorkerStatusOffline, WorkerStatusIdle, true},
		{WorkerStatusOffline, WorkerStatusBusy, false},
		{WorkerStatusIdle, WorkerStatusIdle, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("WorkerStatus(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestJob_Descriptor(t *testing.T) {
	tests := []struct {
		job  Job
		want string
	}{
		{Job{Stage: "preproc", Domain: DomainSession, Index: []string{"sub-01", "ses-02"}}, "preproc[sub-01/ses-02]"},
		{Job{Stage: "group", Domain: DomainStudy}, "group[study]"},
	}
	for _, tt := range tests {
		if got := tt.job.Descriptor(); got != tt.want {
			t.Errorf("Descriptor() = %q, want %q", got, tt.want)
		}
	}
}
