// Package cluster is the client side of an external batch scheduler.
//
// The scheduler itself is not part of this module. Scheduler describes the four
// calls the batch executor needs, and this package provides two implementations:
// an RPCClient speaking JSON-RPC 1.1 over HTTP and a Local backend that runs jobs
// as child processes of the current host.
package cluster

import (
	"context"
	"errors"

	"github.com/me/stagerun/pkg/model"
)

// ErrNotFound is returned by Query and Cancel for an id the scheduler does not know.
var ErrNotFound = errors.New("job not found")

// Spec is the resource request sent along with a submission.
type Spec struct {
	Cores     int   `json:"cores,omitempty"`
	MemoryMB  int64 `json:"memory_mb,omitempty"`
	HighMem   bool  `json:"high_mem,omitempty"`
	Unlimited bool  `json:"unlimited,omitempty"`
	Attempt   int   `json:"attempt"`
}

// SpecFor builds the submission request for the given attempt of job.
func SpecFor(job *model.Job, attempt int) Spec {
	return Spec{
		Cores:     job.Resources.Cores,
		MemoryMB:  job.Resources.MemoryMB,
		HighMem:   job.Resources.HighMem,
		Unlimited: job.Resources.Unlimited,
		Attempt:   attempt,
	}
}

// Diagnostics carries what the scheduler knows about a job besides its state.
type Diagnostics struct {
	// CPUPercent is the most recent CPU utilisation sample, nil when the
	// scheduler has none.
	CPUPercent *float64 `json:"cpu_percent,omitempty"`
	Message    string   `json:"message,omitempty"`
	LogRef     string   `json:"log_ref,omitempty"`
	WorkDir    string   `json:"work_dir,omitempty"`
}

// Status is the answer to Query.
type Status struct {
	State       model.JobState `json:"state"`
	Diagnostics Diagnostics    `json:"diagnostics"`
}

// Scheduler is the external cluster scheduler API.
type Scheduler interface {
	// Submit queues job and returns the scheduler's id for this attempt.
	Submit(ctx context.Context, job *model.Job, spec Spec) (string, error)

	// Query returns the current status of a submitted job.
	Query(ctx context.Context, id string) (Status, error)

	// Cancel asks the scheduler to stop a job. Cancelling a finished job is a no-op.
	Cancel(ctx context.Context, id string) error

	// ListActive returns the ids of jobs the scheduler still considers active.
	ListActive(ctx context.Context) ([]string, error)
}
