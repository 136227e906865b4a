package model

import (
	"fmt"
	"strings"
	"time"
)

// Domain is the level of the analysis hierarchy a Job operates on.
type Domain string

const (
	DomainStudy   Domain = "study"
	DomainSubject Domain = "subject"
	DomainSession Domain = "session"
)

// Resources lists what a Job needs from the worker that runs it.
// The zero value fits any worker.
type Resources struct {
	HighMem   bool  `json:"high_mem,omitempty" yaml:"high_mem"`
	Unlimited bool  `json:"unlimited,omitempty" yaml:"unlimited"`
	Cores     int   `json:"cores,omitempty" yaml:"cores"`
	MemoryMB  int64 `json:"memory_mb,omitempty" yaml:"memory_mb"`
}

// Job is one unit of work in the queue. It is never mutated once enqueued.
type Job struct {
	Stage  string   `json:"stage"`
	Domain Domain   `json:"domain"`
	Index  []string `json:"index,omitempty"`

	// DoneFlag is the sentinel path whose existence means the job has completed.
	DoneFlag string `json:"done_flag"`

	// Prereqs are done-flag paths of the jobs this one depends on.
	Prereqs []string `json:"prereqs,omitempty"`

	Resources Resources `json:"resources"`

	// Command, Env and WorkDir are consumed by the command-backed unit of work.
	// WorkDir is scratch space and may be purged between attempts.
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
}

// Descriptor renders the job for diagnostics, e.g. "preproc[sub-01/ses-02]".
func (j *Job) Descriptor() string {
	if len(j.Index) == 0 {
		return fmt.Sprintf("%s[%s]", j.Stage, j.Domain)
	}
	return fmt.Sprintf("%s[%s]", j.Stage, strings.Join(j.Index, "/"))
}

// JobInfo tracks one submission attempt of a queued Job on a pool or cluster.
type JobInfo struct {
	ExternalID  string
	Index       int
	Descriptor  string
	State       JobState
	Attempt     int
	SubmittedAt time.Time
	StartedAt   *time.Time
	LogRef      string
	WorkDir     string

	// LowSamples counts consecutive probe samples below the inactivity threshold.
	LowSamples    int
	InactiveSince *time.Time
}

// Timing is the record written to the timing sink for every completed job.
type Timing struct {
	RunID      string        `json:"run_id"`
	Stage      string        `json:"stage"`
	Descriptor string        `json:"descriptor"`
	Executor   ExecutorType  `json:"executor"`
	ExternalID string        `json:"external_id,omitempty"`
	Attempts   int           `json:"attempts"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
}
