package cluster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/me/stagerun/internal/work"
	"github.com/me/stagerun/pkg/model"
)

type fakeProbe struct{ seconds float64 }

func (p *fakeProbe) CPUTime(int) (float64, error) { return p.seconds, nil }

func waitState(t *testing.T, l *Local, id string, want model.JobState) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := l.Query(context.Background(), id)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return Status{}
}

func newLocal(t *testing.T, probe Probe, clk clock.Clock) *Local {
	t.Helper()
	l := NewLocal(work.NewCommand(t.TempDir(), testLogger()), probe, clk, testLogger())
	t.Cleanup(l.Close)
	return l
}

func TestLocal_Finished(t *testing.T) {
	l := newLocal(t, nil, nil)
	dir := t.TempDir()
	job := &model.Job{Stage: "a", DoneFlag: filepath.Join(dir, "a.done"), Command: []string{"true"}}

	id, err := l.Submit(context.Background(), job, SpecFor(job, 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st := waitState(t, l, id, model.JobStateFinished)
	if st.Diagnostics.LogRef == "" {
		t.Error("LogRef should point at the job log")
	}
	if _, err := os.Stat(job.DoneFlag); err != nil {
		t.Errorf("done-flag missing: %v", err)
	}
	active, _ := l.ListActive(context.Background())
	if len(active) != 0 {
		t.Errorf("ListActive = %v, want none", active)
	}
}

func TestLocal_Error(t *testing.T) {
	l := newLocal(t, nil, nil)
	job := &model.Job{Stage: "a", DoneFlag: filepath.Join(t.TempDir(), "a.done"), Command: []string{"false"}}
	id, _ := l.Submit(context.Background(), job, SpecFor(job, 1))
	st := waitState(t, l, id, model.JobStateError)
	if st.Diagnostics.Message == "" {
		t.Error("expected a diagnostic message")
	}
}

func TestLocal_LaunchFailure(t *testing.T) {
	l := newLocal(t, nil, nil)
	job := &model.Job{Stage: "a", DoneFlag: filepath.Join(t.TempDir(), "a.done"), Command: []string{"/nonexistent/binary"}}
	id, err := l.Submit(context.Background(), job, SpecFor(job, 1))
	if err != nil {
		t.Fatalf("Submit should assign an id even when launch fails, got %v", err)
	}
	st, err := l.Query(context.Background(), id)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if st.State != model.JobStateFailed {
		t.Errorf("State = %s, want failed", st.State)
	}
}

func TestLocal_CancelAndListActive(t *testing.T) {
	l := newLocal(t, nil, nil)
	job := &model.Job{Stage: "a", DoneFlag: filepath.Join(t.TempDir(), "a.done"), Command: []string{"sleep", "30"}}
	id, _ := l.Submit(context.Background(), job, SpecFor(job, 1))

	active, _ := l.ListActive(context.Background())
	if len(active) != 1 || active[0] != id {
		t.Fatalf("ListActive = %v, want [%s]", active, id)
	}
	if err := l.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitState(t, l, id, model.JobStateCancelled)
	if _, err := os.Stat(job.DoneFlag); err == nil {
		t.Error("cancelled job must not create its done-flag")
	}
}

func TestLocal_UnknownID(t *testing.T) {
	l := newLocal(t, nil, nil)
	if _, err := l.Query(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Query err = %v, want ErrNotFound", err)
	}
	if err := l.Cancel(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel err = %v, want ErrNotFound", err)
	}
}

func TestLocal_CPUSample(t *testing.T) {
	probe := &fakeProbe{}
	clk := clock.NewMock()
	l := newLocal(t, probe, clk)
	job := &model.Job{Stage: "a", DoneFlag: filepath.Join(t.TempDir(), "a.done"), Command: []string{"sleep", "30"}}
	id, _ := l.Submit(context.Background(), job, SpecFor(job, 1))

	clk.Add(10 * time.Second)
	probe.seconds = 5
	st, _ := l.Query(context.Background(), id)
	if st.Diagnostics.CPUPercent == nil || *st.Diagnostics.CPUPercent != 50 {
		t.Fatalf("CPUPercent = %v, want 50", st.Diagnostics.CPUPercent)
	}

	clk.Add(10 * time.Second)
	st, _ = l.Query(context.Background(), id)
	if st.Diagnostics.CPUPercent == nil || *st.Diagnostics.CPUPercent != 0 {
		t.Errorf("CPUPercent = %v, want 0 for an idle process", st.Diagnostics.CPUPercent)
	}
}

func TestLocal_ForgetsEndedJobs(t *testing.T) {
	l := newLocal(t, nil, nil)
	dir := t.TempDir()
	finished := &model.Job{Stage: "a", DoneFlag: filepath.Join(dir, "a.done"), Command: []string{"true"}}
	failed := &model.Job{Stage: "b", DoneFlag: filepath.Join(dir, "b.done"), Command: []string{"/nonexistent/binary"}}

	id, _ := l.Submit(context.Background(), finished, SpecFor(finished, 1))
	waitState(t, l, id, model.JobStateFinished)
	if _, err := l.Query(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Query err = %v, want ErrNotFound", err)
	}

	// A job that ended without being queried is dropped by Cancel.
	failedID, _ := l.Submit(context.Background(), failed, SpecFor(failed, 1))
	if err := l.Cancel(context.Background(), failedID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	l.mu.Lock()
	n := len(l.jobs)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("jobs kept = %d, want 0", n)
	}
}
