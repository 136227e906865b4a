package model

import (
	"errors"
	"strings"
	"testing"
)

func TestUnresolvedDependencyError(t *testing.T) {
	err := &UnresolvedDependencyError{Job: "fit[sub-01]", DoneFlag: "/d/prep.done"}
	want := "unresolved dependency: fit[sub-01] requires /d/prep.done, which no earlier job produces"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestDeadlockError(t *testing.T) {
	err := &DeadlockError{Remaining: []string{"a[study]", "b[study]"}}
	if !strings.Contains(err.Error(), "2 job(s)") {
		t.Errorf("Error() = %q, want job count", err.Error())
	}
}

func TestJobError_Unwrap(t *testing.T) {
	cause := errors.New("segfault")
	err := &JobError{
		Kind:       FailureRuntime,
		Index:      3,
		Descriptor: "fit[sub-01]",
		ExternalID: "ext-9",
		Attempts:   3,
		WorkDir:    "/scratch/fit",
		LogRef:     "/logs/ext-9.log",
		Err:        cause,
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	msg := err.Error()
	for _, part := range []string{"RuntimeError", "ext-9", "3 attempt(s)", "/scratch/fit", "/logs/ext-9.log", "segfault"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
}

func TestFailureKind_Retryable(t *testing.T) {
	tests := []struct {
		kind FailureKind
		want bool
	}{
		{FailureLaunch, true},
		{FailureRuntime, true},
		{FailureInactive, true},
		{FailureCancelled, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.want {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
