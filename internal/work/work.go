// Package work defines the unit-of-work contract the executors drive.
//
// A unit of work performs one processing stage for one job and signals completion
// by creating the job's done-flag. What a stage computes is opaque to the
// scheduler.
package work

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/me/stagerun/pkg/model"
)

// Work runs one job to completion.
type Work interface {
	Run(ctx context.Context, job *model.Job) error
}

// Func adapts a function to the Work interface.
type Func func(ctx context.Context, job *model.Job) error

// Run calls f(ctx, job).
func (f Func) Run(ctx context.Context, job *model.Job) error {
	return f(ctx, job)
}

// LaunchError reports that a unit of work could not even start, as opposed to
// failing while it ran.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch: %v", e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsLaunchError reports whether err, or any error it wraps, is a LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// Touch creates the done-flag at path, including parent directories. An existing
// flag is left untouched.
func Touch(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create done-flag dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create done-flag %s: %w", path, err)
	}
	return f.Close()
}

// PurgeWorkDir removes the job's scratch directory so a retry starts clean.
// Jobs without a WorkDir are left alone.
func PurgeWorkDir(job *model.Job) error {
	if job.WorkDir == "" {
		return nil
	}
	if err := os.RemoveAll(job.WorkDir); err != nil {
		return fmt.Errorf("purge workdir %s: %w", job.WorkDir, err)
	}
	return nil
}
