package work

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/me/stagerun/pkg/model"
)

// stderrTail bounds how much captured output is quoted in error messages.
const stderrTail = 2048

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Command runs job.Command as a local OS process. The process runs in job.WorkDir
// with STAGERUN_* variables describing the job. On exit status 0 the done-flag is
// created if the command did not create it itself.
type Command struct {
	logDir string
	logger *slog.Logger
}

// NewCommand creates a Command unit. When logDir is non-empty, combined output of
// every job is written to a per-job log file there; otherwise it is captured in
// memory and quoted on failure.
func NewCommand(logDir string, logger *slog.Logger) *Command {
	return &Command{
		logDir: logDir,
		logger: logger.With("component", "command-work"),
	}
}

// Run starts the job's process and waits for it.
func (c *Command) Run(ctx context.Context, job *model.Job) error {
	p, err := c.Start(ctx, job)
	if err != nil {
		return err
	}
	return p.Wait()
}

// LogPath returns the log file used for job, or "" when output is kept in memory.
func (c *Command) LogPath(job *model.Job) string {
	if c.logDir == "" {
		return ""
	}
	name := unsafeName.ReplaceAllString(job.Descriptor(), "_")
	return filepath.Join(c.logDir, name+".log")
}

// Start launches the job's process without waiting for it. Failures to start are
// returned as *LaunchError.
func (c *Command) Start(ctx context.Context, job *model.Job) (*Process, error) {
	if len(job.Command) == 0 {
		return nil, &LaunchError{Err: fmt.Errorf("job %s has no command", job.Descriptor())}
	}
	if job.WorkDir != "" {
		if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
			return nil, &LaunchError{Err: fmt.Errorf("create workdir: %w", err)}
		}
	}

	cmd := exec.CommandContext(ctx, job.Command[0], job.Command[1:]...)
	cmd.Dir = job.WorkDir
	cmd.Env = append(os.Environ(), Environ(job)...)

	p := &Process{cmd: cmd, job: job, logger: c.logger}
	var out io.Writer = &p.buf
	if path := c.LogPath(job); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &LaunchError{Err: fmt.Errorf("create log dir: %w", err)}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, &LaunchError{Err: fmt.Errorf("open log: %w", err)}
		}
		p.logFile = f
		p.logRef = path
		out = io.MultiWriter(f, &p.buf)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		p.closeLog()
		return nil, &LaunchError{Err: fmt.Errorf("start %s: %w", job.Command[0], err)}
	}
	c.logger.Debug("process started", "job", job.Descriptor(), "pid", cmd.Process.Pid)
	return p, nil
}

// Environ returns the STAGERUN_* variables plus job.Env in KEY=VALUE form.
func Environ(job *model.Job) []string {
	env := []string{
		"STAGERUN_STAGE=" + job.Stage,
		"STAGERUN_DOMAIN=" + string(job.Domain),
		"STAGERUN_INDEX=" + strings.Join(job.Index, "/"),
		"STAGERUN_DONE_FLAG=" + job.DoneFlag,
		"STAGERUN_WORKDIR=" + job.WorkDir,
	}
	for k, v := range job.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// Process is a started command-backed unit of work.
type Process struct {
	cmd     *exec.Cmd
	job     *model.Job
	logger  *slog.Logger
	buf     bytes.Buffer
	logFile *os.File
	logRef  string
}

// PID returns the operating-system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// LogRef returns the log file path, or "" when output is kept in memory.
func (p *Process) LogRef() string {
	return p.logRef
}

// Kill terminates the process.
func (p *Process) Kill() error {
	return p.cmd.Process.Kill()
}

// Wait blocks until the process exits. A non-zero exit is reported with the tail
// of its output; a zero exit creates the done-flag.
func (p *Process) Wait() error {
	err := p.cmd.Wait()
	p.closeLog()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("job %s exited with status %d: %s",
				p.job.Descriptor(), exitErr.ExitCode(), tail(p.buf.String()))
		}
		return fmt.Errorf("job %s: wait: %w", p.job.Descriptor(), err)
	}

	if err := Touch(p.job.DoneFlag); err != nil {
		return err
	}
	p.logger.Debug("process finished", "job", p.job.Descriptor())
	return nil
}

func (p *Process) closeLog() {
	if p.logFile != nil {
		p.logFile.Close()
		p.logFile = nil
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		return "..." + s[len(s)-stderrTail:]
	}
	return s
}
