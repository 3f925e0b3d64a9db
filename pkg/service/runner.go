package service

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
	"github.com/pkg/errors"
)

// PermanentExitCode is the exit status a child uses to report a failure
// that a retry cannot fix.
const PermanentExitCode = 78

// Command is an external process invocation bound to a task.
type Command struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
	Dir  string   `yaml:"dir"`
	Env  []string `yaml:"env"`
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// CommandTask runs cmd as a child process, streaming its output into the
// logger line by line. A binary that cannot be resolved, or a child that
// exits with PermanentExitCode, is a missing input.
func CommandTask(taskID string, cmd Command, logger Logger) TaskFunc {
	return func(ctx context.Context) error {
		if cmd.Path == "" {
			return errors.Wrapf(models.ErrMissingInput, "no command configured for %s", taskID)
		}
		path, err := exec.LookPath(cmd.Path)
		if err != nil {
			return errors.Wrapf(models.ErrMissingInput, "command %s for %s: %v", cmd.Path, taskID, err)
		}

		c := exec.CommandContext(ctx, path, cmd.Args...)
		c.Dir = cmd.Dir
		c.Env = append(os.Environ(), cmd.Env...)
		out := &lineWriter{prefix: taskID, logf: logger.Infof}
		c.Stdout = out
		c.Stderr = out

		logger.Infof("Task %s: running %s", taskID, cmd)
		err = c.Run()
		out.Flush()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrapf(ctx.Err(), "command %s", cmd)
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() == PermanentExitCode {
				return errors.Wrapf(models.ErrMissingInput, "command %s exited %d", cmd, PermanentExitCode)
			}
			return errors.Wrapf(err, "command %s", cmd)
		}
		return nil
	}
}

// SQLScriptTask executes the script file at path through runner.
func SQLScriptTask(runner storage.ScriptRunner, path string) TaskFunc {
	return func(ctx context.Context) error {
		if runner == nil {
			return errors.Wrapf(models.ErrMissingInput, "no script runner for %s", path)
		}
		script, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.Wrapf(models.ErrMissingInput, "script %s", path)
			}
			return errors.Wrapf(err, "failed to read script %s", path)
		}
		if err := runner.ExecScript(ctx, string(script)); err != nil {
			return errors.Wrapf(err, "script %s", path)
		}
		return nil
	}
}

// Waiter is satisfied by the readiness gate.
type Waiter interface {
	Wait(ctx context.Context) error
}

func WaitTask(w Waiter) TaskFunc {
	if w == nil {
		return func(context.Context) error {
			return errors.Wrap(models.ErrMissingInput, "no readiness gate configured")
		}
	}
	return w.Wait
}

type lineWriter struct {
	prefix string
	logf   func(format string, args ...interface{})
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.logf("[%s] %s", w.prefix, strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rest := strings.TrimSpace(w.buf.String()); rest != "" {
		w.logf("[%s] %s", w.prefix, rest)
	}
	w.buf.Reset()
}
