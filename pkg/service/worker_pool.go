package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

var ErrUpstreamFailed = errors.New("upstream task failed")

// executionState holds the per-task state of a single run.
type executionState struct {
	id         string
	tasks      map[string]*models.Task
	dispatched map[string]bool
	errs       map[string]error
	mu         sync.RWMutex
}

func newExecutionState(id string, g *Graph) *executionState {
	state := &executionState{
		id:         id,
		tasks:      make(map[string]*models.Task, g.Len()),
		dispatched: make(map[string]bool, g.Len()),
		errs:       make(map[string]error),
	}
	for _, name := range g.Order() {
		t, _ := g.Task(name)
		t.Status = models.PendingTaskStatus
		t.Attempts = 0
		t.ErrorMsg = ""
		t.StartedAt = nil
		t.FinishedAt = nil
		t.ExecutionID = id
		state.tasks[name] = &t
	}
	return state
}

// transition moves a task to status and returns a copy for recording.
func (s *executionState) transition(taskID string, status models.TaskStatus, err error) models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	now := time.Now().UTC()
	switch status {
	case models.RunningTaskStatus:
		t.Attempts++
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case models.SuccessTaskStatus, models.FailedTaskStatus:
		t.FinishedAt = &now
	}
	t.Status = status
	if err != nil {
		t.ErrorMsg = err.Error()
		if status == models.FailedTaskStatus {
			s.errs[taskID] = err
		}
	}
	return *t
}

// ready returns the pending, undispatched tasks whose predecessors all
// succeeded, in the given order.
func (s *executionState) ready(order []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, name := range order {
		t := s.tasks[name]
		if s.dispatched[name] || t.Status != models.PendingTaskStatus {
			continue
		}
		runnable := true
		for _, dep := range t.Dependencies {
			if s.tasks[dep].Status != models.SuccessTaskStatus {
				runnable = false
				break
			}
		}
		if runnable {
			out = append(out, name)
		}
	}
	return out
}

func (s *executionState) markDispatched(taskID string) {
	s.mu.Lock()
	s.dispatched[taskID] = true
	s.mu.Unlock()
}

// pending returns the tasks that were never dispatched and are not terminal.
func (s *executionState) pending(order []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, name := range order {
		if !s.dispatched[name] && !s.tasks[name].Status.Terminal() {
			out = append(out, name)
		}
	}
	return out
}

func (s *executionState) snapshot(order []string) []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Task, 0, len(order))
	for _, name := range order {
		t := *s.tasks[name]
		t.Dependencies = append([]string(nil), t.Dependencies...)
		out = append(out, t)
	}
	return out
}

// WorkerPool executes the tasks of one run with a bounded number of
// concurrent attempts. A task is dispatched once every predecessor has
// succeeded; when a task fails, its downstream tasks fail without running.
type WorkerPool struct {
	graph       *Graph
	tasks       map[string]TaskFunc
	taskService *TaskService
	logger      Logger
	workers     int
}

func NewWorkerPool(g *Graph, tasks map[string]TaskFunc, taskService *TaskService, logger Logger, workers int) *WorkerPool {
	if workers <= 0 {
		workers = g.Len()
	}
	return &WorkerPool{
		graph:       g,
		tasks:       tasks,
		taskService: taskService,
		logger:      logger,
		workers:     workers,
	}
}

type taskOutcome struct {
	id  string
	err error
}

// ExecuteTasks drives the run to completion and returns the errors of
// the tasks that failed, keyed by task id.
func (wp *WorkerPool) ExecuteTasks(ctx context.Context, state *executionState) map[string]error {
	order := wp.graph.Order()
	outcomes := make(chan taskOutcome)
	inFlight := 0

	for {
		if ctx.Err() != nil {
			// Nothing new starts once the run is cancelled.
			for _, name := range state.pending(order) {
				state.markDispatched(name)
				wp.record(ctx, state.transition(name, models.FailedTaskStatus, ctx.Err()), ctx.Err().Error())
			}
		} else {
			for _, name := range state.ready(order) {
				if inFlight >= wp.workers {
					break
				}
				state.markDispatched(name)
				inFlight++
				go func(taskID string) {
					outcomes <- taskOutcome{id: taskID, err: wp.executeTask(ctx, state, taskID)}
				}(name)
			}
		}

		if inFlight == 0 {
			break
		}
		out := <-outcomes
		inFlight--
		if out.err != nil {
			wp.failDownstream(ctx, state, out.id)
		}
	}

	state.mu.RLock()
	defer state.mu.RUnlock()
	errs := make(map[string]error, len(state.errs))
	for k, v := range state.errs {
		errs[k] = v
	}
	return errs
}

// failDownstream marks every pending task that depends on failedID as
// failed, including joins whose other predecessors are still running.
func (wp *WorkerPool) failDownstream(ctx context.Context, state *executionState, failedID string) {
	for _, name := range wp.graph.Downstream(failedID) {
		state.mu.RLock()
		skip := state.dispatched[name] || state.tasks[name].Status.Terminal()
		state.mu.RUnlock()
		if skip {
			continue
		}
		state.markDispatched(name)
		err := errors.Wrapf(ErrUpstreamFailed, "task '%s'", failedID)
		wp.record(ctx, state.transition(name, models.FailedTaskStatus, err), err.Error())
	}
}

// executeTask runs one task under its retry policy. Each attempt gets the
// task timeout; missing inputs and unsupported models fail the task
// without further attempts.
func (wp *WorkerPool) executeTask(ctx context.Context, state *executionState, taskID string) error {
	task, _ := wp.graph.Task(taskID)
	taskFn, ok := wp.tasks[taskID]
	if !ok {
		err := fmt.Errorf("task function %s not found", taskID)
		wp.record(ctx, state.transition(taskID, models.FailedTaskStatus, err), err.Error())
		return err
	}

	operation := func() error {
		wp.record(ctx, state.transition(taskID, models.RunningTaskStatus, nil), "")
		err := wp.attempt(ctx, task, taskFn)
		if err == nil {
			return nil
		}
		if errors.Is(err, models.ErrMissingInput) || errors.Is(err, models.ErrUnsupportedModel) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		wp.record(ctx, state.transition(taskID, models.RetryingTaskStatus, err), fmt.Sprintf("%v; next attempt in %s", err, next))
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(task.Retry.Delay), uint64(task.Retry.Attempts()-1)),
		ctx,
	)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		wp.record(ctx, state.transition(taskID, models.FailedTaskStatus, err), err.Error())
		return err
	}
	wp.record(ctx, state.transition(taskID, models.SuccessTaskStatus, nil), "")
	return nil
}

// attempt runs taskFn once. A function that ignores its context is
// abandoned when the attempt deadline passes.
func (wp *WorkerPool) attempt(ctx context.Context, task models.Task, taskFn TaskFunc) error {
	attemptCtx := ctx
	if task.Timeout != nil {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, *task.Timeout)
		defer cancel()
	}

	resultCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				wp.logger.Errorf("Task %s panicked: %v\n%s", task.ID, r, debug.Stack())
				resultCh <- fmt.Errorf("task %s panicked: %v", task.ID, r)
			}
		}()
		resultCh <- taskFn(attemptCtx)
	}()

	select {
	case err := <-resultCh:
		if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return errors.Wrapf(err, "task %s timed out after %s", task.ID, *task.Timeout)
		}
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Errorf("task %s timed out after %s", task.ID, *task.Timeout)
	}
}

func (wp *WorkerPool) record(ctx context.Context, task models.Task, message string) {
	wp.taskService.Record(ctx, task, message)
}
