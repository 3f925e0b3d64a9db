package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the orchestrator.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TaskFunc is the unit of work bound to a task. It must honour ctx.
type TaskFunc func(ctx context.Context) error

var ErrRunInProgress = errors.New("a pipeline run is already in progress")

type Option func(*Orchestrator)

// WithWorkers bounds the number of tasks executing at once. The default
// lets every ready task run.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		o.workers = n
	}
}

// WithIDGenerator overrides how execution ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		o.newID = fn
	}
}

// WithRunLock makes runs also exclusive across processes sharing locker.
func WithRunLock(locker storage.RunLocker) Option {
	return func(o *Orchestrator) {
		o.locker = locker
	}
}

// Orchestrator executes a task graph. At most one run is active at a time.
type Orchestrator struct {
	locker      storage.RunLocker
	graph       *Graph
	tasks       map[string]TaskFunc
	taskService *TaskService
	logger      Logger
	workers     int
	newID       func() string
	running     atomic.Bool
}

func NewOrchestrator(g *Graph, tasks map[string]TaskFunc, logs storage.TaskLogStore, logger Logger, opts ...Option) (*Orchestrator, error) {
	for _, name := range g.Order() {
		if _, ok := tasks[name]; !ok {
			return nil, fmt.Errorf("task function %s not found", name)
		}
	}
	for name := range tasks {
		if _, ok := g.Task(name); !ok {
			return nil, fmt.Errorf("task '%s' is not part of the graph", name)
		}
	}
	o := &Orchestrator{
		graph:       g,
		tasks:       tasks,
		taskService: NewTaskService(logs, logger),
		logger:      logger,
		newID:       defaultExecutionID,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func defaultExecutionID() string {
	return time.Now().UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

func (o *Orchestrator) Graph() *Graph { return o.graph }

// Running reports whether a run is currently active.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Run executes one pipeline run. It returns ErrRunInProgress when another
// run is still active, in this process or, with WithRunLock, in another one.
// A lock that cannot be reached does not block the run: the readiness gate
// is what waits for the store. The returned run is always populated once started;
// the error lists the tasks that failed on their own.
func (o *Orchestrator) Run(ctx context.Context) (*models.PipelineRun, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)

	if o.locker != nil {
		release, acquired, err := o.locker.TryRunLock(ctx)
		switch {
		case err != nil:
			o.logger.Warnf("Run lock unavailable, continuing without it: %v", err)
		case !acquired:
			return nil, errors.Wrap(ErrRunInProgress, "run lock held by another process")
		default:
			defer func() {
				if err := release(); err != nil {
					o.logger.Errorf("Failed to release run lock: %v", err)
				}
			}()
		}
	}

	execID := o.newID()
	run := &models.PipelineRun{
		ExecutionID: execID,
		Status:      models.RunningRunStatus,
		StartedAt:   time.Now().UTC(),
	}
	o.logger.Infof("Starting pipeline run %s with %d tasks", execID, o.graph.Len())

	state := newExecutionState(execID, o.graph)
	for _, t := range state.snapshot(o.graph.Order()) {
		o.taskService.Record(ctx, t, "")
	}

	wp := NewWorkerPool(o.graph, o.tasks, o.taskService, o.logger, o.workers)
	taskErrs := wp.ExecuteTasks(ctx, state)

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Tasks = state.snapshot(o.graph.Order())
	if len(taskErrs) == 0 {
		run.Status = models.CompletedRunStatus
		o.logger.Infof("Pipeline run %s completed in %s", execID, finished.Sub(run.StartedAt).Round(time.Millisecond))
		return run, nil
	}

	run.Status = models.FailedRunStatus
	err := runError(execID, taskErrs)
	o.logger.Errorf("Pipeline run %s failed: %v", execID, err)
	return run, err
}

// runError summarises root failures; tasks skipped because of an upstream
// failure are counted but not listed.
func runError(execID string, taskErrs map[string]error) error {
	var roots []string
	skipped := 0
	for name, err := range taskErrs {
		if errors.Is(err, ErrUpstreamFailed) {
			skipped++
			continue
		}
		roots = append(roots, fmt.Sprintf("%s: %v", name, err))
	}
	sort.Strings(roots)
	msg := fmt.Sprintf("execution %s failed: %s", execID, strings.Join(roots, "; "))
	if skipped > 0 {
		msg += fmt.Sprintf(" (%d downstream tasks not run)", skipped)
	}
	return errors.New(msg)
}
