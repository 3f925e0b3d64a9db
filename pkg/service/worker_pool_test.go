package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/service"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func newLogger() service.Logger {
	return &testLogger{}
}

func (l *testLogger) Infof(format string, args ...interface{})  {}
func (l *testLogger) Warnf(format string, args ...interface{})  {}
func (l *testLogger) Errorf(format string, args ...interface{}) {}

func newOrchestrator(t *testing.T, store storage.TaskLogStore, tasks []models.Task, funcs map[string]service.TaskFunc, opts ...service.Option) *service.Orchestrator {
	t.Helper()
	g, err := service.NewGraph(tasks...)
	require.NoError(t, err)
	o, err := service.NewOrchestrator(g, funcs, store, newLogger(), opts...)
	require.NoError(t, err)
	return o
}

func statuses(t *testing.T, store storage.TaskLogStore, execID, taskID string) []models.TaskStatus {
	t.Helper()
	logs, err := store.ListTaskLogs(context.Background(), execID)
	require.NoError(t, err)
	var out []models.TaskStatus
	for _, l := range logs {
		if l.TaskID == taskID {
			out = append(out, l.Status)
		}
	}
	return out
}

func TestWorkerPool_TaskExecution(t *testing.T) {
	tests := []struct {
		name             string
		taskFn           func(calls *atomic.Int32) service.TaskFunc
		opts             []models.TaskOption
		expectedStatus   models.TaskStatus
		expectedAttempts int
		expectedError    string
		expectedHistory  []models.TaskStatus
	}{
		{
			name: "Successful task execution",
			taskFn: func(calls *atomic.Int32) service.TaskFunc {
				return func(ctx context.Context) error {
					calls.Add(1)
					return nil
				}
			},
			expectedStatus:   models.SuccessTaskStatus,
			expectedAttempts: 1,
			expectedHistory: []models.TaskStatus{
				models.PendingTaskStatus, models.RunningTaskStatus, models.SuccessTaskStatus,
			},
		},
		{
			name: "Task timeout",
			taskFn: func(calls *atomic.Int32) service.TaskFunc {
				return func(ctx context.Context) error {
					calls.Add(1)
					time.Sleep(500 * time.Millisecond)
					return nil
				}
			},
			opts:             []models.TaskOption{models.WithTimeout(50 * time.Millisecond)},
			expectedStatus:   models.FailedTaskStatus,
			expectedAttempts: 1,
			expectedError:    "timed out",
		},
		{
			name: "Task retry success",
			taskFn: func(calls *atomic.Int32) service.TaskFunc {
				return func(ctx context.Context) error {
					if calls.Add(1) == 1 {
						return errors.New("temporary error")
					}
					return nil
				}
			},
			opts:             []models.TaskOption{models.WithRetries(1), models.WithRetryDelay(10 * time.Millisecond)},
			expectedStatus:   models.SuccessTaskStatus,
			expectedAttempts: 2,
			expectedHistory: []models.TaskStatus{
				models.PendingTaskStatus,
				models.RunningTaskStatus,
				models.RetryingTaskStatus,
				models.RunningTaskStatus,
				models.SuccessTaskStatus,
			},
		},
		{
			name: "Task retry exhaustion",
			taskFn: func(calls *atomic.Int32) service.TaskFunc {
				return func(ctx context.Context) error {
					calls.Add(1)
					return errors.New("permanent error")
				}
			},
			opts:             []models.TaskOption{models.WithRetries(2), models.WithRetryDelay(time.Millisecond)},
			expectedStatus:   models.FailedTaskStatus,
			expectedAttempts: 3,
			expectedError:    "permanent error",
			expectedHistory: []models.TaskStatus{
				models.PendingTaskStatus,
				models.RunningTaskStatus,
				models.RetryingTaskStatus,
				models.RunningTaskStatus,
				models.RetryingTaskStatus,
				models.RunningTaskStatus,
				models.FailedTaskStatus,
			},
		},
		{
			name: "Missing input is not retried",
			taskFn: func(calls *atomic.Int32) service.TaskFunc {
				return func(ctx context.Context) error {
					calls.Add(1)
					return errors.Wrap(models.ErrMissingInput, "artifact")
				}
			},
			opts:             []models.TaskOption{models.WithRetries(3), models.WithRetryDelay(time.Millisecond)},
			expectedStatus:   models.FailedTaskStatus,
			expectedAttempts: 1,
			expectedError:    "missing input",
		},
		{
			name: "Task panic",
			taskFn: func(calls *atomic.Int32) service.TaskFunc {
				return func(ctx context.Context) error {
					calls.Add(1)
					panic("boom")
				}
			},
			expectedStatus:   models.FailedTaskStatus,
			expectedAttempts: 1,
			expectedError:    "panicked: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			var calls atomic.Int32
			o := newOrchestrator(t, store,
				[]models.Task{models.NewTask("task", nil, tt.opts...)},
				map[string]service.TaskFunc{"task": tt.taskFn(&calls)},
			)

			run, err := o.Run(context.Background())
			require.NotNil(t, run)
			task, ok := run.Task("task")
			require.True(t, ok)

			assert.Equal(t, tt.expectedStatus, task.Status)
			assert.Equal(t, tt.expectedAttempts, task.Attempts)
			assert.Equal(t, int32(tt.expectedAttempts), calls.Load())
			if tt.expectedError != "" {
				assert.Error(t, err)
				assert.Contains(t, task.ErrorMsg, tt.expectedError)
				assert.Equal(t, models.FailedRunStatus, run.Status)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, models.CompletedRunStatus, run.Status)
			}
			if tt.expectedHistory != nil {
				assert.Equal(t, tt.expectedHistory, statuses(t, store, run.ExecutionID, "task"))
			}
		})
	}
}

func TestWorkerPool_Cancellation(t *testing.T) {
	store := storage.NewMemoryStore()
	started := make(chan struct{})
	var secondRan atomic.Bool
	o := newOrchestrator(t, store,
		[]models.Task{
			models.NewTask("first", nil),
			models.NewTask("second", []string{"first"}),
		},
		map[string]service.TaskFunc{
			"first": func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			},
			"second": func(ctx context.Context) error {
				secondRan.Store(true)
				return nil
			},
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	run, err := o.Run(ctx)
	assert.Error(t, err)
	assert.False(t, secondRan.Load())
	for _, task := range run.Tasks {
		assert.Equal(t, models.FailedTaskStatus, task.Status, task.ID)
	}
}

func TestWorkerPool_BoundedWorkers(t *testing.T) {
	var current, peak atomic.Int32
	work := func(ctx context.Context) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil
	}
	tasks := []models.Task{}
	funcs := map[string]service.TaskFunc{}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tasks = append(tasks, models.NewTask(id, nil))
		funcs[id] = work
	}
	o := newOrchestrator(t, storage.NewMemoryStore(), tasks, funcs, service.WithWorkers(2))

	run, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.CompletedRunStatus, run.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
