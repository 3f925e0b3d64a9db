package service_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/gate"
	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/service"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(ctx context.Context) error { return nil }

func TestNewGraph(t *testing.T) {
	t.Run("Topological order follows definition order", func(t *testing.T) {
		g, err := service.NewGraph(
			models.NewTask("extract", nil),
			models.NewTask("left", []string{"extract"}),
			models.NewTask("right", []string{"extract"}),
			models.NewTask("join", []string{"left", "right"}),
		)
		require.NoError(t, err)
		assert.Equal(t, []string{"extract", "left", "right", "join"}, g.Order())
		assert.Equal(t, []string{"left", "right", "join"}, g.Downstream("extract"))
		assert.Equal(t, []string{"join"}, g.Downstream("right"))
		assert.Empty(t, g.Downstream("join"))
	})

	tests := []struct {
		name          string
		tasks         []models.Task
		expectedError string
	}{
		{
			name: "Cycle",
			tasks: []models.Task{
				models.NewTask("a", []string{"c"}),
				models.NewTask("b", []string{"a"}),
				models.NewTask("c", []string{"b"}),
			},
			expectedError: "cycle detected in dependencies",
		},
		{
			name:          "Self dependency",
			tasks:         []models.Task{models.NewTask("a", []string{"a"})},
			expectedError: "cycle detected in dependencies",
		},
		{
			name:          "Unregistered dependency",
			tasks:         []models.Task{models.NewTask("a", []string{"missing"})},
			expectedError: "dependency 'missing' for 'a' not registered",
		},
		{
			name:          "Duplicate task",
			tasks:         []models.Task{models.NewTask("a", nil), models.NewTask("a", nil)},
			expectedError: "task 'a' defined twice",
		},
		{
			name:          "Empty name",
			tasks:         []models.Task{models.NewTask("", nil)},
			expectedError: "empty task name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.NewGraph(tt.tasks...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}

	t.Run("Cycle is a sentinel", func(t *testing.T) {
		_, err := service.NewGraph(models.NewTask("a", []string{"b"}), models.NewTask("b", []string{"a"}))
		assert.ErrorIs(t, err, service.ErrCycle)
	})
}

func TestNewOrchestrator_Validation(t *testing.T) {
	g, err := service.NewGraph(models.NewTask("a", nil))
	require.NoError(t, err)

	_, err = service.NewOrchestrator(g, map[string]service.TaskFunc{}, nil, newLogger())
	assert.EqualError(t, err, "task function a not found")

	_, err = service.NewOrchestrator(g, map[string]service.TaskFunc{"a": ok, "b": ok}, nil, newLogger())
	assert.EqualError(t, err, "task 'b' is not part of the graph")
}

// barrier returns a task that only succeeds once all n participants have
// started, which proves they ran concurrently.
func barrier(n int32, arrived *atomic.Int32) service.TaskFunc {
	return func(ctx context.Context) error {
		arrived.Add(1)
		deadline := time.After(2 * time.Second)
		for arrived.Load() < n {
			select {
			case <-deadline:
				return errors.New("siblings did not run concurrently")
			case <-time.After(time.Millisecond):
			}
		}
		return nil
	}
}

func TestOrchestrator_FanOutJoin(t *testing.T) {
	store := storage.NewMemoryStore()
	var arrived atomic.Int32
	var order []string
	record := func(id string) service.TaskFunc {
		return func(ctx context.Context) error {
			order = append(order, id)
			return nil
		}
	}
	o := newOrchestrator(t, store,
		[]models.Task{
			models.NewTask("load", nil),
			models.NewTask("missing", []string{"load"}),
			models.NewTask("cast", []string{"load"}),
			models.NewTask("logic", []string{"missing", "cast"}),
		},
		map[string]service.TaskFunc{
			"load":    record("load"),
			"missing": barrier(2, &arrived),
			"cast":    barrier(2, &arrived),
			"logic":   record("logic"),
		},
	)

	run, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.CompletedRunStatus, run.Status)
	assert.Equal(t, []string{"load", "logic"}, order)

	missing, _ := run.Task("missing")
	cast, _ := run.Task("cast")
	logic, _ := run.Task("logic")
	require.NotNil(t, logic.StartedAt)
	assert.False(t, logic.StartedAt.Before(*missing.FinishedAt))
	assert.False(t, logic.StartedAt.Before(*cast.FinishedAt))
	for _, task := range run.Tasks {
		assert.Equal(t, 1, task.Attempts, task.ID)
		assert.Equal(t, run.ExecutionID, task.ExecutionID)
	}
}

func TestOrchestrator_JoinFailsWhenAnyPredecessorFails(t *testing.T) {
	store := storage.NewMemoryStore()
	release := make(chan struct{})
	var joinRan atomic.Bool
	o := newOrchestrator(t, store,
		[]models.Task{
			models.NewTask("load", nil),
			models.NewTask("missing", []string{"load"}),
			models.NewTask("cast", []string{"load"}),
			models.NewTask("logic", []string{"missing", "cast"}),
			models.NewTask("gold", []string{"logic"}),
		},
		map[string]service.TaskFunc{
			"load": ok,
			"missing": func(ctx context.Context) error {
				defer close(release)
				return errors.New("bad rows")
			},
			"cast": func(ctx context.Context) error {
				<-release
				return nil
			},
			"logic": func(ctx context.Context) error {
				joinRan.Store(true)
				return nil
			},
			"gold": ok,
		},
	)

	run, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing: bad rows")
	assert.Contains(t, err.Error(), "2 downstream tasks not run")
	assert.False(t, joinRan.Load())
	assert.Equal(t, models.FailedRunStatus, run.Status)

	expected := map[string]models.TaskStatus{
		"load":    models.SuccessTaskStatus,
		"missing": models.FailedTaskStatus,
		"cast":    models.SuccessTaskStatus,
		"logic":   models.FailedTaskStatus,
		"gold":    models.FailedTaskStatus,
	}
	for id, status := range expected {
		task, found := run.Task(id)
		require.True(t, found)
		assert.Equal(t, status, task.Status, id)
	}
	logic, _ := run.Task("logic")
	assert.Equal(t, 0, logic.Attempts)
	assert.Contains(t, logic.ErrorMsg, "upstream task failed")
	assert.Equal(t,
		[]models.TaskStatus{models.PendingTaskStatus, models.FailedTaskStatus},
		statuses(t, store, run.ExecutionID, "logic"),
	)
}

func TestOrchestrator_SiblingFailureIsolation(t *testing.T) {
	tasks := service.DailyTasks(service.TemplateConfig{})
	funcs := map[string]service.TaskFunc{}
	for _, task := range tasks {
		funcs[task.ID] = ok
	}
	funcs[service.TaskExplainImportance] = func(ctx context.Context) error {
		return errors.Wrap(models.ErrUnsupportedModel, "Ridge has no feature importances")
	}
	o := newOrchestrator(t, storage.NewMemoryStore(), tasks, funcs)

	run, err := o.Run(context.Background())
	require.Error(t, err)
	importance, _ := run.Task(service.TaskExplainImportance)
	attribution, _ := run.Task(service.TaskExplainAttribution)
	predict, _ := run.Task(service.TaskPredict)
	assert.Equal(t, models.FailedTaskStatus, importance.Status)
	assert.Equal(t, models.SuccessTaskStatus, attribution.Status)
	assert.Equal(t, models.SuccessTaskStatus, predict.Status)
}

func TestOrchestrator_NoOverlappingRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	o := newOrchestrator(t, storage.NewMemoryStore(),
		[]models.Task{models.NewTask("slow", nil)},
		map[string]service.TaskFunc{"slow": func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}},
	)

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background())
		done <- err
	}()
	<-started
	assert.True(t, o.Running())

	run, err := o.Run(context.Background())
	assert.Nil(t, run)
	assert.ErrorIs(t, err, service.ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, o.Running())
}

func TestOrchestrator_RunsAreIndependent(t *testing.T) {
	var calls atomic.Int32
	ids := []string{"run-1", "run-2"}
	var next atomic.Int32
	o := newOrchestrator(t, storage.NewMemoryStore(),
		[]models.Task{models.NewTask("a", nil, models.WithRetries(1))},
		map[string]service.TaskFunc{"a": func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("flaky")
			}
			return nil
		}},
		service.WithIDGenerator(func() string { return ids[next.Add(1)-1] }),
	)

	first, err := o.Run(context.Background())
	require.NoError(t, err)
	second, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", first.ExecutionID)
	assert.Equal(t, "run-2", second.ExecutionID)
	a1, _ := first.Task("a")
	a2, _ := second.Task("a")
	assert.Equal(t, 2, a1.Attempts)
	assert.Equal(t, 1, a2.Attempts)
}

func TestDailyTasks(t *testing.T) {
	tasks := service.DailyTasks(service.TemplateConfig{
		Retry:       models.RetryPolicy{MaxAttempts: 3, Delay: 5 * time.Minute},
		TaskTimeout: time.Hour,
	})
	g, err := service.NewGraph(tasks...)
	require.NoError(t, err)

	assert.Equal(t, []string{
		service.TaskWaitForDB,
		service.TaskExtract,
		service.TaskTransform,
		service.TaskLoad,
		service.TaskSilverMissing,
		service.TaskSilverCast,
		service.TaskSilverLogic,
		service.TaskGoldFeatures,
		service.TaskGoldValid,
		service.TaskTrain,
		service.TaskExplainImportance,
		service.TaskExplainAttribution,
		service.TaskPredict,
	}, g.Order())

	logic, _ := g.Task(service.TaskSilverLogic)
	assert.ElementsMatch(t, []string{service.TaskSilverMissing, service.TaskSilverCast}, logic.Dependencies)
	predict, _ := g.Task(service.TaskPredict)
	assert.Equal(t, []string{service.TaskTrain}, predict.Dependencies)

	wait, _ := g.Task(service.TaskWaitForDB)
	assert.Equal(t, models.PollingTrigger, wait.Trigger)
	assert.Nil(t, wait.Timeout)
	assert.Equal(t, 3, wait.Retry.MaxAttempts)

	train, _ := g.Task(service.TaskTrain)
	assert.Equal(t, models.ScheduledTrigger, train.Trigger)
	assert.Equal(t, 5*time.Minute, train.Retry.Delay)
	require.NotNil(t, train.Timeout)
	assert.Equal(t, time.Hour, *train.Timeout)
}

type scriptRecorder struct {
	scripts []string
}

func (r *scriptRecorder) ExecScript(ctx context.Context, script string) error {
	r.scripts = append(r.scripts, script)
	return nil
}

func TestDailyPipeline(t *testing.T) {
	dir := t.TempDir()
	for id, rel := range service.Scripts {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("-- "+id), 0o644))
	}
	scripts := &scriptRecorder{}
	overrides := map[string]service.TaskFunc{}
	for _, id := range service.CommandTasks {
		overrides[id] = ok
	}

	g, funcs, err := service.DailyPipeline(service.TemplateConfig{}, service.Stages{
		Gate:      waiterFunc(ok),
		Scripts:   scripts,
		ScriptDir: dir,
		Overrides: overrides,
	}, newLogger())
	require.NoError(t, err)
	o, err := service.NewOrchestrator(g, funcs, storage.NewMemoryStore(), newLogger(), service.WithWorkers(1))
	require.NoError(t, err)

	run, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.CompletedRunStatus, run.Status)
	assert.Equal(t, []string{
		"-- " + service.TaskSilverMissing,
		"-- " + service.TaskSilverCast,
		"-- " + service.TaskSilverLogic,
		"-- " + service.TaskGoldFeatures,
		"-- " + service.TaskGoldValid,
	}, scripts.scripts)
}

type waiterFunc func(ctx context.Context) error

func (f waiterFunc) Wait(ctx context.Context) error { return f(ctx) }

func TestSQLScriptTask_MissingFile(t *testing.T) {
	fn := service.SQLScriptTask(&scriptRecorder{}, filepath.Join(t.TempDir(), "absent.sql"))
	assert.ErrorIs(t, fn(context.Background()), models.ErrMissingInput)
}

func TestCommandTask(t *testing.T) {
	t.Run("Unconfigured", func(t *testing.T) {
		fn := service.CommandTask("extract_to_minio", service.Command{}, newLogger())
		assert.ErrorIs(t, fn(context.Background()), models.ErrMissingInput)
	})

	t.Run("Unknown binary", func(t *testing.T) {
		fn := service.CommandTask("extract_to_minio", service.Command{Path: "definitely-not-a-binary-xyz"}, newLogger())
		assert.ErrorIs(t, fn(context.Background()), models.ErrMissingInput)
	})

	t.Run("Exit status", func(t *testing.T) {
		if _, err := os.Stat("/bin/sh"); err != nil {
			t.Skip("no shell available")
		}
		fn := service.CommandTask("load", service.Command{Path: "/bin/sh", Args: []string{"-c", "echo loading; exit 3"}}, newLogger())
		err := fn(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, models.ErrMissingInput)
		assert.Contains(t, err.Error(), "exit status 3")

		fn = service.CommandTask("load", service.Command{Path: "/bin/sh", Args: []string{"-c", "echo done"}}, newLogger())
		assert.NoError(t, fn(context.Background()))
	})
}

func TestNewTrigger(t *testing.T) {
	o := newOrchestrator(t, storage.NewMemoryStore(),
		[]models.Task{models.NewTask("a", nil)},
		map[string]service.TaskFunc{"a": ok},
	)

	_, err := service.NewTrigger("not a schedule", o, newLogger())
	assert.Error(t, err)

	trigger, err := service.NewTrigger(service.DefaultSchedule, o, newLogger())
	require.NoError(t, err)
	next := trigger.Next()
	assert.Equal(t, 6, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.Equal(t, time.UTC, next.Location())
}

func TestCommandTask_PermanentExit(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no shell available")
	}
	fn := service.CommandTask("predict", service.Command{Path: "/bin/sh", Args: []string{"-c", "exit 78"}}, newLogger())
	assert.ErrorIs(t, fn(context.Background()), models.ErrMissingInput)
}

func TestOrchestrator_PermanentExitIsNotRetried(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no shell available")
	}
	store := storage.NewMemoryStore()
	o := newOrchestrator(t, store,
		[]models.Task{
			models.NewTask(service.TaskPredict, nil, models.WithRetries(2), models.WithRetryDelay(time.Millisecond)),
		},
		map[string]service.TaskFunc{
			service.TaskPredict: service.CommandTask(service.TaskPredict,
				service.Command{Path: "/bin/sh", Args: []string{"-c", "echo no artifact; exit 78"}}, newLogger()),
		},
	)

	run, err := o.Run(context.Background())
	require.Error(t, err)
	predict, ok := run.Task(service.TaskPredict)
	require.True(t, ok)
	assert.Equal(t, models.FailedTaskStatus, predict.Status)
	assert.Equal(t, 1, predict.Attempts)
	assert.Equal(t,
		[]models.TaskStatus{models.PendingTaskStatus, models.RunningTaskStatus, models.FailedTaskStatus},
		statuses(t, store, run.ExecutionID, service.TaskPredict))
}

func TestOrchestrator_RunLockAcrossOrchestrators(t *testing.T) {
	store := storage.NewMemoryStore()
	started := make(chan struct{})
	release := make(chan struct{})
	scheduled := newOrchestrator(t, store,
		[]models.Task{models.NewTask("slow", nil)},
		map[string]service.TaskFunc{"slow": func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}},
		service.WithRunLock(store),
	)
	var manualRan atomic.Bool
	manual := newOrchestrator(t, store,
		[]models.Task{models.NewTask("slow", nil)},
		map[string]service.TaskFunc{"slow": func(ctx context.Context) error {
			manualRan.Store(true)
			return nil
		}},
		service.WithRunLock(store),
	)

	done := make(chan error, 1)
	go func() {
		_, err := scheduled.Run(context.Background())
		done <- err
	}()
	<-started

	run, err := manual.Run(context.Background())
	assert.Nil(t, run)
	assert.ErrorIs(t, err, service.ErrRunInProgress)
	assert.False(t, manualRan.Load())

	close(release)
	require.NoError(t, <-done)

	_, err = manual.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, manualRan.Load())
}

func TestOrchestrator_RunLockUnavailableDoesNotBlock(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetPingError(errors.New("connection refused"))
	var ran atomic.Bool
	o := newOrchestrator(t, store,
		[]models.Task{models.NewTask("a", nil)},
		map[string]service.TaskFunc{"a": func(ctx context.Context) error {
			ran.Store(true)
			return nil
		}},
		service.WithRunLock(store),
	)
	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestOrchestrator_GateTimeoutExhaustsRetries(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetPingError(errors.New("connection refused"))
	g := gate.New(store, 5*time.Millisecond, 30*time.Millisecond, newLogger())
	var extractRan atomic.Bool

	o := newOrchestrator(t, store,
		[]models.Task{
			models.NewTask(service.TaskWaitForDB, nil,
				models.WithRetries(2),
				models.WithRetryDelay(time.Millisecond),
				models.WithTrigger(models.PollingTrigger),
			),
			models.NewTask(service.TaskExtract, []string{service.TaskWaitForDB}),
		},
		map[string]service.TaskFunc{
			service.TaskWaitForDB: service.WaitTask(g),
			service.TaskExtract: func(ctx context.Context) error {
				extractRan.Store(true)
				return nil
			},
		},
	)

	done := make(chan struct{})
	var run *models.PipelineRun
	var err error
	go func() {
		defer close(done)
		run, err = o.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run blocked past the gate timeout")
	}

	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")
	wait, _ := run.Task(service.TaskWaitForDB)
	assert.Equal(t, models.FailedTaskStatus, wait.Status)
	assert.Equal(t, 3, wait.Attempts)
	assert.False(t, extractRan.Load())
	extract, _ := run.Task(service.TaskExtract)
	assert.Equal(t, models.FailedTaskStatus, extract.Status)
}
