package service

import (
	"path/filepath"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
)

// Task ids of the daily warehouse pipeline.
const (
	TaskWaitForDB          = "wait_for_db"
	TaskExtract            = "extract_to_minio"
	TaskTransform          = "transform_to_parquet"
	TaskLoad               = "load_processed_to_pg"
	TaskSilverMissing      = "silver_handle_missing"
	TaskSilverCast         = "silver_cast_normalize"
	TaskSilverLogic        = "silver_logic_checks"
	TaskGoldFeatures       = "gold_features"
	TaskGoldValid          = "gold_valid"
	TaskTrain              = "train_model"
	TaskExplainImportance  = "explain_importance"
	TaskExplainAttribution = "explain_attribution"
	TaskPredict            = "predict"
)

// Scripts maps the stage tasks to their SQL files, relative to the
// script directory.
var Scripts = map[string]string{
	TaskSilverMissing: "SQL_raw/01_staging/110_handle_missing_values.sql",
	TaskSilverCast:    "SQL_raw/01_staging/120_cast_and_normalize.sql",
	TaskSilverLogic:   "SQL_raw/01_staging/130_handle_logic.sql",
	TaskGoldFeatures:  "SQL_raw/02_gold/210_gold_features.sql",
	TaskGoldValid:     "SQL_raw/02_gold/220_gold_valid.sql",
}

// CommandTasks are the tasks executed as external processes.
var CommandTasks = []string{
	TaskExtract,
	TaskTransform,
	TaskLoad,
	TaskTrain,
	TaskExplainImportance,
	TaskExplainAttribution,
	TaskPredict,
}

type TemplateConfig struct {
	Retry       models.RetryPolicy
	TaskTimeout time.Duration // zero disables the per-attempt timeout
}

// DailyTasks defines the fixed task graph of one daily trigger.
func DailyTasks(cfg TemplateConfig) []models.Task {
	opts := []models.TaskOption{
		models.WithRetries(cfg.Retry.Attempts() - 1),
		models.WithRetryDelay(cfg.Retry.Delay),
	}
	if cfg.TaskTimeout > 0 {
		opts = append(opts, models.WithTimeout(cfg.TaskTimeout))
	}
	task := func(id string, deps ...string) models.Task {
		return models.NewTask(id, deps, opts...)
	}
	// The gate bounds itself.
	wait := models.NewTask(TaskWaitForDB, nil,
		models.WithRetries(cfg.Retry.Attempts()-1),
		models.WithRetryDelay(cfg.Retry.Delay),
		models.WithTrigger(models.PollingTrigger),
	)

	return []models.Task{
		wait,
		task(TaskExtract, TaskWaitForDB),
		task(TaskTransform, TaskExtract),
		task(TaskLoad, TaskTransform),
		task(TaskSilverMissing, TaskLoad),
		task(TaskSilverCast, TaskLoad),
		task(TaskSilverLogic, TaskSilverMissing, TaskSilverCast),
		task(TaskGoldFeatures, TaskSilverLogic),
		task(TaskGoldValid, TaskGoldFeatures),
		task(TaskTrain, TaskGoldValid),
		task(TaskExplainImportance, TaskTrain),
		task(TaskExplainAttribution, TaskTrain),
		task(TaskPredict, TaskTrain),
	}
}

// Stages binds the daily tasks to their work.
type Stages struct {
	Gate      Waiter
	Scripts   storage.ScriptRunner
	ScriptDir string
	Commands  map[string]Command
	// Overrides replaces the default binding of individual tasks.
	Overrides map[string]TaskFunc
}

// DailyPipeline builds the validated daily graph and its task functions.
func DailyPipeline(cfg TemplateConfig, stages Stages, logger Logger) (*Graph, map[string]TaskFunc, error) {
	g, err := NewGraph(DailyTasks(cfg)...)
	if err != nil {
		return nil, nil, err
	}

	funcs := make(map[string]TaskFunc, g.Len())
	funcs[TaskWaitForDB] = WaitTask(stages.Gate)
	for id, rel := range Scripts {
		funcs[id] = SQLScriptTask(stages.Scripts, filepath.Join(stages.ScriptDir, rel))
	}
	for _, id := range CommandTasks {
		funcs[id] = CommandTask(id, stages.Commands[id], logger)
	}
	for id, fn := range stages.Overrides {
		funcs[id] = fn
	}
	return g, funcs, nil
}
