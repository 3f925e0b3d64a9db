package service

import (
	"context"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
)

// TaskService records task transitions in the task log. Recording failures
// are logged and never fail the task itself.
type TaskService struct {
	store  storage.TaskLogStore
	logger Logger
}

func NewTaskService(store storage.TaskLogStore, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

func (ts *TaskService) Record(ctx context.Context, task models.Task, message string) {
	switch task.Status {
	case models.FailedTaskStatus:
		ts.logger.Errorf("Task %s %s (attempt %d): %s", task.ID, task.Status, task.Attempts, message)
	case models.RetryingTaskStatus:
		ts.logger.Warnf("Task %s %s after attempt %d/%d: %s", task.ID, task.Status, task.Attempts, task.Retry.Attempts(), message)
	default:
		ts.logger.Infof("Task %s %s (attempt %d)", task.ID, task.Status, task.Attempts)
	}
	if ts.store == nil {
		return
	}
	entry := models.TaskLog{
		ExecutionID: task.ExecutionID,
		TaskID:      task.ID,
		Status:      task.Status,
		Attempt:     task.Attempts,
		Message:     message,
		LoggedAt:    time.Now().UTC(),
	}
	// The log write must not be cut short by a cancelled run.
	if err := ts.store.AppendTaskLog(context.WithoutCancel(ctx), entry); err != nil {
		ts.logger.Errorf("Failed to record task %s status %s: %v", task.ID, task.Status, err)
	}
}
