package models

import "time"

type RunStatus string

const (
	PendingRunStatus   RunStatus = "PENDING"
	RunningRunStatus   RunStatus = "RUNNING"
	CompletedRunStatus RunStatus = "COMPLETED"
	FailedRunStatus    RunStatus = "FAILED"
)

// PipelineRun is one trigger of the task graph.
type PipelineRun struct {
	ExecutionID string     `json:"execution_id"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Tasks       []Task     `json:"tasks"`
}

// Task returns the task with the given id, if it is part of the run.
func (r *PipelineRun) Task(id string) (Task, bool) {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// TaskLog tracks the history of task transitions for auditing.
type TaskLog struct {
	ID          int64      `json:"id" db:"id"`                     // Auto-incremented log ID
	ExecutionID string     `json:"execution_id" db:"execution_id"` // Run the entry belongs to
	TaskID      string     `json:"task_id" db:"task_id"`           // Task being logged
	Status      TaskStatus `json:"status" db:"status"`             // Status at this point
	Attempt     int        `json:"attempt" db:"attempt"`           // Attempt number, 0 before the first start
	Message     string     `json:"message,omitempty" db:"message"` // Details (e.g., error or success note)
	LoggedAt    time.Time  `json:"logged_at" db:"logged_at"`       // Timestamp of log entry
}
