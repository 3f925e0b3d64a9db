package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus  TaskStatus = "PENDING"
	RunningTaskStatus  TaskStatus = "RUNNING"
	SuccessTaskStatus  TaskStatus = "SUCCESS"
	FailedTaskStatus   TaskStatus = "FAILED"
	RetryingTaskStatus TaskStatus = "RETRYING"
)

// Terminal reports whether no further transition is possible within a run.
func (s TaskStatus) Terminal() bool {
	return s == SuccessTaskStatus || s == FailedTaskStatus
}

// TriggerMode says how a task waits for its work to become possible.
type TriggerMode string

const (
	// ScheduledTrigger tasks run as soon as their predecessors succeed.
	ScheduledTrigger TriggerMode = "SCHEDULED"
	// PollingTrigger tasks repeatedly probe an external dependency and
	// release their slot between probes.
	PollingTrigger TriggerMode = "POLLING"
)

// RetryPolicy is a fixed attempt budget with a fixed delay between attempts.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Delay       time.Duration `json:"delay" yaml:"delay"`
}

// Attempts returns the effective attempt budget (at least one).
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Task represents a node of the pipeline graph and its state within one run.
type Task struct {
	ID           string         `json:"id" db:"id"`                             // Unique name (e.g., "load_processed_to_pg")
	Dependencies []string       `json:"dependencies"`                           // Predecessor task IDs
	Retry        RetryPolicy    `json:"retry"`                                  // Attempt budget
	Trigger      TriggerMode    `json:"trigger" db:"trigger"`                   // Scheduled or polling
	Timeout      *time.Duration `json:"timeout,omitempty"`                      // Whole-attempt timeout, nil for none
	Status       TaskStatus     `json:"status" db:"status"`                     // Current state within the run
	Attempts     int            `json:"attempts" db:"attempts"`                 // Attempts started so far
	ErrorMsg     string         `json:"error,omitempty" db:"error_msg"`         // Last error message
	StartedAt    *time.Time     `json:"started_at,omitempty" db:"started_at"`   // First attempt start
	FinishedAt   *time.Time     `json:"finished_at,omitempty" db:"finished_at"` // Terminal transition time
	ExecutionID  string         `json:"execution_id" db:"execution_id"`         // Run the task belongs to
}

// TaskConfig carries the per-task options applied at definition time.
type TaskConfig struct {
	Retry   RetryPolicy
	Timeout *time.Duration
	Trigger TriggerMode
}

type TaskOption func(*TaskConfig)

// WithRetries allows n additional attempts after the first one.
func WithRetries(n int) TaskOption {
	return func(c *TaskConfig) {
		c.Retry.MaxAttempts = n + 1
	}
}

func WithRetryDelay(d time.Duration) TaskOption {
	return func(c *TaskConfig) {
		c.Retry.Delay = d
	}
}

func WithTimeout(d time.Duration) TaskOption {
	return func(c *TaskConfig) {
		c.Timeout = &d
	}
}

func WithTrigger(mode TriggerMode) TaskOption {
	return func(c *TaskConfig) {
		c.Trigger = mode
	}
}

// NewTask defines a pending task with the given predecessors and options.
func NewTask(id string, deps []string, opts ...TaskOption) Task {
	cfg := TaskConfig{Retry: RetryPolicy{MaxAttempts: 1}, Trigger: ScheduledTrigger}
	for _, opt := range opts {
		opt(&cfg)
	}
	return Task{
		ID:           id,
		Dependencies: deps,
		Retry:        cfg.Retry,
		Trigger:      cfg.Trigger,
		Timeout:      cfg.Timeout,
		Status:       PendingTaskStatus,
	}
}
