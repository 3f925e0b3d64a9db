package storage

import (
	"context"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/frame"
	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// Pinger is the minimal liveness query used by the readiness gate.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ScriptRunner executes a layer-transition SQL script against the store.
type ScriptRunner interface {
	ExecScript(ctx context.Context, script string) error
}

// TaskLogStore keeps the audit trail of task transitions.
type TaskLogStore interface {
	AppendTaskLog(ctx context.Context, entry models.TaskLog) error
	ListTaskLogs(ctx context.Context, executionID string) ([]models.TaskLog, error)
}

// ModelRunStore is the append-only training run metadata table.
type ModelRunStore interface {
	AppendModelRun(ctx context.Context, run models.TrainingRun) error
	ListModelRuns(ctx context.Context, limit int) ([]models.TrainingRun, error)
}

// PredictionStore is the append-only predictions table.
type PredictionStore interface {
	AppendPredictions(ctx context.Context, records []models.PredictionRecord) error
	ListPredictions(ctx context.Context, limit int) ([]models.PredictionRecord, error)
}

// RunLocker serializes pipeline runs across processes. When acquired is
// false another holder owns the lock and release is nil.
type RunLocker interface {
	TryRunLock(ctx context.Context) (release func() error, acquired bool, err error)
}

// FeatureSource reads the feature-ready (gold) layer.
type FeatureSource interface {
	// LoadFeatures returns the whole table in a stable row order.
	LoadFeatures(ctx context.Context) (*frame.Frame, error)
	// SampleRows returns up to n randomly chosen rows.
	SampleRows(ctx context.Context, n int) (*frame.Frame, error)
}

// Store defines the storage operations used by the pipeline.
type Store interface {
	Pinger
	ScriptRunner
	TaskLogStore
	ModelRunStore
	PredictionStore
	FeatureSource
	RunLocker
	Close() error
}
