package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/frame"
	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/pkg/errors"
)

// MemoryStore implements Store in memory. It backs unit tests and local
// dry runs.
type MemoryStore struct {
	mu          sync.Mutex
	features    *frame.Frame
	seed        uint64
	pingErr     error
	scripts     []string
	taskLogs    []models.TaskLog
	modelRuns   []models.TrainingRun
	predictions []models.PredictionRecord
	nextLogID   int64
	runLocked   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetFeatures replaces the gold table content.
func (m *MemoryStore) SetFeatures(f *frame.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = f
}

// SetPingError makes Ping fail with err; nil makes the store reachable.
func (m *MemoryStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *MemoryStore) ExecScript(ctx context.Context, script string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pingErr != nil {
		return m.pingErr
	}
	m.scripts = append(m.scripts, script)
	return nil
}

// Scripts returns the scripts executed so far, in order.
func (m *MemoryStore) Scripts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.scripts...)
}

func (m *MemoryStore) AppendTaskLog(ctx context.Context, entry models.TaskLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	entry.ID = m.nextLogID
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now()
	}
	m.taskLogs = append(m.taskLogs, entry)
	return nil
}

func (m *MemoryStore) ListTaskLogs(ctx context.Context, executionID string) ([]models.TaskLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskLog
	for _, l := range m.taskLogs {
		if l.ExecutionID == executionID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendModelRun(ctx context.Context, run models.TrainingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pingErr != nil {
		return m.pingErr
	}
	m.modelRuns = append(m.modelRuns, run)
	return nil
}

func (m *MemoryStore) ListModelRuns(ctx context.Context, limit int) ([]models.TrainingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.TrainingRun(nil), m.modelRuns...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScoredAt.After(out[j].ScoredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendPredictions(ctx context.Context, records []models.PredictionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pingErr != nil {
		return m.pingErr
	}
	m.predictions = append(m.predictions, records...)
	return nil
}

func (m *MemoryStore) ListPredictions(ctx context.Context, limit int) ([]models.PredictionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PredictionRecord, 0, len(m.predictions))
	for i := len(m.predictions) - 1; i >= 0; i-- {
		out = append(out, m.predictions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) LoadFeatures(ctx context.Context) (*frame.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pingErr != nil {
		return nil, m.pingErr
	}
	if m.features == nil {
		return nil, errors.Wrap(ErrNotFound, "feature table is empty")
	}
	return m.features, nil
}

func (m *MemoryStore) SampleRows(ctx context.Context, n int) (*frame.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pingErr != nil {
		return nil, m.pingErr
	}
	if m.features == nil {
		return nil, errors.Wrap(ErrNotFound, "feature table is empty")
	}
	m.seed++
	return m.features.SampleN(n, m.seed), nil
}

// TryRunLock hands the lock to one holder at a time. Orchestrators sharing a
// MemoryStore behave like processes sharing a database.
func (m *MemoryStore) TryRunLock(ctx context.Context) (func() error, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pingErr != nil {
		return nil, false, m.pingErr
	}
	if m.runLocked {
		return nil, false, nil
	}
	m.runLocked = true
	var once sync.Once
	release := func() error {
		once.Do(func() {
			m.mu.Lock()
			m.runLocked = false
			m.mu.Unlock()
		})
		return nil
	}
	return release, true, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
