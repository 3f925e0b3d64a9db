package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/frame"
	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const (
	DefaultFeatureTable = "gold.housing_valid"
	DefaultKeyColumn    = "listing_id"

	// runLockKey identifies the pipeline run advisory lock.
	runLockKey int64 = 0x6d77686d6c
)

type DBInterface interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db           DBInterface
	featureTable string
	keyColumn    string
}

type Option func(*PostgresStore)

// WithFeatureTable sets the schema-qualified table read by training and
// scoring, and the column that gives it a stable row order.
func WithFeatureTable(table, keyColumn string) Option {
	return func(s *PostgresStore) {
		s.featureTable = table
		s.keyColumn = keyColumn
	}
}

// NewPostgresStore opens a connection pool without contacting the server;
// reachability is the readiness gate's concern.
func NewPostgresStore(connStr string, opts ...Option) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db, featureTable: DefaultFeatureTable, keyColumn: DefaultKeyColumn}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PostgresStore) Begin(ctx context.Context) (*PostgresStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx, featureTable: s.featureTable, keyColumn: s.keyColumn}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// Ping runs the liveness query.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	return s.db.GetContext(ctx, &one, "SELECT 1")
}

// TryRunLock takes the session-level advisory lock on a dedicated
// connection, which stays checked out of the pool until release.
func (s *PostgresStore) TryRunLock(ctx context.Context) (func() error, bool, error) {
	db, ok := s.db.(*sqlx.DB)
	if !ok {
		return nil, false, fmt.Errorf("cannot take run lock inside a transaction")
	}
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to reserve connection for run lock")
	}
	var acquired bool
	if err := conn.GetContext(ctx, &acquired, "SELECT pg_try_advisory_lock($1)", runLockKey); err != nil {
		conn.Close()
		return nil, false, errors.Wrap(err, "failed to take run lock")
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	release := func() error {
		defer conn.Close()
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", runLockKey); err != nil {
			return errors.Wrap(err, "failed to release run lock")
		}
		return nil
	}
	return release, true, nil
}

// ExecScript runs a multi-statement SQL script in one round trip.
func (s *PostgresStore) ExecScript(ctx context.Context, script string) error {
	if strings.TrimSpace(script) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, script)
	return err
}

func (s *PostgresStore) AppendTaskLog(ctx context.Context, entry models.TaskLog) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ml.task_log (execution_id, task_id, status, attempt, message, logged_at)
		VALUES (:execution_id, :task_id, :status, :attempt, :message, :logged_at)`, entry)
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTaskLogs(ctx context.Context, executionID string) ([]models.TaskLog, error) {
	logs := []models.TaskLog{}
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, execution_id, task_id, status, attempt, message, logged_at
		FROM ml.task_log WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *PostgresStore) AppendModelRun(ctx context.Context, run models.TrainingRun) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ml.model_runs (run_id, model_name, mae, rmse, r2, train_rows, valid_rows, scored_at, pipeline_sha)
		VALUES (:run_id, :model_name, :mae, :rmse, :r2, :train_rows, :valid_rows, :scored_at, :pipeline_sha)`, run)
	if err != nil {
		return fmt.Errorf("append model run %s: %w", run.RunID, err)
	}
	return nil
}

// ListModelRuns returns the newest runs first; limit <= 0 returns all.
func (s *PostgresStore) ListModelRuns(ctx context.Context, limit int) ([]models.TrainingRun, error) {
	runs := []models.TrainingRun{}
	query := `SELECT run_id, model_name, mae, rmse, r2, train_rows, valid_rows, scored_at, pipeline_sha
		FROM ml.model_runs ORDER BY scored_at DESC, run_id DESC`
	var err error
	if limit > 0 {
		err = s.db.SelectContext(ctx, &runs, query+" LIMIT $1", limit)
	} else {
		err = s.db.SelectContext(ctx, &runs, query)
	}
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// AppendPredictions inserts the batch atomically.
func (s *PostgresStore) AppendPredictions(ctx context.Context, records []models.PredictionRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	txStore, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				err = errors.Wrapf(err, "rollback failed: %v", rollbackErr)
			}
			return
		}
		err = txStore.Commit()
	}()

	_, err = txStore.db.NamedExecContext(ctx, `
		INSERT INTO gold.housing_predictions (id, listing_id, predicted_price_total, scored_at, model_path)
		VALUES (:id, :listing_id, :predicted_price_total, :scored_at, :model_path)`, records)
	if err != nil {
		return fmt.Errorf("append predictions: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPredictions(ctx context.Context, limit int) ([]models.PredictionRecord, error) {
	records := []models.PredictionRecord{}
	query := `SELECT id, listing_id, predicted_price_total, scored_at, model_path
		FROM gold.housing_predictions ORDER BY scored_at DESC, id`
	var err error
	if limit > 0 {
		err = s.db.SelectContext(ctx, &records, query+" LIMIT $1", limit)
	} else {
		err = s.db.SelectContext(ctx, &records, query)
	}
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LoadFeatures reads the whole feature table ordered by its key column so
// that seeded sampling sees the same row order on every run.
func (s *PostgresStore) LoadFeatures(ctx context.Context) (*frame.Frame, error) {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s", quoteTable(s.featureTable), pq.QuoteIdentifier(s.keyColumn))
	return s.queryFrame(ctx, query)
}

// SampleRows draws n random rows from the feature table.
func (s *PostgresStore) SampleRows(ctx context.Context, n int) (*frame.Frame, error) {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY random() LIMIT $1", quoteTable(s.featureTable))
	return s.queryFrame(ctx, query, n)
}

func (s *PostgresStore) queryFrame(ctx context.Context, query string, args ...interface{}) (*frame.Frame, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", s.featureTable)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var data [][]interface{}
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return nil, errors.Wrapf(err, "scan %s", s.featureTable)
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.Wrapf(storage.ErrNotFound, "table %s is empty", s.featureTable)
	}
	return frame.FromRows(names, data)
}

// quoteTable quotes each part of a possibly schema-qualified name.
func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

var _ storage.Store = (*PostgresStore)(nil)
