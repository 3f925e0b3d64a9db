// Package predict scores a random batch of gold rows with the current best
// pipeline and exports a joined report.
package predict

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/artifact"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/frame"
	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

const (
	reportLayout = "20060102_1504"
	sheetName    = "predictions"
)

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Config struct {
	BatchSize int    `yaml:"batch_size"`
	IDColumn  string `yaml:"id_column"`
	Target    string `yaml:"target"`
	ReportDir string `yaml:"report_dir"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize: 10,
		IDColumn:  "listing_id",
		Target:    "price_total",
		ReportDir: "artifacts",
	}
}

// Report is the scored batch joined back to its source rows.
type Report struct {
	Columns  []string
	Rows     [][]interface{}
	Path     string
	Artifact artifact.Artifact
	Records  []models.PredictionRecord
}

type Service struct {
	cfg      Config
	source   storage.FeatureSource
	sink     storage.PredictionStore
	registry *artifact.Registry
	logger   Logger
	now      func() time.Time
}

func NewService(cfg Config, source storage.FeatureSource, sink storage.PredictionStore, registry *artifact.Registry, logger Logger) *Service {
	return &Service{
		cfg:      cfg,
		source:   source,
		sink:     sink,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Score resolves the current artifact, predicts a random batch, appends
// the prediction records and writes the xlsx report.
func (s *Service) Score(ctx context.Context) (*Report, error) {
	a, p, err := s.registry.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load current model")
	}
	s.logger.Infof("Scoring with %s (run %s)", a.File, a.RunID)

	batch, err := s.source.SampleRows(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch rows to score")
	}
	ids, ok := batch.Column(s.cfg.IDColumn)
	if !ok {
		return nil, errors.Wrapf(models.ErrMissingInput, "column '%s' in scoring batch", s.cfg.IDColumn)
	}

	pred, err := p.Predict(batch.Drop(s.cfg.Target))
	if err != nil {
		return nil, errors.Wrap(err, "failed to predict")
	}

	scoredAt := s.now().UTC()
	records := make([]models.PredictionRecord, batch.Len())
	for i := range records {
		id, _ := ids.StringAt(i)
		records[i] = models.PredictionRecord{
			ID:                  uuid.NewString(),
			ListingID:           id,
			PredictedPriceTotal: pred[i],
			ScoredAt:            scoredAt,
			ModelPath:           a.File,
		}
	}
	if err := s.sink.AppendPredictions(ctx, records); err != nil {
		return nil, errors.Wrap(err, "failed to save predictions")
	}
	s.logger.Infof("Saved %d predictions", len(records))

	report := s.join(batch, records)
	report.Artifact = a
	report.Records = records
	report.Path = filepath.Join(s.cfg.ReportDir, "predictions_"+scoredAt.Format(reportLayout)+".xlsx")
	if err := WriteXLSX(report.Path, report.Columns, report.Rows); err != nil {
		return nil, err
	}
	s.logger.Infof("Report written to %s", report.Path)
	return report, nil
}

// join appends the prediction columns and the diff columns to every source
// row. diff_pct is left empty when the actual value is zero or missing.
func (s *Service) join(batch *frame.Frame, records []models.PredictionRecord) *Report {
	target, hasTarget := batch.Column(s.cfg.Target)
	cols := append(batch.Names(), "predicted_price_total", "scored_at", "model_path")
	if hasTarget {
		cols = append(cols, "diff", "diff_pct")
	}

	rows := make([][]interface{}, batch.Len())
	for i := range rows {
		row := make([]interface{}, 0, len(cols))
		for _, c := range batch.Columns() {
			row = append(row, c.Value(i))
		}
		rec := records[i]
		row = append(row, rec.PredictedPriceTotal, rec.ScoredAt, rec.ModelPath)
		if hasTarget {
			diff, diffPct := Diff(rec.PredictedPriceTotal, target, i)
			row = append(row, diff, diffPct)
		}
		rows[i] = row
	}
	return &Report{Columns: cols, Rows: rows}
}

// Diff returns predicted minus actual and that difference as a percentage
// of actual rounded to two decimals. Missing parts are nil.
func Diff(predicted float64, actual *frame.Column, i int) (diff, diffPct interface{}) {
	v, ok := actual.FloatAt(i)
	if !ok {
		return nil, nil
	}
	d := predicted - v
	if v == 0 {
		return d, nil
	}
	return d, math.Round(d/v*100*100) / 100
}

// WriteXLSX writes a single-sheet workbook with a header row.
func WriteXLSX(path string, columns []string, rows [][]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create report directory")
	}
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return errors.Wrap(err, "name sheet")
	}

	header := make([]interface{}, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return errors.Wrap(err, "write header")
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		r := make([]interface{}, len(row))
		for j, v := range row {
			if t, ok := v.(time.Time); ok {
				// Spreadsheet cells carry no zone.
				v = t.UTC().Format("2006-01-02 15:04:05")
			}
			r[j] = v
		}
		if err := f.SetSheetRow(sheetName, cell, &r); err != nil {
			return errors.Wrapf(err, "write row %d", i+1)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}
