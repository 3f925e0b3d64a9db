// Package train runs the model training and selection stage: it samples the
// gold layer, searches every model family, picks the lowest validation MAE
// and promotes that pipeline as the current artifact.
package train

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/artifact"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/estimator"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/frame"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/metrics"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/pipeline"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/search"
	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
	"github.com/pkg/errors"
)

const (
	RunIDLayout     = "20060102_150405"
	MetricsFileName = "model_metrics.csv"
)

type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Config struct {
	Target         string  `yaml:"target"`
	IDColumn       string  `yaml:"id_column"`
	SampleFraction float64 `yaml:"sample_fraction"`
	Holdout        float64 `yaml:"holdout"`
	Seed           uint64  `yaml:"seed"`
	Trials         int     `yaml:"trials"`
	Folds          int     `yaml:"folds"`
	Workers        int     `yaml:"workers"`
	ReportDir      string  `yaml:"report_dir"`
}

func DefaultConfig() Config {
	return Config{
		Target:         "price_total",
		IDColumn:       "listing_id",
		SampleFraction: 0.05,
		Holdout:        0.2,
		Seed:           42,
		Trials:         5,
		Folds:          2,
		Workers:        2,
		ReportDir:      "artifacts",
	}
}

// Result describes one completed training run.
type Result struct {
	RunID       string
	Candidates  []models.CandidateMetrics // family order
	Best        models.CandidateMetrics
	Artifact    artifact.Artifact
	Run         models.TrainingRun
	MetricsPath string
	Partition   frame.Partition
}

type Engine struct {
	cfg      Config
	source   storage.FeatureSource
	runs     storage.ModelRunStore
	registry *artifact.Registry
	logger   Logger
	now      func() time.Time
}

func NewEngine(cfg Config, source storage.FeatureSource, runs storage.ModelRunStore, registry *artifact.Registry, logger Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		source:   source,
		runs:     runs,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source used for run ids and timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run trains every family and persists the winner. A store failure while
// loading features fails the run; a failed search falls back to the family
// defaults.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	started := e.now().UTC()
	runID := started.Format(RunIDLayout)
	e.logger.Infof("Training run %s started", runID)

	data, err := e.source.LoadFeatures(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load features")
	}
	X, y, err := e.prepare(data)
	if err != nil {
		return nil, err
	}

	part := frame.Split(X.Len(), e.cfg.Holdout, e.cfg.Seed)
	if len(part.Train) < 2 || len(part.Valid) == 0 {
		return nil, errors.Errorf("not enough rows to train: %d after sampling", X.Len())
	}
	Xtr, ytr := X.Take(part.Train), pick(y, part.Train)
	Xva, yva := X.Take(part.Valid), pick(y, part.Valid)
	e.logger.Infof("Training run %s: %d train, %d validation, %d reserved test rows",
		runID, len(part.Train), len(part.Valid), len(part.Test))

	var (
		candidates []models.CandidateMetrics
		pipelines  []*pipeline.Pipeline
	)
	for _, fam := range estimator.Families() {
		cand, p, err := e.fitCandidate(ctx, fam, Xtr, ytr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Errorf("Dropping %s: %v", fam.Name, err)
			continue
		}
		pred, err := p.Predict(Xva)
		if err != nil {
			e.logger.Errorf("Dropping %s: %v", fam.Name, err)
			continue
		}
		scores := metrics.Evaluate(yva, pred)
		cand.MAE, cand.RMSE, cand.R2 = scores.MAE, scores.RMSE, scores.R2
		e.logger.Infof("%s: MAE=%.2f RMSE=%.2f R2=%.4f", fam.Name, cand.MAE, cand.RMSE, cand.R2)
		candidates = append(candidates, cand)
		pipelines = append(pipelines, p)
	}
	if len(candidates) == 0 {
		return nil, errors.New("no model family could be fitted")
	}

	bestIdx := SelectBest(candidates)
	best := candidates[bestIdx]
	e.logger.Infof("Best model: %s (MAE=%.2f)", best.Model, best.MAE)

	metricsPath := filepath.Join(e.cfg.ReportDir, MetricsFileName)
	if err := WriteMetrics(metricsPath, candidates); err != nil {
		return nil, err
	}
	// The artifact becomes current only once its run is on record; an
	// unrecorded one is removed so directory scans cannot pick it up.
	a, err := artifact.Write(e.registry.Dir(), runID, pipelines[bestIdx], started)
	if err != nil {
		return nil, errors.Wrap(err, "failed to save artifact")
	}

	run := models.TrainingRun{
		RunID:       runID,
		ModelName:   best.Model,
		MAE:         best.MAE,
		RMSE:        best.RMSE,
		R2:          best.R2,
		TrainRows:   len(part.Train),
		ValidRows:   len(part.Valid),
		ScoredAt:    e.now().UTC(),
		PipelineSHA: a.SHA256,
	}
	if err := e.runs.AppendModelRun(ctx, run); err != nil {
		if rmErr := artifact.Remove(e.registry.Dir(), a); rmErr != nil {
			e.logger.Errorf("Failed to discard unrecorded artifact %s: %v", a.File, rmErr)
		}
		return nil, errors.Wrap(err, "failed to record model run")
	}
	if err := e.registry.Promote(a); err != nil {
		return nil, errors.Wrap(err, "failed to promote artifact")
	}
	e.logger.Infof("Training run %s saved %s (sha256 %s)", runID, a.File, a.SHA256)

	return &Result{
		RunID:       runID,
		Candidates:  candidates,
		Best:        best,
		Artifact:    a,
		Run:         run,
		MetricsPath: metricsPath,
		Partition:   part,
	}, nil
}

// prepare samples the table, drops rows without a target and removes the
// target and identifier columns from the features.
func (e *Engine) prepare(data *frame.Frame) (*frame.Frame, []float64, error) {
	if !data.Has(e.cfg.Target) {
		return nil, nil, errors.Wrapf(models.ErrMissingInput, "target column '%s'", e.cfg.Target)
	}
	sampled := data.Sample(e.cfg.SampleFraction, e.cfg.Seed)
	y, err := sampled.Target(e.cfg.Target)
	if err != nil {
		return nil, nil, err
	}
	keep := make([]int, 0, len(y))
	for i, v := range y {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			keep = append(keep, i)
		}
	}
	if len(keep) < len(y) {
		e.logger.Warnf("Dropping %d sampled rows without a target value", len(y)-len(keep))
		sampled = sampled.Take(keep)
		y = pick(y, keep)
	}
	return sampled.Drop(e.cfg.Target, e.cfg.IDColumn), y, nil
}

func (e *Engine) fitCandidate(ctx context.Context, fam estimator.Family, X *frame.Frame, y []float64) (models.CandidateMetrics, *pipeline.Pipeline, error) {
	cand := models.CandidateMetrics{Model: fam.Name}
	res, err := search.Run(ctx, fam, X, y, search.Options{
		Trials:     e.cfg.Trials,
		Folds:      e.cfg.Folds,
		Seed:       e.cfg.Seed,
		CVWorkers:  e.cfg.Workers,
		FitWorkers: e.cfg.Workers,
	})
	if err == nil {
		cand.BestParams = res.Best
		return cand, res.Pipeline, nil
	}
	if ctx.Err() != nil {
		return cand, nil, ctx.Err()
	}

	e.logger.Warnf("Search for %s failed, fitting defaults: %v", fam.Name, err)
	p, err := pipeline.New(fam.Name, fam.Defaults, estimator.Options{Seed: e.cfg.Seed, Workers: e.cfg.Workers})
	if err != nil {
		return cand, nil, err
	}
	if err := p.Fit(X, y); err != nil {
		return cand, nil, errors.Wrapf(err, "default fit of %s", fam.Name)
	}
	cand.Fallback = true
	return cand, p, nil
}

// SelectBest returns the index of the candidate with the lowest MAE. The
// earlier candidate wins ties; a NaN score never wins.
func SelectBest(cands []models.CandidateMetrics) int {
	best := -1
	bestMAE := math.Inf(1)
	for i, c := range cands {
		mae := c.MAE
		if math.IsNaN(mae) {
			mae = math.Inf(1)
		}
		if best < 0 || mae < bestMAE {
			best, bestMAE = i, mae
		}
	}
	return best
}

// WriteMetrics writes the candidate table sorted by ascending MAE.
func WriteMetrics(path string, cands []models.CandidateMetrics) error {
	sorted := append([]models.CandidateMetrics(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MAE < sorted[j].MAE })

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create report directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{"model", "mae", "rmse", "r2", "best_params", "fallback"})
	for _, c := range sorted {
		params := ""
		if c.BestParams != nil {
			params = estimator.Params(c.BestParams).String()
		}
		_ = w.Write([]string{
			c.Model,
			formatFloat(c.MAE),
			formatFloat(c.RMSE),
			formatFloat(c.R2),
			params,
			strconv.FormatBool(c.Fallback),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func pick(y []float64, rows []int) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = y[r]
	}
	return out
}
