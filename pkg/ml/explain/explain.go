// Package explain produces read-only explainability reports for the current
// best pipeline: ranked feature importances and per-row attributions.
package explain

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/artifact"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/estimator"
	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
	"github.com/pkg/errors"
)

const (
	ImportanceCSV   = "feature_importance.csv"
	ImportancePNG   = "feature_importance.png"
	AttributionCSV  = "attribution_values.csv"
	AttributionPNG  = "attribution_summary.png"
	chartMaxFeature = 20
)

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Config struct {
	TopN       int    `yaml:"top_n"`
	SampleRows int    `yaml:"sample_rows"`
	Seed       uint64 `yaml:"seed"`
	Target     string `yaml:"target"`
	OutputDir  string `yaml:"output_dir"`
}

func DefaultConfig() Config {
	return Config{
		TopN:       20,
		SampleRows: 5000,
		Seed:       42,
		Target:     "price_total",
		OutputDir:  "artifacts",
	}
}

// FeatureScore is one ranked feature.
type FeatureScore struct {
	Feature string
	Score   float64
}

type ImportanceResult struct {
	Artifact artifact.Artifact
	Top      []FeatureScore
	CSVPath  string
	PNGPath  string
}

type AttributionResult struct {
	Artifact artifact.Artifact
	Rows     int
	Bias     []float64
	Summary  []FeatureScore // mean absolute attribution, descending
	CSVPath  string
	PNGPath  string
}

type Explainer struct {
	cfg      Config
	registry *artifact.Registry
	source   storage.FeatureSource
	logger   Logger
}

func NewExplainer(cfg Config, registry *artifact.Registry, source storage.FeatureSource, logger Logger) *Explainer {
	return &Explainer{
		cfg:      cfg,
		registry: registry,
		source:   source,
		logger:   logger,
	}
}

// Importance ranks the model's own feature importances. Families without
// them fail with ErrUnsupportedModel.
func (e *Explainer) Importance(ctx context.Context) (*ImportanceResult, error) {
	a, p, err := e.registry.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load current model")
	}
	fi, ok := p.Model.Regressor().(estimator.FeatureImportancer)
	if !ok {
		return nil, errors.Wrapf(models.ErrUnsupportedModel, "%s does not expose feature importances", a.ModelName)
	}

	ranked := rank(p.Pre.FeatureNames(), fi.FeatureImportances())
	top := ranked
	if e.cfg.TopN > 0 && len(top) > e.cfg.TopN {
		top = top[:e.cfg.TopN]
	}

	res := &ImportanceResult{
		Artifact: a,
		Top:      top,
		CSVPath:  filepath.Join(e.cfg.OutputDir, ImportanceCSV),
		PNGPath:  filepath.Join(e.cfg.OutputDir, ImportancePNG),
	}
	if err := writeScores(res.CSVPath, "importance", top); err != nil {
		return nil, err
	}
	if err := BarChart(res.PNGPath, "Feature Importance - TOP "+strconv.Itoa(len(top)), "importance", top); err != nil {
		return nil, err
	}
	e.logger.Infof("Feature importance for %s written to %s", a.File, res.CSVPath)
	return res, nil
}

// Attribution decomposes predictions over a bounded seeded sample of the
// gold table into per-feature contributions.
func (e *Explainer) Attribution(ctx context.Context) (*AttributionResult, error) {
	a, p, err := e.registry.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load current model")
	}
	attr, ok := p.Model.Regressor().(estimator.Attributor)
	if !ok {
		return nil, errors.Wrapf(models.ErrUnsupportedModel, "%s does not support attributions", a.ModelName)
	}

	data, err := e.source.LoadFeatures(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load features")
	}
	sample := data.SampleN(e.cfg.SampleRows, e.cfg.Seed).Drop(e.cfg.Target)
	X := p.Pre.Transform(sample)
	names := p.Pre.FeatureNames()

	res := &AttributionResult{
		Artifact: a,
		Rows:     len(X),
		Bias:     make([]float64, len(X)),
		CSVPath:  filepath.Join(e.cfg.OutputDir, AttributionCSV),
		PNGPath:  filepath.Join(e.cfg.OutputDir, AttributionPNG),
	}
	values := make([][]float64, len(X))
	meanAbs := make([]float64, len(names))
	for i, row := range X {
		bias, contrib := attr.Attribute(row)
		res.Bias[i] = bias
		values[i] = contrib
		for j, c := range contrib {
			meanAbs[j] += math.Abs(c)
		}
	}
	if len(X) > 0 {
		for j := range meanAbs {
			meanAbs[j] /= float64(len(X))
		}
	}
	res.Summary = rank(names, meanAbs)

	if err := writeMatrix(res.CSVPath, names, values); err != nil {
		return nil, err
	}
	summary := res.Summary
	if len(summary) > chartMaxFeature {
		summary = summary[:chartMaxFeature]
	}
	if err := BarChart(res.PNGPath, "Mean |attribution|", "mean absolute contribution", summary); err != nil {
		return nil, err
	}
	e.logger.Infof("Attributions for %d rows written to %s", res.Rows, res.CSVPath)
	return res, nil
}

// rank orders features by descending score, keeping layout order on ties.
func rank(names []string, scores []float64) []FeatureScore {
	out := make([]FeatureScore, len(names))
	for i, n := range names {
		out[i] = FeatureScore{Feature: n}
		if i < len(scores) {
			out[i].Score = scores[i]
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func writeScores(path, column string, scores []FeatureScore) error {
	rows := make([][]string, 0, len(scores)+1)
	rows = append(rows, []string{"feature", column})
	for _, s := range scores {
		rows = append(rows, []string{s.Feature, strconv.FormatFloat(s.Score, 'g', -1, 64)})
	}
	return writeCSV(path, rows)
}

func writeMatrix(path string, header []string, values [][]float64) error {
	rows := make([][]string, 0, len(values)+1)
	rows = append(rows, header)
	for _, v := range values {
		row := make([]string, len(v))
		for j, x := range v {
			row[j] = strconv.FormatFloat(x, 'g', -1, 64)
		}
		rows = append(rows, row)
	}
	return writeCSV(path, rows)
}

func writeCSV(path string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}
