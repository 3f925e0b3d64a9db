package estimator

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Boosting is stagewise gradient boosting of shallow regression trees on the
// squared-error residual, with optional row and column subsampling.
type Boosting struct {
	NEstimators  int     `msgpack:"n_estimators"`
	LearningRate float64 `msgpack:"learning_rate"`
	MaxDepth     int     `msgpack:"max_depth"`
	Subsample    float64 `msgpack:"subsample"`
	ColSample    float64 `msgpack:"colsample"`
	Seed         uint64  `msgpack:"seed"`
	Init         float64 `msgpack:"init"`
	Trees        []*Tree `msgpack:"trees"`
}

func newBoosting(p Params, opts Options) *Boosting {
	return &Boosting{
		NEstimators:  p.Int("n_estimators", 50),
		LearningRate: p.Float("learning_rate", 0.05),
		MaxDepth:     p.Int("max_depth", 3),
		Subsample:    p.Float("subsample", 1),
		ColSample:    p.Float("colsample", 1),
		Seed:         opts.Seed,
	}
}

func (b *Boosting) Fit(X [][]float64, y []float64) error {
	if len(y) == 0 || len(X) != len(y) {
		return errors.Errorf("boosting: invalid training set (%d rows, %d targets)", len(X), len(y))
	}
	if b.NEstimators < 1 || b.LearningRate <= 0 {
		return errors.Errorf("boosting: invalid parameters n_estimators=%d learning_rate=%g", b.NEstimators, b.LearningRate)
	}
	if b.Subsample <= 0 || b.Subsample > 1 {
		return errors.Errorf("boosting: subsample must be in (0, 1], got %g", b.Subsample)
	}
	rng := newRand(b.Seed)
	b.Init = stat.Mean(y, nil)
	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = b.Init
	}
	resid := make([]float64, len(y))
	nRows := int(b.Subsample * float64(len(y)))
	if nRows < 1 {
		nRows = 1
	}
	b.Trees = make([]*Tree, 0, b.NEstimators)
	for stage := 0; stage < b.NEstimators; stage++ {
		for i := range resid {
			resid[i] = y[i] - pred[i]
		}
		rows := rng.Perm(len(y))[:nRows]
		t := fitTree(X, resid, rows, treeParams{
			maxDepth:        b.MaxDepth,
			minSamplesSplit: 2,
			maxFeatures:     b.ColSample,
		}, rng)
		for i, x := range X {
			pred[i] += b.LearningRate * t.predict(x)
		}
		b.Trees = append(b.Trees, t)
	}
	return nil
}

func (b *Boosting) Predict(X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		v := b.Init
		for _, t := range b.Trees {
			v += b.LearningRate * t.predict(x)
		}
		out[i] = v
	}
	return out
}

func (b *Boosting) FeatureImportances() []float64 {
	return meanImportances(b.Trees)
}

func (b *Boosting) Attribute(x []float64) (float64, []float64) {
	contrib := make([]float64, len(x))
	bias := b.Init
	for _, t := range b.Trees {
		bias += t.attribute(x, contrib, b.LearningRate)
	}
	return bias, contrib
}
