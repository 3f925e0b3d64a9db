package estimator

import (
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Forest is a bagged ensemble of regression trees.
type Forest struct {
	NEstimators     int     `msgpack:"n_estimators"`
	MaxDepth        int     `msgpack:"max_depth"`
	MinSamplesSplit int     `msgpack:"min_samples_split"`
	Seed            uint64  `msgpack:"seed"`
	Trees           []*Tree `msgpack:"trees"`

	workers int
}

func newForest(p Params, opts Options) *Forest {
	return &Forest{
		NEstimators:     p.Int("n_estimators", 50),
		MaxDepth:        p.Int("max_depth", 12),
		MinSamplesSplit: p.Int("min_samples_split", 2),
		Seed:            opts.Seed,
		workers:         opts.Workers,
	}
}

// Fit grows every tree on its own bootstrap sample. Each tree draws from a
// generator derived from Seed and its index, so the result does not depend
// on worker scheduling.
func (f *Forest) Fit(X [][]float64, y []float64) error {
	if len(y) == 0 || len(X) != len(y) {
		return errors.Errorf("forest: invalid training set (%d rows, %d targets)", len(X), len(y))
	}
	if f.NEstimators < 1 {
		return errors.Errorf("forest: n_estimators must be positive, got %d", f.NEstimators)
	}
	trees := make([]*Tree, f.NEstimators)
	var g errgroup.Group
	g.SetLimit(workerLimit(f.workers))
	for i := range trees {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("forest: tree %d panicked: %v", i, r)
				}
			}()
			rng := newRand(f.Seed + uint64(i)*7919)
			rows := make([]int, len(y))
			for j := range rows {
				rows[j] = rng.IntN(len(y))
			}
			trees[i] = fitTree(X, y, rows, treeParams{
				maxDepth:        f.MaxDepth,
				minSamplesSplit: f.MinSamplesSplit,
				maxFeatures:     1,
			}, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	f.Trees = trees
	return nil
}

func (f *Forest) Predict(X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		var s float64
		for _, t := range f.Trees {
			s += t.predict(x)
		}
		out[i] = s / float64(len(f.Trees))
	}
	return out
}

// FeatureImportances averages the normalized impurity decrease of every tree.
func (f *Forest) FeatureImportances() []float64 {
	return meanImportances(f.Trees)
}

func (f *Forest) Attribute(x []float64) (float64, []float64) {
	contrib := make([]float64, len(x))
	w := 1 / float64(len(f.Trees))
	var bias float64
	for _, t := range f.Trees {
		bias += t.attribute(x, contrib, w)
	}
	return bias, contrib
}

func meanImportances(trees []*Tree) []float64 {
	if len(trees) == 0 {
		return nil
	}
	out := make([]float64, len(trees[0].Importances))
	for _, t := range trees {
		for i, v := range t.Importances {
			out[i] += v
		}
	}
	var total float64
	for _, v := range out {
		total += v
	}
	if total > 0 {
		for i := range out {
			out[i] /= total
		}
	}
	return out
}
