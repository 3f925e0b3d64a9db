// Package search runs a bounded randomized hyperparameter search scored by
// cross-validated negative mean absolute error.
package search

import (
	"context"
	"fmt"
	"math"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/estimator"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/frame"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/metrics"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/pipeline"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Trials     int    // number of sampled configurations
	Folds      int    // cross-validation folds
	Seed       uint64 // drives sampling and every fitted estimator
	CVWorkers  int    // concurrent folds
	FitWorkers int    // goroutines inside a single fit
}

// Trial is the cross-validated score of one sampled configuration.
type Trial struct {
	Params estimator.Params
	Score  float64 // mean negative MAE across folds
}

type Result struct {
	Best     estimator.Params
	Score    float64
	Trials   []Trial
	Pipeline *pipeline.Pipeline // refit on the full training set
}

// Sample draws up to n distinct configurations from the family's grid
// without replacement. When the grid is smaller than n every configuration
// is returned in grid order.
func Sample(fam estimator.Family, n int, seed uint64) []estimator.Params {
	size := 1
	for _, d := range fam.Space {
		size *= len(d.Values)
	}
	var picks []int
	if n >= size {
		picks = make([]int, size)
		for i := range picks {
			picks[i] = i
		}
	} else {
		picks = frame.NewRand(seed).Perm(size)[:n]
	}
	out := make([]estimator.Params, len(picks))
	for i, code := range picks {
		p := estimator.Params{}
		for j := len(fam.Space) - 1; j >= 0; j-- {
			d := fam.Space[j]
			p[d.Name] = d.Values[code%len(d.Values)]
			code /= len(d.Values)
		}
		out[i] = p
	}
	return out
}

// Run evaluates Trials sampled configurations of fam with k-fold
// cross-validation on (X, y), then refits the best one on all rows. The
// first configuration wins score ties. A panic inside any fit is returned as
// an error.
func Run(ctx context.Context, fam estimator.Family, X *frame.Frame, y []float64, opts Options) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, errors.Errorf("search for %s panicked: %v", fam.Name, r)
		}
	}()
	if opts.Trials < 1 {
		return nil, errors.New("search needs at least one trial")
	}
	if X.Len() < 2 {
		return nil, errors.Errorf("search needs at least 2 rows, got %d", X.Len())
	}

	candidates := Sample(fam, opts.Trials, opts.Seed)
	folds := frame.KFold(X.Len(), opts.Folds)
	res = &Result{Score: math.Inf(-1)}
	for _, params := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score, err := crossValidate(ctx, fam.Name, params, X, y, folds, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "%s trial %s", fam.Name, params)
		}
		res.Trials = append(res.Trials, Trial{Params: params, Score: score})
		if score > res.Score {
			res.Score, res.Best = score, params
		}
	}
	if res.Best == nil {
		return nil, errors.Errorf("no %s configuration produced a finite score", fam.Name)
	}

	best, err := pipeline.New(fam.Name, res.Best, estimator.Options{Seed: opts.Seed, Workers: opts.FitWorkers})
	if err != nil {
		return nil, err
	}
	if err := best.Fit(X, y); err != nil {
		return nil, errors.Wrap(err, "refit best configuration")
	}
	res.Pipeline = best
	return res, nil
}

func crossValidate(ctx context.Context, family string, params estimator.Params, X *frame.Frame, y []float64, folds [][]int, opts Options) (float64, error) {
	scores := make([]float64, len(folds))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.CVWorkers, 1))
	for i, held := range folds {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("fold %d panicked: %v", i, r)
				}
			}()
			train := frame.Complement(X.Len(), held)
			p, err := pipeline.New(family, params, estimator.Options{Seed: opts.Seed, Workers: opts.FitWorkers})
			if err != nil {
				return err
			}
			if err := p.Fit(X.Take(train), pick(y, train)); err != nil {
				return err
			}
			pred, err := p.Predict(X.Take(held))
			if err != nil {
				return err
			}
			scores[i] = -metrics.MAE(pick(y, held), pred)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))
	if math.IsNaN(mean) {
		return math.Inf(-1), nil
	}
	return mean, nil
}

func pick(y []float64, rows []int) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = y[r]
	}
	return out
}
