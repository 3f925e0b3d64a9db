package estimator

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Ridge is L2-regularized least squares with an unpenalized intercept.
// It exposes no per-feature importances.
type Ridge struct {
	Alpha     float64   `msgpack:"alpha"`
	Coef      []float64 `msgpack:"coef"`
	Intercept float64   `msgpack:"intercept"`
	Means     []float64 `msgpack:"means"`
	YMean     float64   `msgpack:"y_mean"`
}

func newRidge(p Params, _ Options) *Ridge {
	return &Ridge{Alpha: p.Float("alpha", 1)}
}

func (r *Ridge) Fit(X [][]float64, y []float64) error {
	if len(y) == 0 || len(X) != len(y) {
		return errors.Errorf("ridge: invalid training set (%d rows, %d targets)", len(X), len(y))
	}
	if r.Alpha < 0 {
		return errors.Errorf("ridge: alpha must be non-negative, got %g", r.Alpha)
	}
	n, p := len(X), len(X[0])
	r.Means = make([]float64, p)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		r.Means[j] = stat.Mean(col, nil)
	}
	r.YMean = stat.Mean(y, nil)

	xc := mat.NewDense(n, p, nil)
	yc := mat.NewVecDense(n, nil)
	for i := range X {
		for j := 0; j < p; j++ {
			xc.Set(i, j, X[i][j]-r.Means[j])
		}
		yc.SetVec(i, y[i]-r.YMean)
	}

	var gram mat.Dense
	gram.Mul(xc.T(), xc)
	for j := 0; j < p; j++ {
		gram.Set(j, j, gram.At(j, j)+r.Alpha)
	}
	var rhs mat.VecDense
	rhs.MulVec(xc.T(), yc)

	var w mat.VecDense
	if err := w.SolveVec(&gram, &rhs); err != nil {
		// A poorly conditioned system still yields a usable solution.
		if _, ill := err.(mat.Condition); !ill {
			return errors.Wrap(err, "ridge: solve normal equations")
		}
	}
	r.Coef = make([]float64, p)
	r.Intercept = r.YMean
	for j := range r.Coef {
		r.Coef[j] = w.AtVec(j)
		r.Intercept -= r.Coef[j] * r.Means[j]
	}
	return nil
}

func (r *Ridge) Predict(X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		v := r.Intercept
		for j, c := range r.Coef {
			v += c * x[j]
		}
		out[i] = v
	}
	return out
}

// Attribute returns the exact linear decomposition around the training means.
func (r *Ridge) Attribute(x []float64) (float64, []float64) {
	contrib := make([]float64, len(x))
	for j, c := range r.Coef {
		contrib[j] = c * (x[j] - r.Means[j])
	}
	return r.YMean, contrib
}
