// Package estimator provides the regression model families searched by the
// training engine.
package estimator

import (
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Regressor is the contract shared by every model family.
type Regressor interface {
	Fit(X [][]float64, y []float64) error
	Predict(X [][]float64) []float64
}

// FeatureImportancer is implemented by models exposing per-feature importance.
type FeatureImportancer interface {
	FeatureImportances() []float64
}

// Attributor is implemented by models that can decompose one prediction into
// a bias term plus one contribution per feature.
type Attributor interface {
	Attribute(x []float64) (bias float64, contrib []float64)
}

// Params is a hyperparameter assignment. Integer parameters are stored as
// whole floats; 0 means "unlimited" for max_depth.
type Params map[string]float64

func (p Params) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(math.Round(v))
	}
	return def
}

func (p Params) Float(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// String renders parameters in key order, e.g. "max_depth=5 n_estimators=100".
func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.FormatFloat(p[k], 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

// Options are construction settings that are not hyperparameters.
type Options struct {
	Seed    uint64
	Workers int // bound on goroutines used inside a single fit
}

// Dimension is one searchable hyperparameter and its candidate values.
type Dimension struct {
	Name   string
	Values []float64
}

// Family describes one model family: its defaults and its search space.
type Family struct {
	Name     string
	Defaults Params
	Space    []Dimension
}

const (
	RandomForest     = "RandomForest"
	GradientBoosting = "GradientBoosting"
	RidgeRegression  = "Ridge"
)

// Families returns the fixed, ordered set of candidate families. Selection
// ties are broken by this order.
func Families() []Family {
	return []Family{
		{
			Name:     RandomForest,
			Defaults: Params{"n_estimators": 50, "max_depth": 12, "min_samples_split": 2},
			Space: []Dimension{
				{Name: "n_estimators", Values: []float64{50, 100, 150}},
				{Name: "max_depth", Values: []float64{5, 10, 15, 0}},
				{Name: "min_samples_split", Values: []float64{2, 5, 10}},
			},
		},
		{
			Name:     GradientBoosting,
			Defaults: Params{"n_estimators": 50, "learning_rate": 0.05, "max_depth": 3, "subsample": 1, "colsample": 1},
			Space: []Dimension{
				{Name: "n_estimators", Values: []float64{50, 100, 150}},
				{Name: "learning_rate", Values: []float64{0.03, 0.05, 0.1}},
				{Name: "max_depth", Values: []float64{2, 3, 4}},
				{Name: "subsample", Values: []float64{0.7, 0.8, 0.9}},
				{Name: "colsample", Values: []float64{0.7, 0.8, 0.9}},
			},
		},
		{
			Name:     RidgeRegression,
			Defaults: Params{"alpha": 1},
			Space: []Dimension{
				{Name: "alpha", Values: []float64{0.1, 1, 10, 100}},
			},
		},
	}
}

// Lookup returns the family with the given name.
func Lookup(name string) (Family, error) {
	for _, f := range Families() {
		if f.Name == name {
			return f, nil
		}
	}
	return Family{}, errors.Errorf("unknown model family '%s'", name)
}

// Model is the serializable envelope around one fitted family.
type Model struct {
	Family   string    `msgpack:"family"`
	Params   Params    `msgpack:"params"`
	Forest   *Forest   `msgpack:"forest,omitempty"`
	Boosting *Boosting `msgpack:"boosting,omitempty"`
	Ridge    *Ridge    `msgpack:"ridge,omitempty"`
}

// New constructs an unfitted model of the named family with params merged
// over the family defaults.
func New(family string, params Params, opts Options) (*Model, error) {
	fam, err := Lookup(family)
	if err != nil {
		return nil, err
	}
	merged := Params{}
	for k, v := range fam.Defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	m := &Model{Family: family, Params: merged}
	switch family {
	case RandomForest:
		m.Forest = newForest(merged, opts)
	case GradientBoosting:
		m.Boosting = newBoosting(merged, opts)
	case RidgeRegression:
		m.Ridge = newRidge(merged, opts)
	}
	return m, nil
}

// Regressor returns the concrete estimator held by the envelope.
func (m *Model) Regressor() Regressor {
	switch {
	case m.Forest != nil:
		return m.Forest
	case m.Boosting != nil:
		return m.Boosting
	case m.Ridge != nil:
		return m.Ridge
	}
	return nil
}

func (m *Model) Fit(X [][]float64, y []float64) error {
	r := m.Regressor()
	if r == nil {
		return errors.Errorf("model '%s' has no estimator", m.Family)
	}
	return r.Fit(X, y)
}

func (m *Model) Predict(X [][]float64) []float64 {
	return m.Regressor().Predict(X)
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func workerLimit(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
