// Package preprocess implements the column transform fitted ahead of every
// estimator: numeric columns are median-imputed and standardized, categorical
// columns are most-frequent-imputed and one-hot encoded.
package preprocess

import (
	"math"
	"sort"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/frame"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// NumericFeature is the fitted state of one numeric input column.
type NumericFeature struct {
	Name   string  `msgpack:"name"`
	Median float64 `msgpack:"median"`
	Mean   float64 `msgpack:"mean"`
	Scale  float64 `msgpack:"scale"`
}

// CategoricalFeature is the fitted state of one categorical input column.
// Levels are sorted; a value outside Levels encodes to all zeros.
type CategoricalFeature struct {
	Name         string   `msgpack:"name"`
	MostFrequent string   `msgpack:"most_frequent"`
	Levels       []string `msgpack:"levels"`
}

type Preprocessor struct {
	Numeric     []NumericFeature     `msgpack:"numeric"`
	Categorical []CategoricalFeature `msgpack:"categorical"`
}

// Fit learns imputation and encoding state from every column of f.
func Fit(f *frame.Frame) (*Preprocessor, error) {
	if f.Len() == 0 {
		return nil, errors.New("cannot fit preprocessor on an empty frame")
	}
	p := &Preprocessor{}
	for _, c := range f.Columns() {
		if c.Kind == frame.Numeric {
			p.Numeric = append(p.Numeric, fitNumeric(c))
		}
	}
	for _, c := range f.Columns() {
		if c.Kind == frame.Categorical {
			p.Categorical = append(p.Categorical, fitCategorical(c))
		}
	}
	if p.Width() == 0 {
		return nil, errors.New("no feature columns to fit")
	}
	return p, nil
}

func fitNumeric(c *frame.Column) NumericFeature {
	present := make([]float64, 0, c.Len())
	for _, v := range c.Num {
		if !math.IsNaN(v) {
			present = append(present, v)
		}
	}
	nf := NumericFeature{Name: c.Name, Scale: 1}
	if len(present) == 0 {
		return nf
	}
	sort.Float64s(present)
	nf.Median = median(present)

	// Statistics are computed after imputation so they describe the
	// values the estimator will actually see.
	imputed := make([]float64, len(c.Num))
	for i, v := range c.Num {
		if math.IsNaN(v) {
			v = nf.Median
		}
		imputed[i] = v
	}
	mean, std := stat.PopMeanStdDev(imputed, nil)
	nf.Mean = mean
	if std > 0 && !math.IsNaN(std) {
		nf.Scale = std
	}
	return nf
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func fitCategorical(c *frame.Column) CategoricalFeature {
	counts := make(map[string]int)
	for i := range c.Cat {
		if !c.Null[i] {
			counts[c.Cat[i]]++
		}
	}
	levels := make([]string, 0, len(counts)+1)
	for l := range counts {
		levels = append(levels, l)
	}
	sort.Strings(levels)

	cf := CategoricalFeature{Name: c.Name}
	best := -1
	for _, l := range levels {
		if counts[l] > best {
			best, cf.MostFrequent = counts[l], l
		}
	}
	if len(levels) == 0 {
		// An all-missing column imputes to a single constant level.
		cf.MostFrequent = "missing"
		levels = append(levels, cf.MostFrequent)
	}
	cf.Levels = levels
	return cf
}

// Width is the number of output features.
func (p *Preprocessor) Width() int {
	w := len(p.Numeric)
	for _, c := range p.Categorical {
		w += len(c.Levels)
	}
	return w
}

// FeatureNames mirrors the output layout: "num__<col>" then "cat__<col>_<level>".
func (p *Preprocessor) FeatureNames() []string {
	names := make([]string, 0, p.Width())
	for _, n := range p.Numeric {
		names = append(names, "num__"+n.Name)
	}
	for _, c := range p.Categorical {
		for _, l := range c.Levels {
			names = append(names, "cat__"+c.Name+"_"+l)
		}
	}
	return names
}

// Transform encodes f into a dense row-major matrix. Fitted columns absent
// from f are treated as entirely missing; extra columns in f are ignored.
// Unseen categorical levels encode to all zeros.
func (p *Preprocessor) Transform(f *frame.Frame) [][]float64 {
	n := f.Len()
	width := p.Width()
	out := make([][]float64, n)
	backing := make([]float64, n*width)
	for i := range out {
		out[i] = backing[i*width : (i+1)*width]
	}

	for j, nf := range p.Numeric {
		c, ok := f.Column(nf.Name)
		for i := 0; i < n; i++ {
			v := math.NaN()
			if ok {
				v, _ = c.FloatAt(i)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = nf.Median
			}
			out[i][j] = (v - nf.Mean) / nf.Scale
		}
	}

	offset := len(p.Numeric)
	for _, cf := range p.Categorical {
		c, ok := f.Column(cf.Name)
		pos := make(map[string]int, len(cf.Levels))
		for k, l := range cf.Levels {
			pos[l] = k
		}
		for i := 0; i < n; i++ {
			v, present := "", false
			if ok {
				v, present = c.StringAt(i)
			}
			if !present {
				v = cf.MostFrequent
			}
			if k, known := pos[v]; known {
				out[i][offset+k] = 1
			}
		}
		offset += len(cf.Levels)
	}
	return out
}
