// Package pipeline couples a fitted preprocessor with a fitted estimator so
// that the pair can be trained, persisted and served as one unit.
package pipeline

import (
	"bytes"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/estimator"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/frame"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/preprocess"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type Pipeline struct {
	Pre   *preprocess.Preprocessor `msgpack:"pre"`
	Model *estimator.Model         `msgpack:"model"`
}

// New returns an unfitted pipeline for the named family.
func New(family string, params estimator.Params, opts estimator.Options) (*Pipeline, error) {
	m, err := estimator.New(family, params, opts)
	if err != nil {
		return nil, err
	}
	return &Pipeline{Model: m}, nil
}

// Family is the name of the wrapped model family.
func (p *Pipeline) Family() string {
	return p.Model.Family
}

// Fit learns the preprocessor on X and trains the estimator on its output.
// X must not contain the target column.
func (p *Pipeline) Fit(X *frame.Frame, y []float64) error {
	pre, err := preprocess.Fit(X)
	if err != nil {
		return errors.Wrap(err, "fit preprocessor")
	}
	if err := p.Model.Fit(pre.Transform(X), y); err != nil {
		return errors.Wrapf(err, "fit %s", p.Model.Family)
	}
	p.Pre = pre
	return nil
}

func (p *Pipeline) Predict(X *frame.Frame) ([]float64, error) {
	if p.Pre == nil || p.Model == nil || p.Model.Regressor() == nil {
		return nil, errors.New("pipeline is not fitted")
	}
	return p.Model.Predict(p.Pre.Transform(X)), nil
}

// Marshal encodes the pipeline with sorted map keys so identical pipelines
// produce identical bytes.
func (p *Pipeline) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(p); err != nil {
		return nil, errors.Wrap(err, "encode pipeline")
	}
	return buf.Bytes(), nil
}

func Unmarshal(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "decode pipeline")
	}
	if p.Pre == nil || p.Model == nil || p.Model.Regressor() == nil {
		return nil, errors.New("decoded pipeline is incomplete")
	}
	return &p, nil
}
