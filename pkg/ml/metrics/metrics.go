// Package metrics computes regression scores on the validation partition.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

func MAE(yTrue, yPred []float64) float64 {
	if len(yTrue) == 0 {
		return math.NaN()
	}
	var s float64
	for i := range yTrue {
		s += math.Abs(yTrue[i] - yPred[i])
	}
	return s / float64(len(yTrue))
}

func RMSE(yTrue, yPred []float64) float64 {
	if len(yTrue) == 0 {
		return math.NaN()
	}
	var s float64
	for i := range yTrue {
		d := yTrue[i] - yPred[i]
		s += d * d
	}
	return math.Sqrt(s / float64(len(yTrue)))
}

// R2 is the coefficient of determination. A constant target scores 1 for a
// perfect fit and 0 otherwise.
func R2(yTrue, yPred []float64) float64 {
	if len(yTrue) == 0 {
		return math.NaN()
	}
	mean := stat.Mean(yTrue, nil)
	var ssRes, ssTot float64
	for i := range yTrue {
		ssRes += (yTrue[i] - yPred[i]) * (yTrue[i] - yPred[i])
		ssTot += (yTrue[i] - mean) * (yTrue[i] - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}

// Scores bundles the three validation metrics.
type Scores struct {
	MAE  float64
	RMSE float64
	R2   float64
}

func Evaluate(yTrue, yPred []float64) Scores {
	return Scores{MAE: MAE(yTrue, yPred), RMSE: RMSE(yTrue, yPred), R2: R2(yTrue, yPred)}
}
