// Package metrics holds the regression metrics shared by the training,
// ensembling, segmentation and distillation stages.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

func RMSE(yTrue, yPred []float64) float64 {
	n := len(yTrue)
	if n == 0 || len(yPred) != n {
		return math.NaN()
	}
	sum := 0.0
	for i := range yTrue {
		d := yTrue[i] - yPred[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(n))
}

func MAE(yTrue, yPred []float64) float64 {
	n := len(yTrue)
	if n == 0 || len(yPred) != n {
		return math.NaN()
	}
	sum := 0.0
	for i := range yTrue {
		sum += math.Abs(yTrue[i] - yPred[i])
	}
	return sum / float64(n)
}

// R2 is 1 - SS_res/SS_tot; a constant target yields NaN rather than a
// misleading score.
func R2(yTrue, yPred []float64) float64 {
	n := len(yTrue)
	if n == 0 || len(yPred) != n {
		return math.NaN()
	}
	mean := stat.Mean(yTrue, nil)
	ssRes := 0.0
	ssTot := 0.0
	for i := range yTrue {
		d := yTrue[i] - yPred[i]
		ssRes += d * d
		t := yTrue[i] - mean
		ssTot += t * t
	}
	if ssTot == 0 {
		return math.NaN()
	}
	return 1 - ssRes/ssTot
}

// Evaluate bundles the three regression metrics the way every stage reports
// them.
func Evaluate(yTrue, yPred []float64) map[string]float64 {
	return map[string]float64{
		"rmse": RMSE(yTrue, yPred),
		"mae":  MAE(yTrue, yPred),
		"r2":   R2(yTrue, yPred),
	}
}

// ImprovementPct is (reference - candidate) / reference * 100; positive means
// the candidate improved on the reference RMSE.
func ImprovementPct(referenceRMSE, candidateRMSE float64) float64 {
	if referenceRMSE == 0 || math.IsNaN(referenceRMSE) || math.IsNaN(candidateRMSE) {
		return 0
	}
	return (referenceRMSE - candidateRMSE) / referenceRMSE * 100
}
