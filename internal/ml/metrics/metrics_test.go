package metrics

import (
	"math"
	"testing"
)

func TestRMSEAndMAE(t *testing.T) {
	y := []float64{1, 2, 3, 4}
	pred := []float64{1, 2, 3, 8}

	if got := MAE(y, pred); got != 1 {
		t.Fatalf("mae: expected 1, got %v", got)
	}
	if got := RMSE(y, pred); got != 2 {
		t.Fatalf("rmse: expected 2, got %v", got)
	}
}

func TestR2PerfectAndMeanPredictor(t *testing.T) {
	y := []float64{10, 20, 30, 40}
	if got := R2(y, y); math.Abs(got-1) > 1e-12 {
		t.Fatalf("perfect predictions should give r2=1, got %v", got)
	}
	mean := []float64{25, 25, 25, 25}
	if got := R2(y, mean); math.Abs(got) > 1e-12 {
		t.Fatalf("mean predictor should give r2=0, got %v", got)
	}
}

func TestR2ConstantTargetIsNaN(t *testing.T) {
	y := []float64{5, 5, 5}
	if got := R2(y, []float64{5, 5, 5}); !math.IsNaN(got) {
		t.Fatalf("constant target r2 should be NaN, got %v", got)
	}
}

func TestImprovementPct(t *testing.T) {
	if got := ImprovementPct(100, 90); math.Abs(got-10) > 1e-12 {
		t.Fatalf("expected 10%% improvement, got %v", got)
	}
	if got := ImprovementPct(100, 110); math.Abs(got+10) > 1e-12 {
		t.Fatalf("expected -10%% improvement, got %v", got)
	}
}

func TestEvaluateKeys(t *testing.T) {
	m := Evaluate([]float64{1, 2, 3}, []float64{1, 2, 3})
	for _, key := range []string{"rmse", "mae", "r2"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("missing metric %s", key)
		}
	}
}
