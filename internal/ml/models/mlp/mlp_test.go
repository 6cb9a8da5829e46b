package mlp

import (
	"math"
	"math/rand"
	"testing"
)

func TestFitLearnsSmoothFunction(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	n := 200
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		v := rng.Float64()*4 - 2
		x[i] = []float64{v}
		y[i] = 3*v + 1
	}

	m := New(Options{Hidden: 8, Epochs: 300, LearningRate: 0.01, Seed: 1})
	if err := m.Fit(x, y); err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	sse := 0.0
	for i := range x {
		d := m.Predict(x[i]) - y[i]
		sse += d * d
	}
	rmse := math.Sqrt(sse / float64(n))
	if rmse > 0.5 {
		t.Fatalf("expected rmse < 0.5 on a linear signal, got %v", rmse)
	}
}

func TestFitIsDeterministicForFixedSeed(t *testing.T) {
	x := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}}
	y := []float64{1, 3, 5, 7, 9, 11}

	a := New(Options{Hidden: 4, Epochs: 50, LearningRate: 0.05, Seed: 9})
	b := New(Options{Hidden: 4, Epochs: 50, LearningRate: 0.05, Seed: 9})
	if err := a.Fit(x, y); err != nil {
		t.Fatalf("fit a: %v", err)
	}
	if err := b.Fit(x, y); err != nil {
		t.Fatalf("fit b: %v", err)
	}
	for i := range x {
		if a.Predict(x[i]) != b.Predict(x[i]) {
			t.Fatalf("same seed diverged at row %d", i)
		}
	}
}

func TestPredictBeforeFitIsNaN(t *testing.T) {
	m := New(DefaultOptions())
	if !math.IsNaN(m.Predict([]float64{1})) {
		t.Fatal("unfitted model should predict NaN")
	}
}
