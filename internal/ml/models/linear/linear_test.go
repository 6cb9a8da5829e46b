package linear

import (
	"math"
	"math/rand"
	"testing"
)

func TestRidgeRecoversLinearCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	n := 200
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		a := rng.Float64() * 10
		b := rng.Float64() * 10
		x[i] = []float64{a, b}
		y[i] = 5 + 3*a - 2*b
	}

	m := New(Options{Lambda: 1e-6})
	if err := m.Fit(x, y); err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if math.Abs(m.Weights[0]-3) > 0.01 || math.Abs(m.Weights[1]+2) > 0.01 {
		t.Fatalf("weights off: %v", m.Weights)
	}
	if math.Abs(m.Intercept-5) > 0.05 {
		t.Fatalf("intercept off: %v", m.Intercept)
	}
}

func TestNonNegativeSolverNeverGoesBelowZero(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	n := 300
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		a := rng.Float64() * 10
		b := rng.Float64() * 10
		x[i] = []float64{a, b}
		// b is anti-correlated with the target; unconstrained ridge would
		// assign it a negative weight
		y[i] = 4*a - 3*b + rng.NormFloat64()*0.1
	}

	m := New(Options{Lambda: 1.0, NonNegative: true})
	if err := m.Fit(x, y); err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	for j, w := range m.Weights {
		if w < 0 {
			t.Fatalf("weight %d is negative: %v", j, w)
		}
	}
	if m.Intercept < 0 {
		t.Fatalf("intercept is negative: %v", m.Intercept)
	}
}

func TestNonNegativeConcentratesOnPerfectPredictor(t *testing.T) {
	n := 100
	x := make([][]float64, n)
	y := make([]float64, n)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < n; i++ {
		target := 100 + rng.Float64()*900
		y[i] = target
		// column 0 is the target itself, column 1 is noise
		x[i] = []float64{target, rng.Float64() * 1000}
	}

	m := New(Options{Lambda: 1e-6, NonNegative: true})
	if err := m.Fit(x, y); err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if m.Weights[0] < 0.9 {
		t.Fatalf("expected weight ~1 on the perfect column, got %v", m.Weights[0])
	}
	if m.Weights[1] > 0.05 {
		t.Fatalf("expected near-zero weight on noise, got %v", m.Weights[1])
	}
}
