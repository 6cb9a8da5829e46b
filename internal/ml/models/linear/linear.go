// Package linear holds the ridge regressor and its non-negative variant.
// The plain ridge is a base learner; the non-negative one is the stacking
// meta-learner, where a coefficient below zero would mean "subtract" a base
// learner's prediction.
package linear

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

type Options struct {
	Lambda float64 `json:"lambda"`
	// NonNegative switches the solver from the closed-form normal
	// equations to clamped coordinate descent.
	NonNegative bool `json:"non_negative"`
}

func DefaultOptions() Options {
	return Options{Lambda: 1.0}
}

type Regressor struct {
	Opts      Options   `json:"options"`
	Intercept float64   `json:"intercept"`
	Weights   []float64 `json:"weights"`
}

func New(opts Options) *Regressor {
	if opts.Lambda < 0 {
		opts.Lambda = DefaultOptions().Lambda
	}
	return &Regressor{Opts: opts}
}

func (m *Regressor) Fit(x [][]float64, y []float64) error {
	if len(x) == 0 || len(x) != len(y) {
		return errors.New("linear: empty or misaligned training data")
	}
	n := len(x)
	p := len(x[0])

	// center so the intercept stays out of the penalty
	xMeans := make([]float64, p)
	for j := 0; j < p; j++ {
		for i := 0; i < n; i++ {
			xMeans[j] += x[i][j]
		}
		xMeans[j] /= float64(n)
	}
	yMean := 0.0
	for i := 0; i < n; i++ {
		yMean += y[i]
	}
	yMean /= float64(n)

	xc := make([][]float64, n)
	yc := make([]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, p)
		for j := 0; j < p; j++ {
			row[j] = x[i][j] - xMeans[j]
		}
		xc[i] = row
		yc[i] = y[i] - yMean
	}

	var w []float64
	var err error
	if m.Opts.NonNegative {
		// non-negativity constrains the raw (uncentered) design; centering
		// would break the sign semantics of the coefficients
		w, err = solveNNLS(x, y, m.Opts.Lambda)
		if err != nil {
			return err
		}
		m.Weights = w
		m.Intercept = interceptFor(x, y, w)
		return nil
	}

	w, err = solveRidge(xc, yc, m.Opts.Lambda)
	if err != nil {
		return err
	}
	m.Weights = w
	m.Intercept = yMean
	for j := 0; j < p; j++ {
		m.Intercept -= w[j] * xMeans[j]
	}
	return nil
}

func (m *Regressor) Predict(sample []float64) float64 {
	out := m.Intercept
	for j, w := range m.Weights {
		if j < len(sample) {
			out += w * sample[j]
		}
	}
	return out
}

func (m *Regressor) PredictBatch(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = m.Predict(x[i])
	}
	return out
}

// solveRidge solves (X'X + λI) w = X'y via Cholesky.
func solveRidge(x [][]float64, y []float64, lambda float64) ([]float64, error) {
	n := len(x)
	p := len(x[0])

	xtx := mat.NewSymDense(p, nil)
	for j := 0; j < p; j++ {
		for k := j; k < p; k++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += x[i][j] * x[i][k]
			}
			if j == k {
				sum += lambda
			}
			xtx.SetSym(j, k, sum)
		}
	}
	xty := mat.NewVecDense(p, nil)
	for j := 0; j < p; j++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += x[i][j] * y[i]
		}
		xty.SetVec(j, sum)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(xtx); !ok {
		// ill-conditioned normal equations; retry with a heavier diagonal
		for j := 0; j < p; j++ {
			xtx.SetSym(j, j, xtx.At(j, j)+1e-6+lambda)
		}
		if ok := chol.Factorize(xtx); !ok {
			return nil, errors.New("linear: normal equations not positive definite")
		}
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, xty); err != nil {
		return nil, err
	}
	out := make([]float64, p)
	for j := 0; j < p; j++ {
		out[j] = w.AtVec(j)
	}
	return out, nil
}

// solveNNLS runs cyclic coordinate descent on the ridge objective with
// weights clamped at zero. Converges because each coordinate update is the
// exact one-dimensional minimizer.
func solveNNLS(x [][]float64, y []float64, lambda float64) ([]float64, error) {
	n := len(x)
	p := len(x[0])
	w := make([]float64, p)

	colSq := make([]float64, p)
	for j := 0; j < p; j++ {
		for i := 0; i < n; i++ {
			colSq[j] += x[i][j] * x[i][j]
		}
	}

	pred := make([]float64, n)
	const maxIter = 500
	const tol = 1e-10
	for iter := 0; iter < maxIter; iter++ {
		maxDelta := 0.0
		for j := 0; j < p; j++ {
			if colSq[j] == 0 {
				continue
			}
			num := 0.0
			for i := 0; i < n; i++ {
				num += x[i][j] * (y[i] - pred[i] + x[i][j]*w[j])
			}
			next := num / (colSq[j] + lambda)
			if next < 0 {
				next = 0
			}
			delta := next - w[j]
			if delta != 0 {
				for i := 0; i < n; i++ {
					pred[i] += delta * x[i][j]
				}
				w[j] = next
			}
			if d := math.Abs(delta); d > maxDelta {
				maxDelta = d
			}
		}
		if maxDelta < tol {
			break
		}
	}
	return w, nil
}

func interceptFor(x [][]float64, y []float64, w []float64) float64 {
	n := len(x)
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		pred := 0.0
		for j := range w {
			pred += w[j] * x[i][j]
		}
		sum += y[i] - pred
	}
	intercept := sum / float64(n)
	if intercept < 0 {
		// a negative offset would undercut the non-negative credit
		// interpretation; the meta-learner keeps it at zero
		return 0
	}
	return intercept
}
