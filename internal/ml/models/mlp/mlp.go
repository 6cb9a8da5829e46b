// Package mlp is the small neural-net base learner: one tanh hidden layer
// trained with plain SGD. Inputs are expected pre-scaled; the target is
// standardized internally and restored at prediction time.
package mlp

import (
	"errors"
	"math"
	"math/rand"
)

type Options struct {
	Hidden       int     `json:"hidden"`
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate"`
	Seed         int64   `json:"seed"`
}

func DefaultOptions() Options {
	return Options{
		Hidden:       16,
		Epochs:       200,
		LearningRate: 0.01,
		Seed:         42,
	}
}

type Regressor struct {
	Opts Options `json:"options"`

	W1 [][]float64 `json:"w1"` // hidden x input
	B1 []float64   `json:"b1"`
	W2 []float64   `json:"w2"` // output x hidden
	B2 float64     `json:"b2"`

	YMean float64 `json:"y_mean"`
	YStd  float64 `json:"y_std"`
}

func New(opts Options) *Regressor {
	if opts.Hidden <= 0 {
		opts.Hidden = DefaultOptions().Hidden
	}
	if opts.Epochs <= 0 {
		opts.Epochs = DefaultOptions().Epochs
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = DefaultOptions().LearningRate
	}
	return &Regressor{Opts: opts}
}

func (m *Regressor) Fit(x [][]float64, y []float64) error {
	if len(x) == 0 || len(x) != len(y) {
		return errors.New("mlp: empty or misaligned training data")
	}
	n := len(x)
	p := len(x[0])
	h := m.Opts.Hidden

	m.YMean, m.YStd = meanStd(y)
	if m.YStd == 0 {
		m.YStd = 1
	}
	yn := make([]float64, n)
	for i := range y {
		yn[i] = (y[i] - m.YMean) / m.YStd
	}

	rng := rand.New(rand.NewSource(m.Opts.Seed))
	scale := 1 / math.Sqrt(float64(p))
	m.W1 = make([][]float64, h)
	m.B1 = make([]float64, h)
	m.W2 = make([]float64, h)
	for k := 0; k < h; k++ {
		m.W1[k] = make([]float64, p)
		for j := 0; j < p; j++ {
			m.W1[k][j] = rng.NormFloat64() * scale
		}
		m.W2[k] = rng.NormFloat64() / math.Sqrt(float64(h))
	}
	m.B2 = 0

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	hidden := make([]float64, h)
	lr := m.Opts.LearningRate
	for epoch := 0; epoch < m.Opts.Epochs; epoch++ {
		rng.Shuffle(n, func(a, b int) { order[a], order[b] = order[b], order[a] })
		for _, i := range order {
			// forward
			for k := 0; k < h; k++ {
				z := m.B1[k]
				for j := 0; j < p; j++ {
					z += m.W1[k][j] * x[i][j]
				}
				hidden[k] = math.Tanh(z)
			}
			out := m.B2
			for k := 0; k < h; k++ {
				out += m.W2[k] * hidden[k]
			}

			// backward, squared error
			dOut := out - yn[i]
			m.B2 -= lr * dOut
			for k := 0; k < h; k++ {
				dHidden := dOut * m.W2[k] * (1 - hidden[k]*hidden[k])
				m.W2[k] -= lr * dOut * hidden[k]
				m.B1[k] -= lr * dHidden
				for j := 0; j < p; j++ {
					m.W1[k][j] -= lr * dHidden * x[i][j]
				}
			}
		}
	}
	return nil
}

func (m *Regressor) Predict(sample []float64) float64 {
	if len(m.W1) == 0 {
		return math.NaN()
	}
	out := m.B2
	for k := range m.W1 {
		z := m.B1[k]
		for j, w := range m.W1[k] {
			if j < len(sample) {
				z += w * sample[j]
			}
		}
		out += m.W2[k] * math.Tanh(z)
	}
	return out*m.YStd + m.YMean
}

func (m *Regressor) PredictBatch(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = m.Predict(x[i])
	}
	return out
}

func meanStd(v []float64) (float64, float64) {
	if len(v) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	variance := 0.0
	for _, x := range v {
		d := x - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(v)))
}
