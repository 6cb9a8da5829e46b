// Package gbt is the gradient-boosted regression tree learner: squared-error
// boosting with shrinkage over shallow CARTs. It is the mandatory default of
// the learner registry, always available regardless of environment.
package gbt

import (
	"errors"

	"pricelens/internal/ml/models/tree"
)

type Options struct {
	Rounds         int     `json:"rounds"`
	LearningRate   float64 `json:"learning_rate"`
	MaxDepth       int     `json:"max_depth"`
	MinSamplesLeaf int     `json:"min_samples_leaf"`
}

func DefaultOptions() Options {
	return Options{
		Rounds:         150,
		LearningRate:   0.1,
		MaxDepth:       3,
		MinSamplesLeaf: 2,
	}
}

type Regressor struct {
	Opts  Options      `json:"options"`
	Base  float64      `json:"base"`
	Trees []*tree.Node `json:"trees"`
}

func New(opts Options) *Regressor {
	if opts.Rounds <= 0 {
		opts.Rounds = DefaultOptions().Rounds
	}
	if opts.LearningRate <= 0 || opts.LearningRate > 1 {
		opts.LearningRate = DefaultOptions().LearningRate
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultOptions().MaxDepth
	}
	if opts.MinSamplesLeaf <= 0 {
		opts.MinSamplesLeaf = DefaultOptions().MinSamplesLeaf
	}
	return &Regressor{Opts: opts}
}

func (m *Regressor) Fit(x [][]float64, y []float64) error {
	if len(x) == 0 || len(x) != len(y) {
		return errors.New("gbt: empty or misaligned training data")
	}

	m.Base = mean(y)
	m.Trees = m.Trees[:0]

	current := make([]float64, len(y))
	for i := range current {
		current[i] = m.Base
	}

	residuals := make([]float64, len(y))
	treeOpts := tree.Options{MaxDepth: m.Opts.MaxDepth, MinSamplesLeaf: m.Opts.MinSamplesLeaf}
	for round := 0; round < m.Opts.Rounds; round++ {
		for i := range y {
			residuals[i] = y[i] - current[i]
		}
		t := tree.Grow(x, residuals, treeOpts, nil)
		m.Trees = append(m.Trees, t)
		for i := range current {
			current[i] += m.Opts.LearningRate * t.Predict(x[i])
		}
	}
	return nil
}

func (m *Regressor) Predict(sample []float64) float64 {
	out := m.Base
	for _, t := range m.Trees {
		out += m.Opts.LearningRate * t.Predict(sample)
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

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
