// Package forest is the bagged random-forest regressor: bootstrap-sampled
// CARTs with per-split feature subsampling, averaged at prediction time.
// It doubles as the deterministic substitute for any optional learner that
// fails to construct.
package forest

import (
	"errors"
	"math"
	"math/rand"

	"pricelens/internal/ml/models/tree"
)

type Options struct {
	NumTrees       int   `json:"num_trees"`
	MaxDepth       int   `json:"max_depth"`
	MinSamplesLeaf int   `json:"min_samples_leaf"`
	Seed           int64 `json:"seed"`
}

func DefaultOptions() Options {
	return Options{
		NumTrees:       100,
		MaxDepth:       8,
		MinSamplesLeaf: 2,
		Seed:           42,
	}
}

type Regressor struct {
	Opts  Options      `json:"options"`
	Trees []*tree.Node `json:"trees"`
}

func New(opts Options) *Regressor {
	if opts.NumTrees <= 0 {
		opts.NumTrees = DefaultOptions().NumTrees
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
		return errors.New("forest: empty or misaligned training data")
	}

	rng := rand.New(rand.NewSource(m.Opts.Seed))
	numFeatures := len(x[0])
	maxFeatures := int(math.Sqrt(float64(numFeatures)))
	if maxFeatures < 1 {
		maxFeatures = 1
	}
	treeOpts := tree.Options{
		MaxDepth:       m.Opts.MaxDepth,
		MinSamplesLeaf: m.Opts.MinSamplesLeaf,
		MaxFeatures:    maxFeatures,
	}

	m.Trees = m.Trees[:0]
	n := len(x)
	bx := make([][]float64, n)
	by := make([]float64, n)
	for t := 0; t < m.Opts.NumTrees; t++ {
		for i := 0; i < n; i++ {
			j := rng.Intn(n)
			bx[i] = x[j]
			by[i] = y[j]
		}
		m.Trees = append(m.Trees, tree.Grow(bx, by, treeOpts, rng))
	}
	return nil
}

func (m *Regressor) Predict(sample []float64) float64 {
	if len(m.Trees) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, t := range m.Trees {
		sum += t.Predict(sample)
	}
	return sum / float64(len(m.Trees))
}

func (m *Regressor) PredictBatch(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = m.Predict(x[i])
	}
	return out
}
