// Package tree implements the regression CART shared by the boosted, bagged
// and distilled models. Splits minimize within-node squared error; leaves
// predict the node mean.
package tree

import (
	"math"
	"math/rand"
	"sort"
)

type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      *Node   `json:"left,omitempty"`
	Right     *Node   `json:"right,omitempty"`
	Value     float64 `json:"value"`
	IsLeaf    bool    `json:"is_leaf"`
}

type Options struct {
	MaxDepth       int
	MinSamplesLeaf int
	// MaxFeatures limits the features examined per split; 0 means all.
	// Used by the random forest for decorrelation.
	MaxFeatures int
}

func DefaultOptions() Options {
	return Options{MaxDepth: 6, MinSamplesLeaf: 2}
}

// Grow builds a tree on (x, y). rng is only consulted when MaxFeatures
// restricts the split search; pass nil otherwise.
func Grow(x [][]float64, y []float64, opts Options, rng *rand.Rand) *Node {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultOptions().MaxDepth
	}
	if opts.MinSamplesLeaf <= 0 {
		opts.MinSamplesLeaf = DefaultOptions().MinSamplesLeaf
	}
	idx := make([]int, len(y))
	for i := range idx {
		idx[i] = i
	}
	return grow(x, y, idx, opts, rng, 0)
}

func grow(x [][]float64, y []float64, idx []int, opts Options, rng *rand.Rand, depth int) *Node {
	if depth >= opts.MaxDepth || len(idx) < 2*opts.MinSamplesLeaf || homogeneous(y, idx) {
		return &Node{IsLeaf: true, Value: meanAt(y, idx)}
	}

	feature, threshold, gain := bestSplit(x, y, idx, opts, rng)
	if gain <= 0 {
		return &Node{IsLeaf: true, Value: meanAt(y, idx)}
	}

	var left, right []int
	for _, i := range idx {
		if x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < opts.MinSamplesLeaf || len(right) < opts.MinSamplesLeaf {
		return &Node{IsLeaf: true, Value: meanAt(y, idx)}
	}

	return &Node{
		Feature:   feature,
		Threshold: threshold,
		Left:      grow(x, y, left, opts, rng, depth+1),
		Right:     grow(x, y, right, opts, rng, depth+1),
	}
}

// bestSplit scans sorted feature columns with running sums, so each candidate
// threshold costs O(1) after the sort.
func bestSplit(x [][]float64, y []float64, idx []int, opts Options, rng *rand.Rand) (int, float64, float64) {
	numFeatures := len(x[idx[0]])
	features := make([]int, numFeatures)
	for i := range features {
		features[i] = i
	}
	if opts.MaxFeatures > 0 && opts.MaxFeatures < numFeatures && rng != nil {
		rng.Shuffle(numFeatures, func(a, b int) { features[a], features[b] = features[b], features[a] })
		features = features[:opts.MaxFeatures]
	}

	total := 0.0
	totalSq := 0.0
	for _, i := range idx {
		total += y[i]
		totalSq += y[i] * y[i]
	}
	n := float64(len(idx))
	parentSSE := totalSq - total*total/n

	bestFeature := -1
	bestThreshold := 0.0
	bestGain := 0.0

	order := make([]int, len(idx))
	for _, f := range features {
		copy(order, idx)
		sort.Slice(order, func(a, b int) bool { return x[order[a]][f] < x[order[b]][f] })

		leftSum := 0.0
		leftSq := 0.0
		for k := 0; k < len(order)-1; k++ {
			i := order[k]
			leftSum += y[i]
			leftSq += y[i] * y[i]

			// no valid threshold between equal values
			if x[order[k]][f] == x[order[k+1]][f] {
				continue
			}
			nl := float64(k + 1)
			nr := n - nl
			if int(nl) < opts.MinSamplesLeaf || int(nr) < opts.MinSamplesLeaf {
				continue
			}
			rightSum := total - leftSum
			rightSq := totalSq - leftSq
			sse := (leftSq - leftSum*leftSum/nl) + (rightSq - rightSum*rightSum/nr)
			gain := parentSSE - sse
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (x[order[k]][f] + x[order[k+1]][f]) / 2
			}
		}
	}
	if bestFeature < 0 {
		return 0, 0, 0
	}
	return bestFeature, bestThreshold, bestGain
}

func (n *Node) Predict(sample []float64) float64 {
	node := n
	for node != nil && !node.IsLeaf {
		if sample[node.Feature] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	if node == nil {
		return math.NaN()
	}
	return node.Value
}

// Size counts nodes, used by the distillation benchmark.
func (n *Node) Size() int {
	if n == nil {
		return 0
	}
	return 1 + n.Left.Size() + n.Right.Size()
}

func homogeneous(y []float64, idx []int) bool {
	for k := 1; k < len(idx); k++ {
		if y[idx[k]] != y[idx[0]] {
			return false
		}
	}
	return true
}

func meanAt(y []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	sum := 0.0
	for _, i := range idx {
		sum += y[i]
	}
	return sum / float64(len(idx))
}
