package tree

import (
	"testing"
)

func TestGrowSplitsOnInformativeFeature(t *testing.T) {
	// feature 0 is noise, feature 1 separates the target perfectly
	x := [][]float64{
		{5, 1}, {3, 1}, {9, 1}, {1, 1},
		{2, 10}, {8, 10}, {4, 10}, {6, 10},
	}
	y := []float64{10, 10, 10, 10, 200, 200, 200, 200}

	root := Grow(x, y, Options{MaxDepth: 3, MinSamplesLeaf: 1}, nil)
	if root.IsLeaf {
		t.Fatal("expected a split at the root")
	}
	if root.Feature != 1 {
		t.Fatalf("expected split on feature 1, got %d", root.Feature)
	}
	if got := root.Predict([]float64{0, 1}); got != 10 {
		t.Fatalf("left side: expected 10, got %v", got)
	}
	if got := root.Predict([]float64{0, 10}); got != 200 {
		t.Fatalf("right side: expected 200, got %v", got)
	}
}

func TestGrowConstantTargetIsSingleLeaf(t *testing.T) {
	x := [][]float64{{1}, {2}, {3}, {4}}
	y := []float64{7, 7, 7, 7}
	root := Grow(x, y, DefaultOptions(), nil)
	if !root.IsLeaf {
		t.Fatal("constant target should yield a single leaf")
	}
	if root.Value != 7 {
		t.Fatalf("expected leaf value 7, got %v", root.Value)
	}
	if root.Size() != 1 {
		t.Fatalf("expected size 1, got %d", root.Size())
	}
}

func TestGrowRespectsMaxDepth(t *testing.T) {
	n := 64
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = []float64{float64(i)}
		y[i] = float64(i * i)
	}
	root := Grow(x, y, Options{MaxDepth: 2, MinSamplesLeaf: 1}, nil)
	if depth(root) > 2 {
		t.Fatalf("tree exceeded max depth: %d", depth(root))
	}
}

func depth(n *Node) int {
	if n == nil || n.IsLeaf {
		return 0
	}
	l, r := depth(n.Left), depth(n.Right)
	if l > r {
		return l + 1
	}
	return r + 1
}
