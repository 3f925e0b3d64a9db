package estimator

import (
	"math/rand/v2"
	"sort"
)

// Node is a flattened regression tree node. Leaves have Feature == -1.
type Node struct {
	Feature   int     `msgpack:"f"`
	Threshold float64 `msgpack:"t"`
	Left      int     `msgpack:"l"`
	Right     int     `msgpack:"r"`
	Value     float64 `msgpack:"v"`
	Samples   int     `msgpack:"n"`
}

// Tree is a CART regression tree minimizing squared error.
type Tree struct {
	Nodes       []Node    `msgpack:"nodes"`
	Importances []float64 `msgpack:"importances"`
}

type treeParams struct {
	maxDepth        int     // 0 means unlimited
	minSamplesSplit int
	maxFeatures     float64 // fraction of features considered per split
}

type treeBuilder struct {
	X      [][]float64
	y      []float64
	params treeParams
	rng    *rand.Rand
	tree   *Tree
	gain   []float64
}

func fitTree(X [][]float64, y []float64, rows []int, params treeParams, rng *rand.Rand) *Tree {
	width := 0
	if len(X) > 0 {
		width = len(X[0])
	}
	if params.minSamplesSplit < 2 {
		params.minSamplesSplit = 2
	}
	b := &treeBuilder{X: X, y: y, params: params, rng: rng, tree: &Tree{}, gain: make([]float64, width)}
	b.grow(rows, 0)

	var total float64
	for _, g := range b.gain {
		total += g
	}
	b.tree.Importances = b.gain
	if total > 0 {
		for i := range b.tree.Importances {
			b.tree.Importances[i] /= total
		}
	}
	return b.tree
}

func (b *treeBuilder) grow(rows []int, depth int) int {
	var sum, sumSq float64
	for _, r := range rows {
		sum += b.y[r]
		sumSq += b.y[r] * b.y[r]
	}
	n := float64(len(rows))
	idx := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, Node{Feature: -1, Value: sum / n, Samples: len(rows)})

	if len(rows) < b.params.minSamplesSplit || (b.params.maxDepth > 0 && depth >= b.params.maxDepth) {
		return idx
	}
	parentSSE := sumSq - sum*sum/n
	if parentSSE <= 1e-12 {
		return idx
	}

	feature, threshold, bestSSE := b.bestSplit(rows, sum, sumSq)
	if feature < 0 {
		return idx
	}
	b.gain[feature] += parentSSE - bestSSE

	var left, right []int
	for _, r := range rows {
		if b.X[r][feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.tree.Nodes[idx].Feature = feature
	b.tree.Nodes[idx].Threshold = threshold
	b.tree.Nodes[idx].Left = l
	b.tree.Nodes[idx].Right = r
	return idx
}

func (b *treeBuilder) candidates() []int {
	width := len(b.gain)
	k := width
	if b.params.maxFeatures > 0 && b.params.maxFeatures < 1 {
		k = int(b.params.maxFeatures * float64(width))
		if k < 1 {
			k = 1
		}
	}
	if k == width {
		all := make([]int, width)
		for i := range all {
			all[i] = i
		}
		return all
	}
	return b.rng.Perm(width)[:k]
}

func (b *treeBuilder) bestSplit(rows []int, sum, sumSq float64) (int, float64, float64) {
	bestFeature, bestThreshold := -1, 0.0
	bestSSE := sumSq - sum*sum/float64(len(rows))
	sorted := make([]int, len(rows))
	for _, f := range b.candidates() {
		copy(sorted, rows)
		sort.Slice(sorted, func(i, j int) bool { return b.X[sorted[i]][f] < b.X[sorted[j]][f] })

		var lSum, lSq float64
		for i := 0; i < len(sorted)-1; i++ {
			v := b.y[sorted[i]]
			lSum += v
			lSq += v * v
			cur, next := b.X[sorted[i]][f], b.X[sorted[i+1]][f]
			if cur == next {
				continue
			}
			ln := float64(i + 1)
			rn := float64(len(sorted)) - ln
			rSum, rSq := sum-lSum, sumSq-lSq
			sse := (lSq - lSum*lSum/ln) + (rSq - rSum*rSum/rn)
			if sse < bestSSE-1e-12 {
				bestSSE = sse
				bestFeature = f
				bestThreshold = (cur + next) / 2
			}
		}
	}
	return bestFeature, bestThreshold, bestSSE
}

func (t *Tree) leaf(x []float64) int {
	i := 0
	for t.Nodes[i].Feature >= 0 {
		n := t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return i
}

func (t *Tree) predict(x []float64) float64 {
	return t.Nodes[t.leaf(x)].Value
}

// attribute adds each split's change in node value to the feature it split
// on, so that root value plus contributions equals the prediction.
func (t *Tree) attribute(x []float64, contrib []float64, weight float64) float64 {
	i := 0
	for t.Nodes[i].Feature >= 0 {
		n := t.Nodes[i]
		next := n.Right
		if x[n.Feature] <= n.Threshold {
			next = n.Left
		}
		contrib[n.Feature] += weight * (t.Nodes[next].Value - n.Value)
		i = next
	}
	return weight * t.Nodes[0].Value
}
