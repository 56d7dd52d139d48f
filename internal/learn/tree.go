package learn

import (
	"fmt"
	"math"
	"sort"
)

// #region tree-types
// TreeConfig holds the growing criteria of a DecisionTree.
type TreeConfig struct {
	// MinExamples is the minimum number of instances in a leaf.
	MinExamples int
	// MinPosProb and MinNegProb stop growing once a node is that pure.
	MinPosProb float64
	MinNegProb float64
	MaxDepth   int
}

// BalancedTreeConfig derives the criteria from the class balance of the
// training set.
func BalancedTreeConfig(n, pos int) TreeConfig {
	neg := n - pos
	return TreeConfig{
		MinExamples: min(50, n/32),
		MinPosProb:  math.Min(float64(pos)/float64(n)/2, .05),
		MinNegProb:  math.Min(float64(neg)/float64(n)/2, .05),
		MaxDepth:    16,
	}
}

// Node is a binary split (x[Ftr] <= Threshold goes Left) or a leaf.
type Node struct {
	Ftr       int
	Threshold float64
	Left      *Node
	Right     *Node
	Pos       int
	Neg       int
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return n.Left == nil }

// PosProb is the fraction of positive instances in the node.
func (n *Node) PosProb() float64 {
	if n.Pos+n.Neg == 0 {
		return 0
	}
	return float64(n.Pos) / float64(n.Pos+n.Neg)
}

// DecisionTree is a binary classification tree grown by information gain.
type DecisionTree struct {
	Config TreeConfig
	Root   *Node
}

// NewDecisionTree creates an unfitted tree.
func NewDecisionTree(cfg TreeConfig) *DecisionTree {
	return &DecisionTree{Config: cfg}
}

// #endregion tree-types

// #region tree-fit
// Fit grows the tree on rows of x with boolean labels.
func (dt *DecisionTree) Fit(x [][]float64, y []bool) error {
	if len(x) == 0 {
		return ErrNoInstances
	}
	if len(x) != len(y) {
		return fmt.Errorf("tree: %d instances but %d labels", len(x), len(y))
	}
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	dt.Root = dt.grow(x, y, idx, 0)
	return nil
}

func (dt *DecisionTree) grow(x [][]float64, y []bool, idx []int, depth int) *Node {
	node := &Node{Ftr: -1}
	for _, i := range idx {
		if y[i] {
			node.Pos++
		} else {
			node.Neg++
		}
	}
	n := len(idx)
	cfg := dt.Config
	minLeaf := max(cfg.MinExamples, 1)
	if n < 2*minLeaf || (cfg.MaxDepth > 0 && depth >= cfg.MaxDepth) {
		return node
	}
	if node.PosProb() <= cfg.MinPosProb || 1-node.PosProb() <= cfg.MinNegProb {
		return node
	}

	parentH := entropy(node.Pos, node.Neg)
	bestGain, bestFtr, bestThr := 0.0, -1, 0.0

	sorted := make([]int, n)
	for f := 0; f < len(x[idx[0]]); f++ {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, b int) bool { return x[sorted[a]][f] < x[sorted[b]][f] })

		leftPos, leftNeg := 0, 0
		for k := 0; k < n-1; k++ {
			if y[sorted[k]] {
				leftPos++
			} else {
				leftNeg++
			}
			left := k + 1
			if left < minLeaf || n-left < minLeaf {
				continue
			}
			lo, hi := x[sorted[k]][f], x[sorted[k+1]][f]
			if lo == hi {
				continue
			}
			rightPos, rightNeg := node.Pos-leftPos, node.Neg-leftNeg
			h := (float64(left)*entropy(leftPos, leftNeg) + float64(n-left)*entropy(rightPos, rightNeg)) / float64(n)
			if gain := parentH - h; gain > bestGain+1e-12 {
				bestGain, bestFtr, bestThr = gain, f, (lo+hi)/2
			}
		}
	}
	if bestFtr < 0 {
		return node
	}

	var left, right []int
	for _, i := range idx {
		if x[i][bestFtr] <= bestThr {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	node.Ftr, node.Threshold = bestFtr, bestThr
	node.Left = dt.grow(x, y, left, depth+1)
	node.Right = dt.grow(x, y, right, depth+1)
	return node
}

func entropy(pos, neg int) float64 {
	n := float64(pos + neg)
	if n == 0 {
		return 0
	}
	h := 0.0
	for _, c := range []int{pos, neg} {
		if c > 0 {
			p := float64(c) / n
			h -= p * math.Log2(p)
		}
	}
	return h
}

// #endregion tree-fit

// #region tree-predict
// Predict returns the positive-class probability of the leaf x falls into.
func (dt *DecisionTree) Predict(x []float64) float64 {
	node := dt.Root
	if node == nil {
		return 0
	}
	for !node.IsLeaf() {
		if x[node.Ftr] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node.PosProb()
}

// #endregion tree-predict

// #region explain
// Interval bounds a feature to (Lower, Upper]. Infinite ends are unbounded.
type Interval struct {
	Ftr   int
	Lower float64
	Upper float64
}

// Term is a conjunction of intervals describing one positive leaf.
type Term struct {
	Intervals []Interval
	Pos       int
	Neg       int
}

// ExplainPositive returns, as a union of conjunctive terms, the leaves in
// which positive instances are the majority. Terms are ordered by the number
// of positive instances they cover.
func (dt *DecisionTree) ExplainPositive() []Term {
	if dt.Root == nil {
		return nil
	}
	var terms []Term
	var walk func(n *Node, bounds map[int]Interval)
	walk = func(n *Node, bounds map[int]Interval) {
		if n.IsLeaf() {
			if n.Pos > n.Neg {
				terms = append(terms, newTerm(bounds, n))
			}
			return
		}
		cur, ok := bounds[n.Ftr]
		if !ok {
			cur = Interval{Ftr: n.Ftr, Lower: math.Inf(-1), Upper: math.Inf(1)}
		}

		left := copyBounds(bounds)
		l := cur
		l.Upper = math.Min(l.Upper, n.Threshold)
		left[n.Ftr] = l
		walk(n.Left, left)

		right := copyBounds(bounds)
		r := cur
		r.Lower = math.Max(r.Lower, n.Threshold)
		right[n.Ftr] = r
		walk(n.Right, right)
	}
	walk(dt.Root, map[int]Interval{})

	sort.SliceStable(terms, func(a, b int) bool { return terms[a].Pos > terms[b].Pos })
	return terms
}

func copyBounds(b map[int]Interval) map[int]Interval {
	out := make(map[int]Interval, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

func newTerm(bounds map[int]Interval, n *Node) Term {
	t := Term{Pos: n.Pos, Neg: n.Neg}
	for _, iv := range bounds {
		t.Intervals = append(t.Intervals, iv)
	}
	sort.Slice(t.Intervals, func(a, b int) bool { return t.Intervals[a].Ftr < t.Intervals[b].Ftr })
	return t
}

// #endregion explain
