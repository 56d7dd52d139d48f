package hierarchy

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strconv"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/cluster"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ctmc"
	"gonum.org/v1/gonum/mat"
)

func logger() *slog.Logger { return slog.With("component", "hierarchy") }

// heightEps separates merges that happen at the same distance.
const heightEps = 1e-9

// #region hierarchy
// Hierarchy is a tree over the leaf states. Node ids 0..NLeafs-1 are the
// leaves; every node's height is strictly lower than its parent's and the
// root points to itself.
type Hierarchy struct {
	cfg     Config
	parents []int
	heights []float64
	nLeafs  int

	uniqueHeights []float64
	uiHeights     []float64
	partitions    []partition // per unique height

	pastStates [][]int   // per unique height, most recent first
	history    [][]Entry // per UI height

	names   []string
	labels  []string
	targets map[IDHeight]bool
}

// New creates an empty hierarchy.
func New(cfg Config) (*Hierarchy, error) {
	if cfg.HistCacheSize < 1 {
		return nil, fmt.Errorf("history cache must hold at least the current state, got %d", cfg.HistCacheSize)
	}
	return &Hierarchy{cfg: cfg, targets: map[IDHeight]bool{}}, nil
}

// #endregion hierarchy

// #region init
// Init builds the tree over the states of centroids and replays the
// assignments of the training records into the state history. chain
// supplies the generator for transition-based trees and the UI heights.
func (h *Hierarchy) Init(times []int64, assign []int, centroids [][]float64, chain Chain) error {
	if len(centroids) == 0 {
		return fmt.Errorf("init: no leaf states")
	}
	if len(assign) == 0 || len(assign) != len(times) {
		return fmt.Errorf("init: %d assignments for %d times", len(assign), len(times))
	}
	if chain == nil {
		return fmt.Errorf("init: no transition model")
	}
	nLeafs := len(centroids)
	for r, s := range assign {
		if s < 0 || s >= nLeafs {
			return fmt.Errorf("init: record %d assigned to invalid leaf %d", r, s)
		}
	}

	var parents []int
	var heights []float64
	var err error
	if h.cfg.TransitionBased {
		parents, heights, err = transitionTree(chain)
	} else {
		parents, heights = distanceTree(centroids)
	}
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	h.parents = parents
	h.heights = heights
	h.nLeafs = nLeafs
	h.uniqueHeights = uniqueSorted(heights)
	if err := h.buildPartitions(); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	h.pastStates = make([][]int, len(h.uniqueHeights))
	h.names = make([]string, len(parents))
	h.labels = makeLabels(heights, nLeafs)
	h.targets = map[IDHeight]bool{}

	if h.uiHeights, err = h.naturalScales(chain); err != nil {
		return fmt.Errorf("init: natural scales: %w", err)
	}
	logger().Info("hierarchy built", "states", len(parents), "heights", len(h.uniqueHeights), "ui_heights", len(h.uiHeights))

	h.history = make([][]Entry, len(h.uiHeights))
	for r := range assign {
		h.updateUIHistory(times[r], assign[r])
	}
	h.updatePastStates(assign[len(assign)-1])
	return nil
}

// distanceTree merges centroids by average linkage. Merge i creates node
// NLeafs+i and the last merge is the root.
func distanceTree(centroids [][]float64) ([]int, []float64) {
	n := len(centroids)
	merges := cluster.AverageLinkage(centroids)
	total := n + len(merges)
	parents := make([]int, total)
	heights := make([]float64, total)

	top := make([]int, n)
	for i := range top {
		top[i] = i
	}
	for i, m := range merges {
		node := n + i
		a, b := top[m.A], top[m.B]
		parents[a] = node
		parents[b] = node
		height := m.Dist
		if floor := math.Max(heights[a], heights[b]); height <= floor {
			height = floor + heightEps*(1+floor)
		}
		heights[node] = height
		top[m.A] = node
	}
	parents[total-1] = total - 1
	return parents, heights
}

// transitionTree partitions the chain and keeps only the edges along which
// height grows. Nodes left without a parent hang from a synthetic root one
// unit above the highest node.
func transitionTree(chain Chain) ([]int, []float64, error) {
	q, err := chain.LeafQ()
	if err != nil {
		return nil, nil, err
	}
	n, _ := q.Dims()
	if n == 1 {
		return []int{0}, []float64{0}, nil
	}
	oldParents, oldHeights, err := ctmc.Partition(q)
	if err != nil {
		return nil, nil, err
	}

	parents := make([]int, n)
	heights := make([]float64, n)
	oldToNew := make(map[int]int, len(oldParents))
	for i := 0; i < n; i++ {
		parents[i] = i
		oldToNew[i] = i
	}

	maxHeight := math.Inf(-1)
	for leaf := 0; leaf < n; leaf++ {
		s := leaf
		for oldHeights[s] < oldHeights[oldParents[s]] {
			p := oldParents[s]
			np, ok := oldToNew[p]
			if !ok {
				np = len(parents)
				parents = append(parents, np)
				heights = append(heights, oldHeights[p])
				oldToNew[p] = np
			}
			parents[oldToNew[s]] = np
			maxHeight = math.Max(maxHeight, oldHeights[p])
			s = p
		}
	}
	if math.IsInf(maxHeight, -1) {
		maxHeight = 0
	}

	root := len(parents)
	for i := range parents {
		if parents[i] == i {
			parents[i] = root
		}
	}
	parents = append(parents, root)
	heights = append(heights, maxHeight+1)
	return parents, heights, nil
}

func uniqueSorted(v []float64) []float64 {
	out := append([]float64(nil), v...)
	sort.Float64s(out)
	k := 0
	for i, x := range out {
		if i == 0 || x != out[k-1] {
			out[k] = x
			k++
		}
	}
	return out[:k]
}

// makeLabels names leaves "1.k" and spreads the internal nodes, ordered by
// height, over levels 2 to 6.
func makeLabels(heights []float64, nLeafs int) []string {
	labels := make([]string, len(heights))
	for i := 0; i < nLeafs; i++ {
		labels[i] = "1." + strconv.Itoa(i+1)
	}
	internal := make([]int, 0, len(heights)-nLeafs)
	for i := nLeafs; i < len(heights); i++ {
		internal = append(internal, i)
	}
	sort.SliceStable(internal, func(a, b int) bool { return heights[internal[a]] < heights[internal[b]] })
	perLevel := int(math.Ceil(float64(len(internal)) / 5))
	for k, id := range internal {
		labels[id] = strconv.Itoa(2+k/perLevel) + "." + strconv.Itoa(k%perLevel+1)
	}
	return labels
}

// naturalScales picks the UI heights: the medoids of the heights clustered
// by the square roots of the top singular values of their generators.
func (h *Hierarchy) naturalScales(chain Chain) ([]float64, error) {
	total := len(h.uniqueHeights) - 1
	if total < 2 {
		return append([]float64(nil), h.uniqueHeights[:max(total, 1)]...), nil
	}

	ftrs := make([][]float64, total)
	for i := 0; i < total; i++ {
		_, sets, err := h.StateSetsAtHeight(h.uniqueHeights[i])
		if err != nil {
			return nil, err
		}
		q, err := chain.QMatrix(sets)
		if err != nil {
			return nil, fmt.Errorf("height %g: %w", h.uniqueHeights[i], err)
		}
		ftrs[i] = scaleFeatures(q)
	}

	idx, err := cluster.Medoids(ftrs, total/2, cluster.Cosine, h.cfg.Seed, 1000)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(idx))
	for k, i := range idx {
		out[k] = h.uniqueHeights[i]
	}
	return out, nil
}

const scaleFtrDim = 3

func scaleFeatures(q *mat.Dense) []float64 {
	out := make([]float64, scaleFtrDim)
	var svd mat.SVD
	if !svd.Factorize(q, mat.SVDNone) {
		return out
	}
	vals := svd.Values(nil)
	for i := 0; i < scaleFtrDim && i < len(vals); i++ {
		out[i] = math.Sqrt(vals[i])
	}
	return out
}

// #endregion init

// #region structure
// States is the number of nodes including leaves and root.
func (h *Hierarchy) States() int { return len(h.parents) }

// Leafs is the number of leaf states.
func (h *Hierarchy) Leafs() int { return h.nLeafs }

// Root returns the id of the root node.
func (h *Hierarchy) Root() int { return len(h.parents) - 1 }

// MaxHeight is the height of the root.
func (h *Hierarchy) MaxHeight() float64 { return h.heights[h.Root()] }

// IsLeaf reports whether id is a leaf state.
func (h *Hierarchy) IsLeaf(id int) bool { return id >= 0 && id < h.nLeafs }

// IsRoot reports whether id is the root.
func (h *Hierarchy) IsRoot(id int) bool { return h.parents[id] == id }

// Parent returns the parent of a node.
func (h *Hierarchy) Parent(id int) (int, error) {
	if err := h.check(id); err != nil {
		return 0, err
	}
	return h.parents[id], nil
}

// Height returns the height of a node.
func (h *Hierarchy) Height(id int) (float64, error) {
	if err := h.check(id); err != nil {
		return 0, err
	}
	return h.heights[id], nil
}

// UniqueHeights returns the sorted distinct heights of the tree.
func (h *Hierarchy) UniqueHeights() []float64 { return h.uniqueHeights }

// UIHeights returns the heights worth showing, ascending.
func (h *Hierarchy) UIHeights() []float64 { return h.uiHeights }

func (h *Hierarchy) check(id int) error {
	if h.parents == nil {
		return ErrNotInitialized
	}
	if id < 0 || id >= len(h.parents) {
		return fmt.Errorf("state %d: %w", id, ErrInvalidState)
	}
	return nil
}

// IsOnHeight reports whether a node is active at height: its own height is
// at most height and its parent's is above it.
func (h *Hierarchy) IsOnHeight(id int, height float64) bool {
	if h.IsRoot(id) && height >= h.heights[id] {
		return true
	}
	return h.heights[id] <= height && height < h.heights[h.parents[id]]
}

func (h *Hierarchy) isBelowHeight(id int, height float64) bool {
	return !h.IsOnHeight(id, height) && h.heights[h.parents[id]] <= height
}

// AncestorAtHeight returns the node active at height on the path from id to
// the root.
func (h *Hierarchy) AncestorAtHeight(id int, height float64) (int, error) {
	if err := h.check(id); err != nil {
		return 0, err
	}
	if height > h.MaxHeight() {
		return 0, fmt.Errorf("height %g above the root at %g", height, h.MaxHeight())
	}
	if !h.IsOnHeight(id, height) && !h.isBelowHeight(id, height) {
		return 0, fmt.Errorf("state %d lies above height %g", id, height)
	}
	for !h.IsOnHeight(id, height) {
		id = h.parents[id]
	}
	return id, nil
}

// Ancestors returns id and all its ancestors up to the root.
func (h *Hierarchy) Ancestors(id int) ([]IDHeight, error) {
	if err := h.check(id); err != nil {
		return nil, err
	}
	out := []IDHeight{{id, h.heights[id]}}
	for !h.IsRoot(id) {
		id = h.parents[id]
		out = append(out, IDHeight{id, h.heights[id]})
	}
	return out, nil
}

// LeafDescendants returns the leaves below id, ascending.
func (h *Hierarchy) LeafDescendants(id int) ([]int, error) {
	if err := h.check(id); err != nil {
		return nil, err
	}
	var out []int
	for leaf := 0; leaf < h.nLeafs; leaf++ {
		for s := leaf; ; s = h.parents[s] {
			if s == id {
				out = append(out, leaf)
				break
			}
			if h.IsRoot(s) {
				break
			}
		}
	}
	return out, nil
}

// StateSetsAtHeight returns the nodes active at height, ascending, and the
// leaves below each of them. The sets partition the leaves.
func (h *Hierarchy) StateSetsAtHeight(height float64) ([]int, [][]int, error) {
	if h.parents == nil {
		return nil, nil, ErrNotInitialized
	}
	if height < 0 {
		return nil, nil, fmt.Errorf("negative height %g", height)
	}
	p := h.partitions[scaleBin(height, h.uniqueHeights)]
	sets := make([][]int, len(p.sets))
	for k, set := range p.sets {
		sets[k] = slices.Clone(set)
	}
	return slices.Clone(p.ids), sets, nil
}

// partition is the active nodes at one unique height and their leaves.
type partition struct {
	ids  []int
	sets [][]int
}

// buildPartitions computes the partition at every unique height. Node
// heights are unique heights, so the active set is constant from one unique
// height up to the next.
func (h *Hierarchy) buildPartitions() error {
	h.partitions = make([]partition, len(h.uniqueHeights))
	for i, height := range h.uniqueHeights {
		var ids []int
		pos := make(map[int]int)
		for id := range h.parents {
			if h.IsOnHeight(id, height) {
				pos[id] = len(ids)
				ids = append(ids, id)
			}
		}
		sets := make([][]int, len(ids))
		for leaf := 0; leaf < h.nLeafs; leaf++ {
			anc, err := h.AncestorAtHeight(leaf, height)
			if err != nil {
				return fmt.Errorf("partition at %g: %w", height, err)
			}
			k := pos[anc]
			sets[k] = append(sets[k], leaf)
		}
		h.partitions[i] = partition{ids: ids, sets: sets}
	}
	return nil
}

// NearestHeight returns the largest unique height not above height, or the
// lowest one.
func (h *Hierarchy) NearestHeight(height float64) float64 {
	return h.uniqueHeights[scaleBin(height, h.uniqueHeights)]
}

// scaleBin finds the index of the last scale not above s.
func scaleBin(s float64, scales []float64) int {
	i := sort.Search(len(scales), func(i int) bool { return scales[i] > s })
	return max(i-1, 0)
}

// #endregion structure

// #region names
// SetName sets the user name of a node.
func (h *Hierarchy) SetName(id int, name string) error {
	if err := h.check(id); err != nil {
		return err
	}
	h.names[id] = name
	return nil
}

// Name returns the user name of a node, empty when unset.
func (h *Hierarchy) Name(id int) (string, error) {
	if err := h.check(id); err != nil {
		return "", err
	}
	return h.names[id], nil
}

// Label returns the generated "level.index" label of a node.
func (h *Hierarchy) Label(id int) (string, error) {
	if err := h.check(id); err != nil {
		return "", err
	}
	return h.labels[id], nil
}

// #endregion names

// #region targets
// SetTarget marks a node, at its own height, as a prediction target.
func (h *Hierarchy) SetTarget(id int) error {
	if err := h.check(id); err != nil {
		return err
	}
	h.targets[IDHeight{id, h.heights[id]}] = true
	return nil
}

// RemoveTarget clears the target flag of a node.
func (h *Hierarchy) RemoveTarget(id int) error {
	if !h.IsTarget(id) {
		return fmt.Errorf("state %d is not a target", id)
	}
	delete(h.targets, IDHeight{id, h.heights[id]})
	return nil
}

// IsTarget reports whether a node is a prediction target.
func (h *Hierarchy) IsTarget(id int) bool {
	if h.check(id) != nil {
		return false
	}
	return h.targets[IDHeight{id, h.heights[id]}]
}

// Targets returns all targets ordered by id.
func (h *Hierarchy) Targets() []IDHeight {
	out := make([]IDHeight, 0, len(h.targets))
	for t := range h.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// #endregion targets

// #region snapshot
// Snapshot returns the serialisable state of the hierarchy.
func (h *Hierarchy) Snapshot() Snapshot {
	return Snapshot{
		Config:        h.cfg,
		Parents:       h.parents,
		Heights:       h.heights,
		NLeafs:        h.nLeafs,
		UniqueHeights: h.uniqueHeights,
		UIHeights:     h.uiHeights,
		PastStates:    h.pastStates,
		History:       h.history,
		Names:         h.names,
		Labels:        h.labels,
		Targets:       h.Targets(),
	}
}

// Restore rebuilds a hierarchy from a snapshot.
func Restore(s Snapshot) (*Hierarchy, error) {
	h, err := New(s.Config)
	if err != nil {
		return nil, err
	}
	if len(s.Parents) != len(s.Heights) || s.NLeafs > len(s.Parents) || len(s.Names) != len(s.Parents) {
		return nil, fmt.Errorf("restore: inconsistent snapshot with %d nodes", len(s.Parents))
	}
	if len(s.PastStates) != len(s.UniqueHeights) || len(s.History) != len(s.UIHeights) {
		return nil, fmt.Errorf("restore: history does not match heights")
	}
	h.parents = s.Parents
	h.heights = s.Heights
	h.nLeafs = s.NLeafs
	h.uniqueHeights = s.UniqueHeights
	if err := h.buildPartitions(); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	h.uiHeights = s.UIHeights
	h.pastStates = s.PastStates
	h.history = s.History
	h.names = s.Names
	h.labels = s.Labels
	for _, t := range s.Targets {
		h.targets[t] = true
	}
	return h, nil
}

// #endregion snapshot
