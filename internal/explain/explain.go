package explain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/learn"
	"golang.org/x/sync/errgroup"
)

func logger() *slog.Logger { return slog.With("component", "explain") }

// #region types
// Config controls the per-state classifiers.
type Config struct {
	// Lambda is the L2 penalty of the logistic regressions.
	Lambda float64 `yaml:"lambda"`
	// Workers bounds the number of states fitted at once; zero uses all CPUs.
	Workers int `yaml:"workers"`
}

// DefaultConfig returns unit regularisation over all CPUs.
func DefaultConfig() Config {
	return Config{Lambda: 1}
}

// Tree is the part of the hierarchy the explainer reads.
type Tree interface {
	States() int
	Height(id int) (float64, error)
	StateSetsAtHeight(height float64) ([]int, [][]int, error)
}

// Bound is the observed range of a feature over the training records.
type Bound struct {
	Min float64
	Max float64
}

// ProgressFunc is told how many states are fitted so far.
type ProgressFunc func(done, total int)

// Snapshot is the serialisable form of an Explainer.
type Snapshot struct {
	Config Config
	Spaces ftr.Spaces
	Models []learn.LogReg
	Trees  []learn.DecisionTree
	Bounds []Bound
}

// ErrNotInitialized is returned by queries before Init.
var ErrNotInitialized = errors.New("explain: not initialized")

// #endregion types

// #region explainer
// Explainer holds, for every hierarchy node, a logistic regression and a
// decision tree separating the node's records from all others.
type Explainer struct {
	cfg    Config
	spaces ftr.Spaces
	models []learn.LogReg
	trees  []learn.DecisionTree
	bounds []Bound
}

// New creates an empty explainer.
func New(cfg Config) (*Explainer, error) {
	if cfg.Lambda < 0 {
		return nil, fmt.Errorf("negative regularisation %g", cfg.Lambda)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("negative worker count %d", cfg.Workers)
	}
	return &Explainer{cfg: cfg}, nil
}

// Join concatenates the three feature spaces of every record.
func Join(obs, contr, ign [][]float64) [][]float64 {
	out := make([][]float64, len(obs))
	for r := range obs {
		row := make([]float64, 0, len(obs[r])+len(contr[r])+len(ign[r]))
		row = append(row, obs[r]...)
		row = append(row, contr[r]...)
		out[r] = append(row, ign[r]...)
	}
	return out
}

// Init fits the classifiers of every node of tree. x holds the joined
// obs|contr|ign rows and assign the leaf of every row.
func (e *Explainer) Init(ctx context.Context, spaces ftr.Spaces, x [][]float64, assign []int, tree Tree, progress ProgressFunc) error {
	if len(x) == 0 || len(x) != len(assign) {
		return fmt.Errorf("init: %d rows for %d assignments", len(x), len(assign))
	}
	dim := ftr.Dim(spaces.Obs) + ftr.Dim(spaces.Contr) + ftr.Dim(spaces.Ign)
	for r, row := range x {
		if len(row) != dim {
			return fmt.Errorf("init: row %d has %d components, want %d", r, len(row), dim)
		}
	}
	bounds, err := featureBounds(spaces, x)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	total := tree.States()
	models := make([]learn.LogReg, total)
	trees := make([]learn.DecisionTree, total)
	logger().Info("fitting state classifiers", "states", total, "records", len(x))

	workers := e.cfg.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	var mu sync.Mutex
	done := 0
	for id := 0; id < total; id++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			lr, dt, err := e.fitState(x, assign, tree, id)
			if err != nil {
				return fmt.Errorf("state %d: %w", id, err)
			}
			models[id], trees[id] = *lr, *dt

			mu.Lock()
			done++
			if progress != nil {
				progress(done, total)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	e.spaces = spaces
	e.models = models
	e.trees = trees
	e.bounds = bounds
	return nil
}

func (e *Explainer) fitState(x [][]float64, assign []int, tree Tree, id int) (*learn.LogReg, *learn.DecisionTree, error) {
	height, err := tree.Height(id)
	if err != nil {
		return nil, nil, err
	}
	ids, sets, err := tree.StateSetsAtHeight(height)
	if err != nil {
		return nil, nil, err
	}
	target := map[int]bool{}
	for k, sid := range ids {
		if sid == id {
			for _, leaf := range sets[k] {
				target[leaf] = true
			}
		}
	}
	if len(target) == 0 {
		return nil, nil, fmt.Errorf("not active at its own height %g", height)
	}

	y := make([]float64, len(x))
	labels := make([]bool, len(x))
	pos := 0
	for r, s := range assign {
		if target[s] {
			y[r], labels[r] = 1, true
			pos++
		}
	}

	if pos == 0 || pos == len(x) {
		lr, dt := constantState(e.cfg.Lambda, x, pos)
		return lr, dt, nil
	}

	lr := learn.NewLogReg(e.cfg.Lambda, true)
	if err := lr.Fit(x, y); err != nil {
		return nil, nil, fmt.Errorf("logistic regression: %w", err)
	}
	dt := learn.NewDecisionTree(learn.BalancedTreeConfig(len(x), pos))
	if err := dt.Fit(x, labels); err != nil {
		return nil, nil, fmt.Errorf("decision tree: %w", err)
	}
	return lr, dt, nil
}

// constantState stands in for a node whose records all share one label:
// zero weights and a single-leaf tree.
func constantState(lambda float64, x [][]float64, pos int) (*learn.LogReg, *learn.DecisionTree) {
	lr := learn.NewLogReg(lambda, true)
	lr.Weights = make([]float64, len(x[0])+1)
	dt := learn.NewDecisionTree(learn.BalancedTreeConfig(len(x), pos))
	dt.Root = &learn.Node{Ftr: -1, Pos: pos, Neg: len(x) - pos}
	return lr, dt
}

func featureBounds(spaces ftr.Spaces, x [][]float64) ([]Bound, error) {
	out := make([]Bound, spaces.Count())
	for f := range out {
		sp, n, _ := spaces.Locate(f)
		info := spaces.Infos(sp)[n]
		info.Offset += spaces.Offset(sp)
		b := Bound{Min: math.Inf(1), Max: math.Inf(-1)}
		for r, row := range x {
			v, err := info.Value(row)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", r, err)
			}
			b.Min, b.Max = math.Min(b.Min, v), math.Max(b.Max, v)
		}
		out[f] = b
	}
	return out, nil
}

// #endregion explainer

// #region queries
func (e *Explainer) check(id int) error {
	if e.models == nil {
		return ErrNotInitialized
	}
	if id < 0 || id >= len(e.models) {
		return fmt.Errorf("invalid state id %d", id)
	}
	return nil
}

// Weights returns the regression weights of a node over [offset, offset+length)
// of the joined feature vector.
func (e *Explainer) Weights(id, offset, length int) ([]float64, error) {
	if err := e.check(id); err != nil {
		return nil, err
	}
	w := e.models[id].FeatureWeights()
	if offset < 0 || length < 0 || offset+length > len(w) {
		return nil, fmt.Errorf("weight range [%d,%d) outside %d weights", offset, offset+length, len(w))
	}
	return append([]float64(nil), w[offset:offset+length]...), nil
}

// FeatureWeights returns the regression weights of a node for one feature.
func (e *Explainer) FeatureWeights(id, ftrID int) ([]float64, error) {
	sp, n, err := e.spaces.Locate(ftrID)
	if err != nil {
		return nil, err
	}
	info := e.spaces.Infos(sp)[n]
	return e.Weights(id, e.spaces.Offset(sp)+info.Offset, info.Length)
}

// Classifier returns the decision tree of a node.
func (e *Explainer) Classifier(id int) (*learn.DecisionTree, error) {
	if err := e.check(id); err != nil {
		return nil, err
	}
	return &e.trees[id], nil
}

// Explain returns the union of conjunctions under which the decision tree
// of a node predicts membership.
func (e *Explainer) Explain(id int) ([]learn.Term, error) {
	if err := e.check(id); err != nil {
		return nil, err
	}
	return e.trees[id].ExplainPositive(), nil
}

// Bounds returns the observed range of a feature.
func (e *Explainer) Bounds(ftrID int) (Bound, error) {
	if e.bounds == nil {
		return Bound{}, ErrNotInitialized
	}
	if ftrID < 0 || ftrID >= len(e.bounds) {
		return Bound{}, fmt.Errorf("invalid feature id %d", ftrID)
	}
	return e.bounds[ftrID], nil
}

// #endregion queries

// #region snapshot
// Snapshot returns the serialisable state of the explainer.
func (e *Explainer) Snapshot() Snapshot {
	return Snapshot{Config: e.cfg, Spaces: e.spaces, Models: e.models, Trees: e.trees, Bounds: e.bounds}
}

// Restore rebuilds an explainer from a snapshot.
func Restore(s Snapshot) (*Explainer, error) {
	e, err := New(s.Config)
	if err != nil {
		return nil, err
	}
	if len(s.Models) != len(s.Trees) || len(s.Bounds) != s.Spaces.Count() {
		return nil, fmt.Errorf("restore: inconsistent snapshot")
	}
	e.spaces = s.Spaces
	e.models = s.Models
	e.trees = s.Trees
	e.bounds = s.Bounds
	return e, nil
}

// #endregion snapshot
