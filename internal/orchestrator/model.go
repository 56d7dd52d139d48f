package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/activity"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ctmc"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/explain"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/hierarchy"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/metrics"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/stateid"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/visual"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// #endregion

func logger() *slog.Logger { return slog.With("component", "orchestrator") }

// #region model-struct

// Model owns every component of a StreamStory model. It is not safe for
// concurrent use.
type Model struct {
	cfg    Config
	spaces ftr.Spaces

	ident *stateid.Identifier
	chain *ctmc.Modeller
	tree  *hierarchy.Hierarchy
	ui    *visual.Helper
	expl  *explain.Explainer
	acts  *activity.Detector

	listener Listener
	metrics  *metrics.Metrics

	ready     bool
	lastState int
	lastTm    int64
}

// #endregion

// #region constructor

// New validates the configuration and creates an uninitialized model.
func New(cfg Config, spaces ftr.Spaces) (*Model, error) {
	ident, err := stateid.New(cfg.StateID, spaces, cfg.Unit)
	if err != nil {
		return nil, fmt.Errorf("state identifier: %w", err)
	}
	chain, err := ctmc.New(cfg.Chain, cfg.Unit)
	if err != nil {
		return nil, fmt.Errorf("transition model: %w", err)
	}
	tree, err := hierarchy.New(cfg.Hierarchy)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: %w", err)
	}
	ui, err := visual.New(cfg.Visual)
	if err != nil {
		return nil, fmt.Errorf("visualization: %w", err)
	}
	expl, err := explain.New(cfg.Explain)
	if err != nil {
		return nil, fmt.Errorf("explainer: %w", err)
	}
	return &Model{
		cfg:       cfg,
		spaces:    spaces,
		ident:     ident,
		chain:     chain,
		tree:      tree,
		ui:        ui,
		expl:      expl,
		acts:      activity.New(),
		listener:  NopListener{},
		lastState: -1,
	}, nil
}

// SetListener installs the event listener; nil restores the no-op one.
func (m *Model) SetListener(l Listener) {
	if l == nil {
		l = NopListener{}
	}
	m.listener = l
}

// SetMetrics installs the Prometheus collectors; nil disables them.
func (m *Model) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

// Config returns the configuration the model was built with.
func (m *Model) Config() Config { return m.cfg }

// Spaces returns the feature layout.
func (m *Model) Spaces() ftr.Spaces { return m.spaces }

// #endregion

// #region init

// Init builds the model from a dataset. A dataset with batch flags needs a
// hidden state in the chain configuration.
func (m *Model) Init(ctx context.Context, ds Dataset) (err error) {
	start := time.Now()
	defer func() {
		m.metrics.Initialized(m.leafCount(), time.Since(start), err)
	}()

	if err := m.checkDataset(ds); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	logger().Info("creating model", "records", ds.Len(), "batches", ds.BatchEnd != nil)
	m.ready = false

	m.listener.OnProgress(0, "Clustering ...")
	assign, err := m.ident.Init(stateid.Input{Times: ds.Times, Obs: ds.Obs, Contr: ds.Contr, Ign: ds.Ign})
	if err != nil {
		return fmt.Errorf("init: clustering: %w", err)
	}

	m.listener.OnProgress(30, "Modeling transitions ...")
	if err := m.chain.Init(ds.Contr, m.ident.States(), assign, ds.Times, ds.BatchEnd); err != nil {
		return fmt.Errorf("init: transitions: %w", err)
	}

	if err := m.initHierarchy(ctx, ds, assign); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	m.acts = activity.New()
	m.lastState = assign[len(assign)-1]
	if ds.BatchEnd != nil && ds.BatchEnd[len(assign)-1] {
		m.lastState = -1
	}
	m.lastTm = ds.Times[len(ds.Times)-1]
	m.ready = true
	m.listener.OnProgress(100, "Done")
	logger().Info("model ready", "states", m.ident.States(), "nodes", m.tree.States(), "elapsed", time.Since(start))
	return nil
}

// InitHierarchy rebuilds the hierarchy, the explanations and the layout
// from a dataset without clustering again.
func (m *Model) InitHierarchy(ctx context.Context, ds Dataset) error {
	if !m.ready {
		return ErrNotInitialized
	}
	if err := m.checkDataset(ds); err != nil {
		return fmt.Errorf("init hierarchy: %w", err)
	}
	assign, err := m.ident.AssignAll(ds.Times, ds.Obs)
	if err != nil {
		return fmt.Errorf("init hierarchy: %w", err)
	}
	if err := m.initHierarchy(ctx, ds, assign); err != nil {
		return fmt.Errorf("init hierarchy: %w", err)
	}
	return nil
}

func (m *Model) initHierarchy(ctx context.Context, ds Dataset, assign []int) error {
	m.listener.OnProgress(50, "Initializing hierarchy ...")
	if err := m.tree.Init(ds.Times, assign, m.ident.ObsCentroids(), chainView{m}); err != nil {
		return fmt.Errorf("hierarchy: %w", err)
	}

	m.listener.OnProgress(60, "Initializing states ...")
	x := explain.Join(ds.Obs, ds.Contr, ds.Ign)
	progress := func(done, total int) {
		m.listener.OnProgress(60+30*done/total, "Initializing states ...")
	}
	if err := m.expl.Init(ctx, m.spaces, x, assign, m.tree, progress); err != nil {
		return fmt.Errorf("explanations: %w", err)
	}

	m.listener.OnProgress(90, "Computing positions ...")
	if err := m.ui.Init(m.ident, m.tree, m.statDist, m.cfg.Unit); err != nil {
		return fmt.Errorf("layout: %w", err)
	}
	return nil
}

func (m *Model) checkDataset(ds Dataset) error {
	n := ds.Len()
	if n < 2 {
		return fmt.Errorf("need at least 2 records, got %d", n)
	}
	if len(ds.Obs) != n || len(ds.Contr) != n || len(ds.Ign) != n {
		return fmt.Errorf("%d times but %d/%d/%d obs/contr/ign rows", n, len(ds.Obs), len(ds.Contr), len(ds.Ign))
	}
	for r, row := range ds.Obs {
		if floats.HasNaN(row) {
			return fmt.Errorf("record %d: NaN in observations", r)
		}
	}
	if ds.BatchEnd != nil {
		if !m.cfg.Chain.HiddenState {
			return errors.New("batched data needs a hidden state")
		}
		if err := CheckBatches(ds.Times, ds.BatchEnd); err != nil {
			return err
		}
	}
	return nil
}

// CheckBatches rejects empty batches and time going backwards inside a batch.
func CheckBatches(times []int64, batchEnd []bool) error {
	if len(times) != len(batchEnd) {
		return fmt.Errorf("%d times but %d batch flags", len(times), len(batchEnd))
	}
	justEnded := false
	var prev int64
	for i, ends := range batchEnd {
		if ends && justEnded {
			return fmt.Errorf("empty batch at record %d", i)
		}
		if i > 0 && times[i] < prev && !justEnded {
			return fmt.Errorf("time decreases inside a batch at record %d", i)
		}
		justEnded = ends
		prev = times[i]
	}
	return nil
}

// #endregion

// #region chain-view

// chainView feeds the current control features of every state to the
// transition model.
type chainView struct{ m *Model }

func (c chainView) LeafQ() (*mat.Dense, error) {
	return c.m.chain.LeafQ(c.m.ident.ControlFeatures())
}

func (c chainView) QMatrix(sets [][]int) (*mat.Dense, error) {
	return c.m.chain.QMatrix(sets, c.m.ident.ControlFeatures())
}

func (m *Model) statDist(sets [][]int) ([]float64, error) {
	return m.chain.StatDist(sets, m.ident.ControlFeatures())
}

func (m *Model) leafCount() int {
	if !m.ready {
		return 0
	}
	return m.ident.States()
}

// #endregion
