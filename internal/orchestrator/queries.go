package orchestrator

// #region imports
import (
	"fmt"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/activity"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ctmc"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/explain"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/hierarchy"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/learn"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/stateid"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/visual"
	"gonum.org/v1/gonum/mat"
)

// #endregion

// #region structure

func (m *Model) check() error {
	if !m.ready {
		return ErrNotInitialized
	}
	return nil
}

// LeafStates is the number of leaf states.
func (m *Model) LeafStates() int { return m.ident.States() }

// LeafOf returns the leaf whose centroid is nearest to an observation.
func (m *Model) LeafOf(obs []float64) (int, error) {
	if err := m.check(); err != nil {
		return -1, err
	}
	return m.ident.Assign(m.lastTm, obs)
}

// Nodes is the number of states in the hierarchy, leaves included.
func (m *Model) Nodes() int { return m.tree.States() }

// TimeUnit is the unit intensities and prediction horizons are expressed in.
func (m *Model) TimeUnit() ftr.TimeUnit { return m.cfg.Unit }

// IsLeaf reports whether id is a leaf state.
func (m *Model) IsLeaf(id int) bool { return m.tree.IsLeaf(id) }

// Heights returns the UI heights, lowest first.
func (m *Model) Heights() []float64 { return m.tree.UIHeights() }

// StateSetsAtHeight returns the active nodes at a height and their leaves.
func (m *Model) StateSetsAtHeight(height float64) ([]int, [][]int, error) {
	if err := m.check(); err != nil {
		return nil, nil, err
	}
	return m.tree.StateSetsAtHeight(height)
}

// StateIDsAtHeight returns the active nodes at a height.
func (m *Model) StateIDsAtHeight(height float64) ([]int, error) {
	ids, _, err := m.StateSetsAtHeight(height)
	return ids, err
}

// Ancestry returns the node and its ancestors with their heights.
func (m *Model) Ancestry(id int) ([]hierarchy.IDHeight, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.tree.Ancestors(id)
}

// CurrentStates returns the active node at every unique height.
func (m *Model) CurrentStates() ([]hierarchy.IDHeight, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.tree.CurrentStates()
}

// CurrentState returns the active node at a height.
func (m *Model) CurrentState(height float64) (int, error) {
	if err := m.check(); err != nil {
		return -1, err
	}
	leaf := m.tree.CurrentLeaf()
	if leaf < 0 {
		return -1, fmt.Errorf("no current state")
	}
	return m.tree.AncestorAtHeight(leaf, height)
}

// PastStates returns the states visited before the current one at a height.
func (m *Model) PastStates(height float64) ([]int, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.tree.PastStates(height), nil
}

// StateHistory summarises the stream at every UI height.
func (m *Model) StateHistory(relOffset, relRange float64, maxStates int) ([]hierarchy.ScaleHistory, int64, int64, error) {
	if err := m.check(); err != nil {
		return nil, 0, 0, err
	}
	return m.tree.StateHistory(relOffset, relRange, maxStates)
}

// #endregion

// #region probabilities

func (m *Model) atHeight(height float64) ([]int, [][]int, [][]float64, error) {
	if err := m.check(); err != nil {
		return nil, nil, nil, err
	}
	ids, sets, err := m.tree.StateSetsAtHeight(height)
	if err != nil {
		return nil, nil, nil, err
	}
	return ids, sets, m.ident.ControlFeatures(), nil
}

// FutureStates returns the probability of every state at height t time
// units after being in id.
func (m *Model) FutureStates(height float64, id int, t float64) ([]ctmc.StateProb, error) {
	if t < 0 {
		return nil, fmt.Errorf("future states: negative time %g", t)
	}
	ids, sets, ftrs, err := m.atHeight(height)
	if err != nil {
		return nil, err
	}
	return m.chain.FutureProbs(sets, ftrs, ids, id, t)
}

// PastStateProbs returns the probability of every state at height t time
// units before being in id.
func (m *Model) PastStateProbs(height float64, id int, t float64) ([]ctmc.StateProb, error) {
	if t < 0 {
		return nil, fmt.Errorf("past states: negative time %g", t)
	}
	ids, sets, ftrs, err := m.atHeight(height)
	if err != nil {
		return nil, err
	}
	return m.chain.PastProbs(sets, ftrs, ids, id, t)
}

// NextStates returns the jump probabilities out of id, most likely first.
func (m *Model) NextStates(height float64, id int) ([]ctmc.StateProb, error) {
	ids, sets, ftrs, err := m.atHeight(height)
	if err != nil {
		return nil, err
	}
	return m.chain.NextStates(sets, ftrs, ids, id, -1)
}

// PrevStates returns the jump probabilities into id, most likely first.
func (m *Model) PrevStates(height float64, id int) ([]ctmc.StateProb, error) {
	ids, sets, ftrs, err := m.atHeight(height)
	if err != nil {
		return nil, err
	}
	return m.chain.PrevStates(sets, ftrs, ids, id, -1)
}

// ProbsAtTime returns the distribution over the states at height t time
// units from id; negative t looks back.
func (m *Model) ProbsAtTime(id int, height, t float64) ([]int, []float64, error) {
	ids, sets, ftrs, err := m.atHeight(height)
	if err != nil {
		return nil, nil, err
	}
	probs, err := m.chain.ProbsAtTime(sets, ftrs, ids, id, t)
	return ids, probs, err
}

// QMatrix returns the generator at a height.
func (m *Model) QMatrix(height float64) (*mat.Dense, error) {
	_, sets, ftrs, err := m.atHeight(height)
	if err != nil {
		return nil, err
	}
	return m.chain.QMatrix(sets, ftrs)
}

// JumpMatrix returns the embedded jump chain at a height.
func (m *Model) JumpMatrix(height float64) (*mat.Dense, error) {
	_, sets, ftrs, err := m.atHeight(height)
	if err != nil {
		return nil, err
	}
	return m.chain.JumpMatrix(sets, ftrs)
}

// StatDist returns the stationary distribution at a height.
func (m *Model) StatDist(height float64) ([]int, []float64, error) {
	ids, sets, ftrs, err := m.atHeight(height)
	if err != nil {
		return nil, nil, err
	}
	pi, err := m.chain.StatDist(sets, ftrs)
	return ids, pi, err
}

// #endregion

// #region statistics

func (m *Model) leaves(id int) ([]int, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.tree.LeafDescendants(id)
}

// Centroid returns the centroid of a node in a feature space.
func (m *Model) Centroid(id int, sp ftr.Space) ([]float64, error) {
	leaves, err := m.leaves(id)
	if err != nil {
		return nil, err
	}
	return m.ident.Centroid(sp, leaves)
}

// Histogram returns the normalized distribution of a feature in a node.
func (m *Model) Histogram(id, ftrID int) ([]float64, []float64, error) {
	leaves, err := m.leaves(id)
	if err != nil {
		return nil, nil, err
	}
	return m.ident.Histogram(ftrID, leaves, true)
}

// TransitionHistogram returns the raw counts of a feature in the source,
// the target and all leaves, over the same bins.
func (m *Model) TransitionHistogram(src, dst, ftrID int) (bins, srcCounts, dstCounts, all []float64, err error) {
	srcLeaves, err := m.leaves(src)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	dstLeaves, err := m.leaves(dst)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	allLeaves, err := m.leaves(m.tree.Root())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if bins, srcCounts, err = m.ident.Histogram(ftrID, srcLeaves, false); err != nil {
		return nil, nil, nil, nil, err
	}
	if _, dstCounts, err = m.ident.Histogram(ftrID, dstLeaves, false); err != nil {
		return nil, nil, nil, nil, err
	}
	if _, all, err = m.ident.Histogram(ftrID, allLeaves, false); err != nil {
		return nil, nil, nil, nil, err
	}
	return bins, srcCounts, dstCounts, all, nil
}

// TimeHistogram returns one of the cyclic time histograms of a node.
func (m *Model) TimeHistogram(id int, kind stateid.TimeHist) ([]int, []float64, error) {
	leaves, err := m.leaves(id)
	if err != nil {
		return nil, nil, err
	}
	return m.ident.TimeHistogram(leaves, kind)
}

// GlobalTimeHistogram returns when, over the whole recorded range, the
// stream was in a node.
func (m *Model) GlobalTimeHistogram(id, bins int) ([]int64, []float64, error) {
	leaves, err := m.leaves(id)
	if err != nil {
		return nil, nil, err
	}
	return m.ident.GlobalTimeHistogram(leaves, bins, true)
}

// FeatureBounds returns the range a feature took in the training data.
func (m *Model) FeatureBounds(ftrID int) (explain.Bound, error) {
	if err := m.check(); err != nil {
		return explain.Bound{}, err
	}
	return m.expl.Bounds(ftrID)
}

// #endregion

// #region descriptions

// AutoName returns the generated name of a node.
func (m *Model) AutoName(id int) (visual.AutoName, error) {
	if err := m.check(); err != nil {
		return visual.AutoName{}, err
	}
	return m.ui.AutoName(id)
}

// Descriptions returns the remarkable features of a node.
func (m *Model) Descriptions(id int) ([]visual.AutoName, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.ui.Descriptions(id)
}

// TimeDescriptions returns the periods a node is concentrated in.
func (m *Model) TimeDescriptions(id int) ([]visual.TimeDesc, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.ui.TimeDescriptions(id)
}

// Explain returns the rules under which a record belongs to a node.
func (m *Model) Explain(id int) ([]learn.Term, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.expl.Explain(id)
}

// ClassifyTree returns the decision tree of a node.
func (m *Model) ClassifyTree(id int) (*learn.DecisionTree, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.expl.Classifier(id)
}

// Weights returns the regression weights of a node over the observation
// features.
func (m *Model) Weights(id int) ([]float64, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.expl.Weights(id, m.spaces.Offset(ftr.Observation), ftr.Dim(m.spaces.Obs))
}

// FeatureWeights returns the regression weights of a node for one feature.
func (m *Model) FeatureWeights(id, ftrID int) ([]float64, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.expl.FeatureWeights(id, ftrID)
}

// Label returns the short generated label of a node.
func (m *Model) Label(id int) (string, error) {
	if err := m.check(); err != nil {
		return "", err
	}
	return m.tree.Label(id)
}

// Name returns the user-given name of a node.
func (m *Model) Name(id int) (string, error) {
	if err := m.check(); err != nil {
		return "", err
	}
	return m.tree.Name(id)
}

// SetName names a node.
func (m *Model) SetName(id int, name string) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.tree.SetName(id, name)
}

// SetCoords moves a node on the layout.
func (m *Model) SetCoords(id int, p visual.Point) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.ui.SetCoords(id, p)
}

// #endregion

// #region targets

// SetTarget marks or unmarks a node as a prediction target.
func (m *Model) SetTarget(id int, target bool) error {
	if err := m.check(); err != nil {
		return err
	}
	logger().Info("setting target", "state", id, "target", target)
	if target {
		return m.tree.SetTarget(id)
	}
	return m.tree.RemoveTarget(id)
}

// IsTarget reports whether a node is a prediction target.
func (m *Model) IsTarget(id int) bool { return m.ready && m.tree.IsTarget(id) }

// Targets lists the prediction targets.
func (m *Model) Targets() []hierarchy.IDHeight {
	if !m.ready {
		return nil
	}
	return m.tree.Targets()
}

// #endregion

// #region controls

func (m *Model) controlN(ftrID int) (int, error) {
	sp, n, err := m.spaces.Locate(ftrID)
	if err != nil {
		return -1, err
	}
	if sp != ftr.Control {
		return -1, fmt.Errorf("feature %d: %w", ftrID, ErrNotControl)
	}
	return n, nil
}

// SetControl overrides a control feature in every leaf of a node.
func (m *Model) SetControl(id, ftrID int, val float64) error {
	n, err := m.controlN(ftrID)
	if err != nil {
		return err
	}
	leaves, err := m.leaves(id)
	if err != nil {
		return err
	}
	for _, leaf := range leaves {
		if err := m.ident.SetControlFtr(leaf, n, val); err != nil {
			return err
		}
	}
	return nil
}

// SetControlAll overrides a control feature in every leaf.
func (m *Model) SetControlAll(ftrID int, val float64) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.SetControl(m.tree.Root(), ftrID, val)
}

// ResetControl removes the override of a feature in every leaf of a node.
func (m *Model) ResetControl(id, ftrID int) error {
	n, err := m.controlN(ftrID)
	if err != nil {
		return err
	}
	leaves, err := m.leaves(id)
	if err != nil {
		return err
	}
	for _, leaf := range leaves {
		if err := m.ident.ClearControlFtr(leaf, n); err != nil {
			return err
		}
	}
	return nil
}

// ResetControls removes every override in the leaves of a node.
func (m *Model) ResetControls(id int) error {
	for n := range m.spaces.Contr {
		if err := m.ResetControl(id, len(m.spaces.Obs)+n); err != nil {
			return err
		}
	}
	return nil
}

// ResetAllControls removes every override.
func (m *Model) ResetAllControls() { m.ident.ClearControlFtrs() }

// IsAnyControlSet reports whether some override is active.
func (m *Model) IsAnyControlSet() bool { return m.ready && m.ident.IsAnyControlFtrSet() }

// Control returns the control value of a leaf and whether it is overridden.
func (m *Model) Control(leaf, ftrID int) (float64, bool, error) {
	n, err := m.controlN(ftrID)
	if err != nil {
		return 0, false, err
	}
	if err := m.check(); err != nil {
		return 0, false, err
	}
	return m.ident.ControlFtr(leaf, n)
}

// #endregion

// #region activities

// AddActivity registers a sequence of steps; each step is a set of nodes
// matched through their leaves.
func (m *Model) AddActivity(name string, steps [][]int) error {
	if err := m.check(); err != nil {
		return err
	}
	leafSteps := make([][]int, len(steps))
	for n, step := range steps {
		for _, id := range step {
			leaves, err := m.tree.LeafDescendants(id)
			if err != nil {
				return fmt.Errorf("activity %q step %d: %w", name, n, err)
			}
			leafSteps[n] = append(leafSteps[n], leaves...)
		}
	}
	return m.acts.Add(name, leafSteps)
}

// RemoveActivity drops an activity.
func (m *Model) RemoveActivity(name string) error { return m.acts.Remove(name) }

// Activities lists the registered activities.
func (m *Model) Activities() []activity.Summary { return m.acts.Activities() }

// #endregion

// #region levels

// Levels summarises the chain at every UI height, lowest first.
func (m *Model) Levels() ([]Level, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	heights := m.tree.UIHeights()
	out := make([]Level, len(heights))
	for hn, height := range heights {
		lv, err := m.level(height, hn, heights)
		if err != nil {
			return nil, fmt.Errorf("level %g: %w", height, err)
		}
		out[hn] = lv
	}
	return out, nil
}

func (m *Model) level(height float64, hn int, heights []float64) (Level, error) {
	ids, sets, ftrs, err := m.atHeight(height)
	if err != nil {
		return Level{}, err
	}
	pi, err := m.chain.StatDist(sets, ftrs)
	if err != nil {
		return Level{}, err
	}
	hold, err := m.chain.HoldingTimes(sets, ftrs)
	if err != nil {
		return Level{}, err
	}
	jump, err := m.chain.JumpMatrix(sets, ftrs)
	if err != nil {
		return Level{}, err
	}

	lv := Level{Height: height, States: make([]LevelState, len(ids)), Jump: make([][]float64, len(ids))}
	for k, id := range ids {
		parent := id
		if hn+1 < len(heights) {
			if parent, err = m.tree.AncestorAtHeight(id, heights[hn+1]); err != nil {
				return Level{}, err
			}
		}
		coords, err := m.ui.Coords(id)
		if err != nil {
			return Level{}, err
		}
		autoName, err := m.ui.AutoName(id)
		if err != nil {
			return Level{}, err
		}
		label, _ := m.tree.Label(id)
		name, _ := m.tree.Name(id)
		lv.States[k] = LevelState{
			ID:          id,
			Parent:      parent,
			Coords:      coords,
			Radius:      visual.Radius(pi[k]),
			Prob:        pi[k],
			HoldingTime: hold[k],
			Target:      m.tree.IsTarget(id),
			Label:       label,
			Name:        name,
			AutoName:    autoName,
		}
		lv.Jump[k] = mat.Row(nil, k, jump)
	}
	return lv, nil
}

// #endregion
