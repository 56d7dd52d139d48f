package orchestrator

// #region imports
import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/activity"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ctmc"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/explain"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/hierarchy"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/stateid"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/visual"
)

// #endregion

// #region save

// Snapshot returns the serialisable state of the model.
func (m *Model) Snapshot() (Snapshot, error) {
	if err := m.check(); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Config:     m.cfg,
		Spaces:     m.spaces,
		Ident:      m.ident.Snapshot(),
		Chain:      m.chain.Snapshot(),
		Tree:       m.tree.Snapshot(),
		Visual:     m.ui.Snapshot(),
		Explain:    m.expl.Snapshot(),
		Activities: m.acts.Snapshot(),
		LastState:  m.lastState,
		LastTm:     m.lastTm,
	}, nil
}

// Save writes the whole model as one gob stream.
func (m *Model) Save(w io.Writer) error {
	snap, err := m.Snapshot()
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

// #endregion

// #region load

// Restore rebuilds a model from a snapshot. The listener and metrics are
// not part of it.
func Restore(s Snapshot) (*Model, error) {
	m, err := New(s.Config, s.Spaces)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	if m.ident, err = stateid.Restore(s.Ident); err != nil {
		return nil, fmt.Errorf("restore state identifier: %w", err)
	}
	if m.chain, err = ctmc.Restore(s.Chain); err != nil {
		return nil, fmt.Errorf("restore transition model: %w", err)
	}
	if m.tree, err = hierarchy.Restore(s.Tree); err != nil {
		return nil, fmt.Errorf("restore hierarchy: %w", err)
	}
	if m.ui, err = visual.Restore(s.Visual); err != nil {
		return nil, fmt.Errorf("restore layout: %w", err)
	}
	if m.expl, err = explain.Restore(s.Explain); err != nil {
		return nil, fmt.Errorf("restore explanations: %w", err)
	}
	if m.acts, err = activity.Restore(s.Activities); err != nil {
		return nil, fmt.Errorf("restore activities: %w", err)
	}
	if m.tree.Leafs() != m.ident.States() || m.chain.States() != m.ident.States() {
		return nil, fmt.Errorf("restore: %d leaves, %d chain states, %d identified states",
			m.tree.Leafs(), m.chain.States(), m.ident.States())
	}
	m.lastState = s.LastState
	m.lastTm = s.LastTm
	m.ready = true
	return m, nil
}

// Load reads a model written by Save.
func Load(r io.Reader) (*Model, error) {
	var s Snapshot
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return Restore(s)
}

// #endregion
