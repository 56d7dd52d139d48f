package orchestrator

// #region imports
import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/metrics"
)

// #endregion

// #region on-add-rec

// OnAddRec processes one record of the stream. Anomalies, outliers,
// predictions, activities and state changes go to the listener; only
// invalid input is returned as an error.
func (m *Model) OnAddRec(tm int64, obs, contr []float64) error {
	if !m.ready {
		return ErrNotInitialized
	}
	if want := ftr.Dim(m.spaces.Contr); len(contr) != want {
		return fmt.Errorf("add record: control vector has length %d, want %d", len(contr), want)
	}
	start := time.Now()
	defer func() { m.metrics.RecordAdded(time.Since(start)) }()

	state, err := m.ident.AssignOrOutlier(tm, obs)
	if err != nil {
		return fmt.Errorf("add record: %w", err)
	}
	if state < 0 {
		logger().Debug("outlier", "tm", tm)
		m.metrics.Event(metrics.EventOutlier)
		m.listener.OnOutlier(tm, obs)
		return nil
	}

	old := m.lastState
	if state != old {
		if err := m.onStateChanged(tm, old, state, contr); err != nil {
			return fmt.Errorf("add record: %w", err)
		}
	}
	if err := m.ident.Observe(tm, state, obs, contr); err != nil {
		return fmt.Errorf("add record: %w", err)
	}
	m.lastState = state
	m.lastTm = tm
	return nil
}

func (m *Model) onStateChanged(tm int64, old, state int, contr []float64) error {
	if old >= 0 {
		anomalous, err := m.chain.IsAnomalousJump(contr, state, old)
		if err != nil {
			return err
		}
		if anomalous {
			logger().Info("anomalous jump", "from", old, "to", state)
			m.metrics.Event(metrics.EventAnomaly)
			m.listener.OnAnomaly(tm, old, state)
		}
	}

	if err := m.chain.OnAddRec(state, tm, false); err != nil {
		return err
	}
	if err := m.tree.UpdateHistory(tm, state); err != nil {
		return err
	}
	for _, d := range m.acts.OnStateChanged(tm, state) {
		m.metrics.Event(metrics.EventActivity)
		m.listener.OnActivityDetected(d)
	}
	if err := m.predictTargets(tm, state); err != nil {
		return err
	}

	current, err := m.tree.CurrentStates()
	if err != nil {
		return err
	}
	m.metrics.Event(metrics.EventStateChanged)
	m.listener.OnStateChanged(tm, current)
	return nil
}

// predictTargets estimates the hitting time of every target the stream is
// not already in.
func (m *Model) predictTargets(tm int64, leaf int) error {
	targets := m.tree.Targets()
	if len(targets) == 0 {
		return nil
	}
	stateFtrs := m.ident.ControlFeatures()
	for _, trg := range targets {
		curr, err := m.tree.AncestorAtHeight(leaf, trg.Height)
		if err != nil {
			return err
		}
		if curr == trg.ID {
			continue
		}
		ids, sets, err := m.tree.StateSetsAtHeight(trg.Height)
		if err != nil {
			return err
		}
		pred, ok, err := m.chain.PredictOccurrence(stateFtrs, sets, ids, curr, trg.ID)
		if err != nil {
			return err
		}
		if ok {
			m.metrics.Event(metrics.EventPrediction)
			m.listener.OnPrediction(tm, pred)
		}
	}
	return nil
}

// #endregion

// #region last-record

// LastState returns the leaf of the last processed record, -1 before any.
func (m *Model) LastState() int { return m.lastState }

// LastTime returns the time of the last processed record.
func (m *Model) LastTime() int64 { return m.lastTm }

// #endregion
