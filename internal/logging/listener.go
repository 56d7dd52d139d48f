package logging

// #region imports
import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/activity"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ctmc"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/hierarchy"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/metrics"
)

// #endregion

// #region listener

// EventListener writes the events of the online model to event_log, tagged
// with the active model version. Write failures are logged, not returned.
type EventListener struct {
	db *sql.DB

	mu      sync.Mutex
	version string
}

// NewEventListener logs into db, which must carry the event_log table.
func NewEventListener(db *sql.DB) *EventListener {
	return &EventListener{db: db}
}

// SetVersion tags subsequent events with a model version id.
func (l *EventListener) SetVersion(id string) {
	l.mu.Lock()
	l.version = id
	l.mu.Unlock()
}

// Version returns the id events are currently tagged with.
func (l *EventListener) Version() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

func (l *EventListener) OnStateChanged(tm int64, states []hierarchy.IDHeight) {
	type node struct {
		ID     int     `json:"id"`
		Height float64 `json:"height"`
	}
	nodes := make([]node, len(states))
	for i, s := range states {
		nodes[i] = node{s.ID, s.Height}
	}
	leaf := -1
	if len(states) > 0 {
		leaf = states[0].ID
	}
	l.log(metrics.EventStateChanged, tm, leaf, map[string]any{"states": nodes})
}

func (l *EventListener) OnAnomaly(tm int64, from, to int) {
	l.log(metrics.EventAnomaly, tm, to, map[string]any{"from": from, "to": to})
}

func (l *EventListener) OnOutlier(tm int64, obs []float64) {
	l.log(metrics.EventOutlier, tm, -1, map[string]any{"obs": obs})
}

func (l *EventListener) OnPrediction(tm int64, p ctmc.Prediction) {
	l.log(metrics.EventPrediction, tm, p.From, map[string]any{"from": p.From, "to": p.To, "prob": p.Prob})
}

func (l *EventListener) OnActivityDetected(d activity.Detection) {
	l.log(metrics.EventActivity, d.End, -1, map[string]any{"name": d.Name, "start": d.Start, "end": d.End})
}

func (l *EventListener) OnProgress(percent int, msg string) {
	slog.Info("[init] "+msg, "component", "logging", "percent", percent)
}

func (l *EventListener) log(kind string, tm int64, state int, detail any) {
	b, err := json.Marshal(detail)
	if err != nil {
		slog.Warn("marshal event", "component", "logging", "kind", kind, "err", err)
		return
	}
	l.mu.Lock()
	version := l.version
	l.mu.Unlock()
	err = LogEvent(l.db, Event{VersionID: version, Kind: kind, RecordTm: tm, State: state, DetailJSON: string(b)})
	if err != nil {
		slog.Warn("event not logged", "component", "logging", "kind", kind, "err", err)
	}
}

// #endregion
