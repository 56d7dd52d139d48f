package replay

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/activity"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ctmc"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/hierarchy"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/metrics"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/orchestrator"
	"gonum.org/v1/gonum/stat"
)

// #region types

// ReplayResult captures the outcome of one stream record.
type ReplayResult struct {
	Index int
	Time  int64
	// Leaf is the leaf after the record; an outlier leaves it unchanged.
	Leaf    int
	Events  []string
	Latency time.Duration
}

// HasEvent reports whether the record emitted an event of the kind.
func (r ReplayResult) HasEvent(kind string) bool { return slices.Contains(r.Events, kind) }

// ReplaySummary provides aggregate stats from a replay run. Dwell times are
// in the model's time unit and count only stays both entered and left
// during the replay.
type ReplaySummary struct {
	Records      int
	StateChanges int
	Outliers     int
	Anomalies    int
	Predictions  int
	Activities   int
	FinalLeaf    int
	MeanDwell    float64
	StdDwell     float64
	Occupancy    map[int]float64
	MeanLatency  time.Duration
}

// #endregion types

// #region recorder

// recorder collects the events of the record being replayed and forwards
// every callback to next.
type recorder struct {
	next   orchestrator.Listener
	events []string
}

func (r *recorder) OnStateChanged(tm int64, s []hierarchy.IDHeight) {
	r.events = append(r.events, metrics.EventStateChanged)
	r.next.OnStateChanged(tm, s)
}

func (r *recorder) OnAnomaly(tm int64, from, to int) {
	r.events = append(r.events, metrics.EventAnomaly)
	r.next.OnAnomaly(tm, from, to)
}

func (r *recorder) OnOutlier(tm int64, obs []float64) {
	r.events = append(r.events, metrics.EventOutlier)
	r.next.OnOutlier(tm, obs)
}

func (r *recorder) OnPrediction(tm int64, p ctmc.Prediction) {
	r.events = append(r.events, metrics.EventPrediction)
	r.next.OnPrediction(tm, p)
}

func (r *recorder) OnActivityDetected(d activity.Detection) {
	r.events = append(r.events, metrics.EventActivity)
	r.next.OnActivityDetected(d)
}

func (r *recorder) OnProgress(p int, msg string) { r.next.OnProgress(p, msg) }

// #endregion recorder

// #region replay

// Replay feeds records to an initialized model in order. Events also reach
// next when it is not nil; the model keeps next as its listener afterwards.
func Replay(ctx context.Context, m *orchestrator.Model, records []FixtureRecord, next orchestrator.Listener) ([]ReplayResult, error) {
	if next == nil {
		next = orchestrator.NopListener{}
	}
	rec := &recorder{next: next}
	m.SetListener(rec)
	defer m.SetListener(next)

	results := make([]ReplayResult, 0, len(records))
	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		rec.events = nil
		start := time.Now()
		if err := m.OnAddRec(r.Time, r.Obs, orEmpty(r.Contr)); err != nil {
			return results, fmt.Errorf("record %d: %w", i, err)
		}
		results = append(results, ReplayResult{
			Index:   i,
			Time:    r.Time,
			Leaf:    m.LastState(),
			Events:  rec.events,
			Latency: time.Since(start),
		})
	}
	return results, nil
}

// Build trains the fixture's model and installs its targets and activities.
func Build(ctx context.Context, f *Fixture, l orchestrator.Listener) (*orchestrator.Model, error) {
	cfg, err := f.Config.ToConfig()
	if err != nil {
		return nil, fmt.Errorf("fixture config: %w", err)
	}
	m, err := orchestrator.New(cfg, f.Spaces)
	if err != nil {
		return nil, err
	}
	m.SetListener(l)
	if err := m.Init(ctx, f.Dataset()); err != nil {
		return nil, err
	}
	for _, obs := range f.TargetObs {
		leaf, err := m.LeafOf(obs)
		if err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
		if err := m.SetTarget(leaf, true); err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
	}
	for _, a := range f.Activities {
		steps := make([][]int, len(a.Steps))
		for i, step := range a.Steps {
			for _, obs := range step {
				leaf, err := m.LeafOf(obs)
				if err != nil {
					return nil, fmt.Errorf("activity %s: %w", a.Name, err)
				}
				steps[i] = append(steps[i], leaf)
			}
		}
		if err := m.AddActivity(a.Name, steps); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Run builds the fixture's model and replays its stream.
func Run(ctx context.Context, f *Fixture, l orchestrator.Listener) (*orchestrator.Model, []ReplayResult, error) {
	m, err := Build(ctx, f, l)
	if err != nil {
		return nil, nil, err
	}
	results, err := Replay(ctx, m, f.Stream, l)
	return m, results, err
}

// Expected turns replay results into expectations, one per record with
// events.
func Expected(results []ReplayResult) []FixtureExpectedResult {
	var out []FixtureExpectedResult
	for _, r := range results {
		if len(r.Events) == 0 {
			continue
		}
		out = append(out, FixtureExpectedResult{Index: r.Index, Events: slices.Clone(r.Events)})
	}
	return out
}

// Check compares results with the fixture's expectations. Records absent
// from the expectations must not emit events.
func Check(f *Fixture, results []ReplayResult) []string {
	want := make(map[int]FixtureExpectedResult, len(f.ExpectedResults))
	for _, e := range f.ExpectedResults {
		want[e.Index] = e
	}
	var mismatches []string
	for _, r := range results {
		e, ok := want[r.Index]
		if !slices.Equal(e.Events, r.Events) && (ok || len(r.Events) > 0) {
			mismatches = append(mismatches, fmt.Sprintf("record %d: events %v, want %v", r.Index, r.Events, e.Events))
		}
		if ok && e.Leaf != nil && *e.Leaf != r.Leaf {
			mismatches = append(mismatches, fmt.Sprintf("record %d: leaf %d, want %d", r.Index, r.Leaf, *e.Leaf))
		}
		delete(want, r.Index)
	}
	for idx := range want {
		mismatches = append(mismatches, fmt.Sprintf("record %d: expected but not replayed", idx))
	}
	slices.Sort(mismatches)
	return mismatches
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult, unit ftr.TimeUnit) ReplaySummary {
	s := ReplaySummary{
		Records:   len(results),
		FinalLeaf: -1,
		Occupancy: map[int]float64{},
	}
	if len(results) == 0 {
		return s
	}

	var dwells []float64
	var latency time.Duration
	var enteredAt int64
	entered := false
	counted := 0
	for _, r := range results {
		latency += r.Latency
		for _, kind := range r.Events {
			switch kind {
			case metrics.EventStateChanged:
				s.StateChanges++
			case metrics.EventOutlier:
				s.Outliers++
			case metrics.EventAnomaly:
				s.Anomalies++
			case metrics.EventPrediction:
				s.Predictions++
			case metrics.EventActivity:
				s.Activities++
			}
		}
		if r.HasEvent(metrics.EventStateChanged) {
			if entered {
				dwells = append(dwells, float64(r.Time-enteredAt)/float64(unit))
			}
			enteredAt, entered = r.Time, true
		}
		if r.Leaf >= 0 && !r.HasEvent(metrics.EventOutlier) {
			s.Occupancy[r.Leaf]++
			counted++
		}
	}
	for leaf := range s.Occupancy {
		s.Occupancy[leaf] /= float64(counted)
	}
	if len(dwells) > 0 {
		s.MeanDwell, s.StdDwell = stat.MeanStdDev(dwells, nil)
		if len(dwells) == 1 {
			s.StdDwell = 0
		}
	}
	s.FinalLeaf = results[len(results)-1].Leaf
	s.MeanLatency = latency / time.Duration(len(results))
	return s
}

// #endregion replay
