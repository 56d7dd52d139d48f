package activity

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
)

func logger() *slog.Logger { return slog.With("component", "activity") }

// #region types
// Detection is a completed match of an activity.
type Detection struct {
	Name  string
	Start int64
	End   int64
}

// Summary describes a registered activity.
type Summary struct {
	Name  string
	Steps int
}

// Entry is one stay in a step; End is math.MaxInt64 while the stay is open.
type Entry struct {
	Start int64
	End   int64
	Step  int
}

// Activity is an ordered sequence of steps. Every step is a set of
// equivalent leaf states and equal sets share a step id.
type Activity struct {
	Seq     []int
	Steps   [][]int
	History []Entry
}

// Snapshot is the serialisable form of a Detector. Open histories are
// not kept.
type Snapshot struct {
	Activities map[string]Activity
}

var (
	// ErrDuplicate is returned when an activity name is already in use.
	ErrDuplicate = errors.New("activity: already present")
	// ErrUnknown is returned for names that were never added.
	ErrUnknown = errors.New("activity: not present")
)

// #endregion types

// #region activity
func newActivity(steps [][]int) (*Activity, error) {
	if len(steps) == 0 {
		return nil, errors.New("activity needs at least one step")
	}
	a := &Activity{}
	for n, step := range steps {
		if len(step) == 0 {
			return nil, fmt.Errorf("step %d is empty", n)
		}
		set := slices.Clone(step)
		slices.Sort(set)
		set = slices.Compact(set)
		id := a.findStep(set)
		if id < 0 {
			a.Steps = append(a.Steps, set)
			id = len(a.Steps) - 1
		}
		a.Seq = append(a.Seq, id)
	}
	return a, nil
}

func (a *Activity) findStep(set []int) int {
	for id, s := range a.Steps {
		if slices.Equal(s, set) {
			return id
		}
	}
	return -1
}

// StepOf returns the step containing the leaf state, or -1.
func (a *Activity) StepOf(state int) int {
	for id, s := range a.Steps {
		if _, ok := slices.BinarySearch(s, state); ok {
			return id
		}
	}
	return -1
}

// Update records a move to state at tm. It reports whether the step changed.
func (a *Activity) Update(tm int64, state int) bool {
	step := a.StepOf(state)
	if n := len(a.History); n > 0 {
		if a.History[n-1].Step == step {
			return false
		}
		a.History[n-1].End = tm
	}
	a.History = append(a.History, Entry{Start: tm, End: math.MaxInt64, Step: step})
	if over := len(a.History) - (len(a.Seq) + 1); over > 0 {
		a.History = slices.Delete(a.History, 0, over)
	}
	return true
}

// Detect checks whether the closed part of the history follows the
// sequence. A match evicts the oldest entry so it fires once.
func (a *Activity) Detect() (int64, int64, bool) {
	if len(a.History) != len(a.Seq)+1 {
		return 0, 0, false
	}
	for n, step := range a.Seq {
		if a.History[n].Step != step {
			return 0, 0, false
		}
	}
	start, end := a.History[0].Start, a.History[len(a.Seq)-1].End
	a.History = slices.Delete(a.History, 0, 1)
	return start, end, true
}

// #endregion activity

// #region detector
// Detector matches the stream of leaf states against named activities.
type Detector struct {
	activities map[string]*Activity
}

// New creates a detector without activities.
func New() *Detector {
	return &Detector{activities: map[string]*Activity{}}
}

// Add registers an activity. Each step is a set of leaf states.
func (d *Detector) Add(name string, steps [][]int) error {
	if _, ok := d.activities[name]; ok {
		return fmt.Errorf("add %q: %w", name, ErrDuplicate)
	}
	a, err := newActivity(steps)
	if err != nil {
		return fmt.Errorf("add %q: %w", name, err)
	}
	d.activities[name] = a
	logger().Info("activity added", "name", name, "steps", len(a.Seq), "unique_steps", len(a.Steps))
	return nil
}

// Remove drops an activity.
func (d *Detector) Remove(name string) error {
	if _, ok := d.activities[name]; !ok {
		return fmt.Errorf("remove %q: %w", name, ErrUnknown)
	}
	delete(d.activities, name)
	return nil
}

// Activities lists the registered activities by name.
func (d *Detector) Activities() []Summary {
	out := make([]Summary, 0, len(d.activities))
	for name, a := range d.activities {
		out = append(out, Summary{Name: name, Steps: len(a.Seq)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Empty reports whether no activity is registered.
func (d *Detector) Empty() bool { return len(d.activities) == 0 }

// OnStateChanged feeds a new leaf state to every activity and returns the
// matches it completed, ordered by name.
func (d *Detector) OnStateChanged(tm int64, state int) []Detection {
	var out []Detection
	for _, s := range d.Activities() {
		a := d.activities[s.Name]
		if !a.Update(tm, state) {
			continue
		}
		if start, end, ok := a.Detect(); ok {
			logger().Info("activity detected", "name", s.Name, "start", start, "end", end)
			out = append(out, Detection{Name: s.Name, Start: start, End: end})
		}
	}
	return out
}

// #endregion detector

// #region snapshot
// Snapshot returns the registered activities without their histories.
func (d *Detector) Snapshot() Snapshot {
	s := Snapshot{Activities: make(map[string]Activity, len(d.activities))}
	for name, a := range d.activities {
		s.Activities[name] = Activity{Seq: a.Seq, Steps: a.Steps}
	}
	return s
}

// Restore rebuilds a detector from a snapshot.
func Restore(s Snapshot) (*Detector, error) {
	d := New()
	for name, a := range s.Activities {
		for _, id := range a.Seq {
			if id < 0 || id >= len(a.Steps) {
				return nil, fmt.Errorf("restore %q: step id %d out of range", name, id)
			}
		}
		d.activities[name] = &Activity{Seq: a.Seq, Steps: a.Steps}
	}
	return d, nil
}

// #endregion snapshot
