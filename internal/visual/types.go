package visual

import (
	"errors"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/stateid"
)

// #region config
// Config tunes the layout relaxation and the auto-name statistics.
type Config struct {
	Seed uint64 `yaml:"seed"`
	// MaxRefineIter caps the overlap relaxation rounds.
	MaxRefineIter int `yaml:"max_refine_iter"`
	// MCTrials is the number of Monte-Carlo draws behind a categorical p-value.
	MCTrials int `yaml:"mc_trials"`
}

// DefaultConfig returns the settings used by the engine.
func DefaultConfig() Config {
	return Config{Seed: 1, MaxRefineIter: 1000, MCTrials: 1000}
}

const (
	stepFactor       = 1e-2
	initRadiusFactor = 1.1
	stateOccupancy   = .5

	lowestPValue = .125
	lowPValue    = .25
	// statePercentile is the cumulative point of a state's histogram
	// compared against the global distribution; 1-statePercentile is the
	// upper one.
	statePercentile = .4

	maxPeaks    = 1
	minPeakMass = .7
)

// #endregion config

// #region inputs
// Identifier is the part of the state identifier the helper reads.
type Identifier interface {
	ObsCentroids() [][]float64
	Spaces() ftr.Spaces
	Histogram(ftrID int, states []int, normalize bool) ([]float64, []float64, error)
	TimeHistogram(states []int, kind stateid.TimeHist) ([]int, []float64, error)
}

// Tree is the part of the hierarchy the helper reads.
type Tree interface {
	States() int
	Leafs() int
	LeafDescendants(id int) ([]int, error)
	UniqueHeights() []float64
	StateSetsAtHeight(height float64) ([]int, [][]int, error)
}

// StatDistFunc returns the stationary distribution over sets of leaves.
type StatDistFunc func(sets [][]int) ([]float64, error)

// #endregion inputs

// #region outputs
// Point is a position on the 2-D canvas.
type Point struct {
	X float64
	Y float64
}

// Level grades how far a numeric feature of a state sits from the global
// distribution.
type Level int

const (
	Lowest Level = iota
	Low
	Medium
	High
	Highest
)

func (l Level) String() string {
	switch l {
	case Lowest:
		return "lowest"
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Highest:
		return "highest"
	}
	return "unknown"
}

// TimeDesc is a single circular run of busy bins in a time histogram.
// Start and End are bin indices, End may wrap below Start.
type TimeDesc struct {
	Hist  stateid.TimeHist
	Start int
	End   int
}

// AutoName describes the feature that distinguishes a state. Type is
// ftr.Time when the name comes from a periodic description.
type AutoName struct {
	FtrID  int
	Type   ftr.Type
	PValue float64
	Level  Level    // numeric
	Bin    int      // categorical
	Period TimeDesc // time
}

// Snapshot is the serialisable form of a Helper.
type Snapshot struct {
	Config    Config
	Coords    []Point
	AutoNames []AutoName
	Descs     [][]AutoName
	TimeDescs [][]TimeDesc
}

// ErrNotInitialized is returned by queries before Init.
var ErrNotInitialized = errors.New("visual: not initialized")

// #endregion outputs
