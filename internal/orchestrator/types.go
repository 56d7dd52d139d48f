package orchestrator

// #region imports
import (
	"errors"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/activity"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ctmc"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/explain"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/hierarchy"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/stateid"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/visual"
)

// #endregion

// #region config

// Config gathers the settings of every component of a model.
type Config struct {
	Unit      ftr.TimeUnit     `yaml:"time_unit"`
	StateID   stateid.Config   `yaml:"state_id"`
	Chain     ctmc.Config      `yaml:"chain"`
	Hierarchy hierarchy.Config `yaml:"hierarchy"`
	Visual    visual.Config    `yaml:"visual"`
	Explain   explain.Config   `yaml:"explain"`
}

// DefaultConfig returns hourly intensities over the component defaults.
func DefaultConfig() Config {
	return Config{
		Unit:      ftr.Hour,
		StateID:   stateid.DefaultConfig(),
		Chain:     ctmc.DefaultConfig(),
		Hierarchy: hierarchy.DefaultConfig(),
		Visual:    visual.DefaultConfig(),
		Explain:   explain.DefaultConfig(),
	}
}

// #endregion

// #region dataset

// Dataset holds the training records, one row per record. BatchEnd is
// optional; a true entry marks the last record of a batch.
type Dataset struct {
	Times    []int64
	Obs      [][]float64
	Contr    [][]float64
	Ign      [][]float64
	BatchEnd []bool
}

// Len is the number of records.
func (d Dataset) Len() int { return len(d.Times) }

// #endregion

// #region listener

// Listener receives the events of the online model. Callbacks run on the
// goroutine calling OnAddRec.
type Listener interface {
	OnStateChanged(tm int64, states []hierarchy.IDHeight)
	OnAnomaly(tm int64, from, to int)
	OnOutlier(tm int64, obs []float64)
	OnPrediction(tm int64, pred ctmc.Prediction)
	OnActivityDetected(d activity.Detection)
	OnProgress(percent int, msg string)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) OnStateChanged(int64, []hierarchy.IDHeight) {}
func (NopListener) OnAnomaly(int64, int, int)                 {}
func (NopListener) OnOutlier(int64, []float64)                {}
func (NopListener) OnPrediction(int64, ctmc.Prediction)       {}
func (NopListener) OnActivityDetected(activity.Detection)     {}
func (NopListener) OnProgress(int, string)                    {}

// #endregion

// #region levels

// LevelState is one node of a resolution level as shown to a user.
type LevelState struct {
	ID          int
	Parent      int
	Coords      visual.Point
	Radius      float64
	Prob        float64
	HoldingTime float64
	Target      bool
	Label       string
	Name        string
	AutoName    visual.AutoName
}

// Level summarises the chain at one UI height. Jump is the jump matrix
// between the level's states in order.
type Level struct {
	Height float64
	States []LevelState
	Jump   [][]float64
}

// #endregion

// #region errors

var (
	// ErrNotInitialized is returned before Init or Load.
	ErrNotInitialized = errors.New("orchestrator: model not initialized")
	// ErrNotControl is returned when a feature id is outside the control space.
	ErrNotControl = errors.New("orchestrator: not a control feature")
)

// #endregion

// #region snapshot

// Snapshot is the gob-encoded form of a Model.
type Snapshot struct {
	Config     Config
	Spaces     ftr.Spaces
	Ident      stateid.Snapshot
	Chain      ctmc.Snapshot
	Tree       hierarchy.Snapshot
	Visual     visual.Snapshot
	Explain    explain.Snapshot
	Activities activity.Snapshot
	LastState  int
	LastTm     int64
}

// #endregion
