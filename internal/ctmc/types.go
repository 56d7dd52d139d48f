package ctmc

import "github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"

// #region config
// Config holds the prediction settings of the transition modeller.
// Horizon is expressed in time units.
type Config struct {
	Horizon             float64 `yaml:"horizon"`
	PredictionThreshold float64 `yaml:"prediction_threshold"`
	PdfBins             int     `yaml:"pdf_bins"`
	RegFactor           float64 `yaml:"reg_factor"`
	HiddenState         bool    `yaml:"hidden_state"`
}

// DefaultConfig returns a one-unit horizon and a 0.5 threshold.
func DefaultConfig() Config {
	return Config{
		Horizon:             1,
		PredictionThreshold: .5,
		PdfBins:             100,
		RegFactor:           1e-3,
	}
}

// #endregion config

// #region results
// StateProb pairs a state id with a probability.
type StateProb struct {
	ID   int
	Prob float64
}

// Prediction is the hitting-time estimate towards a target state.
type Prediction struct {
	From, To int
	Prob     float64
	Times    []float64
	Pdf      []float64
}

// #endregion results

// #region snapshot
// Snapshot is the serialisable form of a Modeller.
type Snapshot struct {
	Config       Config
	Unit         ftr.TimeUnit
	NStates      int
	Intens       Intensities
	HiddenCounts []float64
	CurrState    int
	PrevTm       int64
}

// #endregion snapshot
