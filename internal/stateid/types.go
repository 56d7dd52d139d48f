package stateid

import (
	"errors"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/cluster"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
)

// #region config
// Config controls clustering and histogram construction.
type Config struct {
	Clustering cluster.Config `yaml:"clustering"`
	// HistBins is the number of bins of numeric feature histograms.
	HistBins int `yaml:"hist_bins"`
	// Sample selects the instances used for clustering: 1 uses all, a value
	// in (0,1) a fraction and a value above 1 an absolute count.
	Sample              float64 `yaml:"sample"`
	IncludeTimeFeatures bool    `yaml:"include_time_features"`
	// OutlierFactor marks a record as an outlier when its distance to the
	// nearest centroid exceeds this multiple of the state's mean distance.
	// Zero disables outlier detection.
	OutlierFactor float64 `yaml:"outlier_factor"`
	Seed          uint64  `yaml:"seed"`
}

// DefaultConfig returns 20-bin histograms over k-means states.
func DefaultConfig() Config {
	return Config{
		Clustering: cluster.DefaultConfig(),
		HistBins:   20,
		Sample:     1,
		Seed:       1,
	}
}

// #endregion config

// #region input
// Input holds the training records, one row per record.
type Input struct {
	Times []int64
	Obs   [][]float64
	Contr [][]float64
	Ign   [][]float64
}

// Len is the number of records.
func (in Input) Len() int { return len(in.Times) }

// #endregion input

// #region time-hist
// TimeHist selects one of the cyclic time histograms kept per state.
type TimeHist int

const (
	HourOfDay TimeHist = iota
	DayOfWeek
	DayOfMonth
	MonthOfYear
)

func (k TimeHist) String() string {
	switch k {
	case HourOfDay:
		return "day"
	case DayOfWeek:
		return "week"
	case DayOfMonth:
		return "month"
	case MonthOfYear:
		return "year"
	}
	return "unknown"
}

// timeHistBins is the resolution of the long-range time histogram.
const timeHistBins = 10000

// #endregion time-hist

// #region errors
var (
	// ErrTimeFeature is returned for histogram requests on time features.
	ErrTimeFeature = errors.New("stateid: histograms unsupported for time features")
	// ErrInvalidState is returned for out-of-range state ids.
	ErrInvalidState = errors.New("stateid: invalid state id")
)

// #endregion errors

// #region snapshot
// Snapshot is the serialisable form of an Identifier.
type Snapshot struct {
	Config         Config
	Spaces         ftr.Spaces
	Unit           ftr.TimeUnit
	Centroids      [][]float64
	ContrCentroids [][]float64
	IgnCentroids   [][]float64
	Sizes          []int
	DistSums       []float64
	Hists          [3][][]ftr.Histogram
	LongHists      []ftr.Histogram
	CycleHists     [4][]ftr.Histogram
	Overrides      [][]float64
}

// #endregion snapshot
