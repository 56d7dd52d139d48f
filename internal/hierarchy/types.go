package hierarchy

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// #region config
// Config selects how the tree is built.
type Config struct {
	// TransitionBased partitions the Markov chain instead of merging
	// centroids.
	TransitionBased bool `yaml:"transition_based"`
	// HistCacheSize is the number of past states kept per height.
	HistCacheSize int    `yaml:"hist_cache_size"`
	Seed          uint64 `yaml:"seed"`
}

// DefaultConfig returns a distance-based hierarchy remembering the current
// and the previous state.
func DefaultConfig() Config {
	return Config{HistCacheSize: 2, Seed: 1}
}

// #endregion config

// #region types
// Chain exposes the generator of the fitted Markov chain to the builder.
type Chain interface {
	// LeafQ returns the generator over the leaf states.
	LeafQ() (*mat.Dense, error)
	// QMatrix returns the generator aggregated onto sets of leaves.
	QMatrix(sets [][]int) (*mat.Dense, error)
}

// IDHeight pairs a node with the height it is viewed at.
type IDHeight struct {
	ID     int
	Height float64
}

// Block is one stretch of the state history: from Start for Dur
// milliseconds, spent in the states of Dist with the given shares.
type Block struct {
	Start int64
	Dur   int64
	Dist  map[int]float64
}

// ScaleHistory holds the history blocks of one UI height.
type ScaleHistory struct {
	Height float64
	Blocks []Block
}

// Entry is a change of the active node at a UI height.
type Entry struct {
	Tm    int64
	State int
}

// #endregion types

// #region errors
var (
	// ErrInvalidState is returned for node ids outside the tree.
	ErrInvalidState = errors.New("hierarchy: invalid state id")
	// ErrNotInitialized is returned by queries before Init.
	ErrNotInitialized = errors.New("hierarchy: not initialized")
)

// #endregion errors

// #region snapshot
// Snapshot is the serialisable form of a Hierarchy.
type Snapshot struct {
	Config        Config
	Parents       []int
	Heights       []float64
	NLeafs        int
	UniqueHeights []float64
	UIHeights     []float64
	PastStates    [][]int
	History       [][]Entry
	Names         []string
	Labels        []string
	Targets       []IDHeight
}

// #endregion snapshot
