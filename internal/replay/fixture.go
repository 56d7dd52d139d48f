package replay

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/orchestrator"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture: a feature
// layout, a training set and a stream replayed against the trained model.
type Fixture struct {
	Description     string                  `json:"description"`
	Spaces          ftr.Spaces              `json:"spaces"`
	Config          FixtureConfig           `json:"config"`
	Init            []FixtureRecord         `json:"init"`
	Stream          []FixtureRecord         `json:"stream"`
	TargetObs       [][]float64             `json:"target_obs,omitempty"`
	Activities      []FixtureActivity       `json:"activities,omitempty"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureRecord is one record of either set.
type FixtureRecord struct {
	Time     int64     `json:"time"`
	Obs      []float64 `json:"obs"`
	Contr    []float64 `json:"contr,omitempty"`
	Ign      []float64 `json:"ign,omitempty"`
	BatchEnd bool      `json:"batch_end,omitempty"`
}

// FixtureActivity names leaves by observation points, since state ids depend
// on the clustering.
type FixtureActivity struct {
	Name  string        `json:"name"`
	Steps [][][]float64 `json:"steps"`
}

// FixtureExpectedResult captures the expected events of one stream record.
// Leaf is compared only when set.
type FixtureExpectedResult struct {
	Index  int      `json:"index"`
	Events []string `json:"events"`
	Leaf   *int     `json:"leaf,omitempty"`
}

// FixtureConfig mirrors the model settings a fixture may override.
type FixtureConfig struct {
	TimeUnit            string  `json:"time_unit"`
	Algorithm           string  `json:"algorithm"`
	Clusters            int     `json:"clusters"`
	Lambda              float64 `json:"lambda,omitempty"`
	Seed                uint64  `json:"seed"`
	OutlierFactor       float64 `json:"outlier_factor,omitempty"`
	HiddenState         bool    `json:"hidden_state,omitempty"`
	Horizon             float64 `json:"horizon,omitempty"`
	PredictionThreshold float64 `json:"prediction_threshold,omitempty"`
	TransitionBased     bool    `json:"transition_based,omitempty"`
	MCTrials            int     `json:"mc_trials,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture writes an indented fixture file.
func WriteFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// ToConfig lays the overrides over the default model config.
func (fc FixtureConfig) ToConfig() (orchestrator.Config, error) {
	cfg := orchestrator.DefaultConfig()
	if fc.TimeUnit != "" {
		u, err := ftr.ParseTimeUnit(fc.TimeUnit)
		if err != nil {
			return cfg, err
		}
		cfg.Unit = u
	}
	if fc.Algorithm != "" {
		cfg.StateID.Clustering.Algorithm = fc.Algorithm
	}
	if fc.Clusters > 0 {
		cfg.StateID.Clustering.K = fc.Clusters
	}
	if fc.Lambda > 0 {
		cfg.StateID.Clustering.Lambda = fc.Lambda
	}
	cfg.StateID.Clustering.Seed = fc.Seed
	cfg.StateID.OutlierFactor = fc.OutlierFactor
	cfg.Chain.HiddenState = fc.HiddenState
	if fc.Horizon > 0 {
		cfg.Chain.Horizon = fc.Horizon
	}
	if fc.PredictionThreshold > 0 {
		cfg.Chain.PredictionThreshold = fc.PredictionThreshold
	}
	cfg.Hierarchy.TransitionBased = fc.TransitionBased
	if fc.MCTrials > 0 {
		cfg.Visual.MCTrials = fc.MCTrials
	}
	return cfg, nil
}

// Dataset converts the training records.
func (f *Fixture) Dataset() orchestrator.Dataset {
	var ds orchestrator.Dataset
	batched := false
	for _, r := range f.Init {
		batched = batched || r.BatchEnd
	}
	for _, r := range f.Init {
		ds.Times = append(ds.Times, r.Time)
		ds.Obs = append(ds.Obs, r.Obs)
		ds.Contr = append(ds.Contr, orEmpty(r.Contr))
		ds.Ign = append(ds.Ign, orEmpty(r.Ign))
		if batched {
			ds.BatchEnd = append(ds.BatchEnd, r.BatchEnd)
		}
	}
	return ds
}

func orEmpty(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

// #endregion fixture-loader

// #region synthetic

// Centres are the observation centres of Synthetic fixtures.
var Centres = [][]float64{{0, 0}, {10, 0}, {0, 10}}

// Synthetic builds a fixture cycling through three well separated centres
// with four hourly records in each, under a small random control load. The
// stream continues the cycle and ends with one far outlier.
func Synthetic(initLen, streamLen int, seed uint64) *Fixture {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	rec := func(i int, noise float64) FixtureRecord {
		c := Centres[(i/4)%len(Centres)]
		return FixtureRecord{
			Time:  start + int64(i)*int64(ftr.Hour),
			Obs:   []float64{c[0] + noise*rng.NormFloat64(), c[1] + noise*rng.NormFloat64()},
			Contr: []float64{.1 * rng.Float64()},
		}
	}

	f := &Fixture{
		Description: fmt.Sprintf("synthetic cycle over %d centres", len(Centres)),
		Spaces: ftr.Spaces{
			Obs:   []ftr.Info{ftr.NewNumeric("x", 0), ftr.NewNumeric("y", 1)},
			Contr: []ftr.Info{ftr.NewNumeric("load", 0)},
		},
		Config: FixtureConfig{
			TimeUnit:            ftr.Hour.String(),
			Algorithm:           "kmeans",
			Clusters:            len(Centres),
			Seed:                seed,
			OutlierFactor:       10,
			Horizon:             24,
			PredictionThreshold: .01,
			MCTrials:            100,
		},
		TargetObs: [][]float64{Centres[2]},
		Activities: []FixtureActivity{{
			Name:  "cycle",
			Steps: [][][]float64{{Centres[0]}, {Centres[1]}, {Centres[2]}},
		}},
	}
	for i := 0; i < initLen; i++ {
		f.Init = append(f.Init, rec(i, .3))
	}
	for i := initLen; i < initLen+streamLen; i++ {
		f.Stream = append(f.Stream, rec(i, .1))
	}
	if streamLen > 0 {
		last := f.Stream[len(f.Stream)-1]
		f.Stream = append(f.Stream, FixtureRecord{
			Time:  last.Time + int64(ftr.Hour),
			Obs:   []float64{500, -500},
			Contr: []float64{.05},
		})
	}
	return f
}

// #endregion synthetic
