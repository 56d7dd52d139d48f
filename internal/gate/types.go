package gate

import "errors"

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoNotReady   VetoType = "not_initialized"
	VetoDegenerate VetoType = "degenerate_chain"
	VetoRoundTrip  VetoType = "round_trip"
	VetoSize       VetoType = "blob_size"
)

// ErrVetoed is wrapped by Check when a snapshot is rejected.
var ErrVetoed = errors.New("gate: snapshot vetoed")

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType
	Reason string
}

// #endregion veto-signal

// #region gate-config
// GateConfig holds the thresholds a snapshot must meet before it is
// committed.
type GateConfig struct {
	MinStates        int     // fewer leaves than this is a degenerate model
	MaxBlobBytes     int     // 0 disables the size cap
	MaxRowSum        float64 // |row sum| of Q relative to its diagonal
	MaxDistErr       float64 // |Σπ - 1|
	MaxRoundTripDiff float64 // max |π - π'| between the live and decoded model
}

// DefaultGateConfig returns the thresholds the controller runs with.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinStates:        2,
		MaxBlobBytes:     256 << 20,
		MaxRowSum:        1e-6,
		MaxDistErr:       1e-6,
		MaxRoundTripDiff: 1e-9,
	}
}

// #endregion gate-config

// #region gate-decision
// Metric captures a single check.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

// GateDecision is the output of the gate evaluation.
type GateDecision struct {
	Action      string // "commit" | "reject"
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal // non-empty if vetoed
	Metrics     []Metric
}

// #endregion gate-decision
