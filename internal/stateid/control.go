package stateid

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
)

// unset marks a control component without an override.
var unset = math.Inf(1)

// #region overrides
func (id *Identifier) controlInfo(state, ftrN int) (ftr.Info, error) {
	if err := id.checkState(state); err != nil {
		return ftr.Info{}, err
	}
	if ftrN < 0 || ftrN >= len(id.spaces.Contr) {
		return ftr.Info{}, fmt.Errorf("invalid control feature %d", ftrN)
	}
	return id.spaces.Contr[ftrN], nil
}

// SetControlFtr overrides control feature ftrN (index inside the control
// space) of a state. Categorical values select the active category.
func (id *Identifier) SetControlFtr(state, ftrN int, val float64) error {
	info, err := id.controlInfo(state, ftrN)
	if err != nil {
		return err
	}
	row := id.overrides[state]
	switch info.Type {
	case ftr.Numeric:
		row[info.Offset] = val
	case ftr.Categorical:
		if math.IsInf(val, 1) {
			for k := info.Offset; k < info.Offset+info.Length; k++ {
				row[k] = unset
			}
			return nil
		}
		cat := int(val)
		if float64(cat) != val || cat < 0 || cat >= info.Length {
			return fmt.Errorf("feature %s: category %g outside [0,%d)", info.Name, val, info.Length)
		}
		for k := info.Offset; k < info.Offset+info.Length; k++ {
			row[k] = 0
		}
		row[info.Offset+cat] = 1
	default:
		return fmt.Errorf("feature %s: cannot override %s features", info.Name, info.Type)
	}
	return nil
}

// ClearControlFtr removes the override of one feature.
func (id *Identifier) ClearControlFtr(state, ftrN int) error {
	info, err := id.controlInfo(state, ftrN)
	if err != nil {
		return err
	}
	for k := info.Offset; k < info.Offset+info.Length; k++ {
		id.overrides[state][k] = unset
	}
	return nil
}

// ClearControlFtrs removes every override of every state.
func (id *Identifier) ClearControlFtrs() {
	dim := ftr.Dim(id.spaces.Contr)
	id.overrides = make([][]float64, id.States())
	for s := range id.overrides {
		id.overrides[s] = make([]float64, dim)
		for k := range id.overrides[s] {
			id.overrides[s][k] = unset
		}
	}
}

// IsControlFtrSet reports whether every component of the feature is overridden.
func (id *Identifier) IsControlFtrSet(state, ftrN int) bool {
	info, err := id.controlInfo(state, ftrN)
	if err != nil {
		return false
	}
	for k := info.Offset; k < info.Offset+info.Length; k++ {
		if math.IsInf(id.overrides[state][k], 1) {
			return false
		}
	}
	return true
}

// IsAnyControlFtrSet reports whether some state has some override.
func (id *Identifier) IsAnyControlFtrSet() bool {
	for s := range id.overrides {
		for f := range id.spaces.Contr {
			if id.IsControlFtrSet(s, f) {
				return true
			}
		}
	}
	return false
}

// ControlFtr returns the overridden value of a feature, or the centroid
// value and false when no override is set.
func (id *Identifier) ControlFtr(state, ftrN int) (float64, bool, error) {
	info, err := id.controlInfo(state, ftrN)
	if err != nil {
		return 0, false, err
	}
	if id.IsControlFtrSet(state, ftrN) {
		v, err := info.Value(id.overrides[state])
		return v, true, err
	}
	v, err := info.Value(id.contrCentroids[state])
	if err != nil && info.Type == ftr.Categorical {
		return 0, false, nil
	}
	return v, false, err
}

// ControlFeatures returns the control vector of every state with overrides
// applied over the control centroids.
func (id *Identifier) ControlFeatures() [][]float64 {
	out := make([][]float64, id.States())
	for s := range out {
		row := append([]float64(nil), id.contrCentroids[s]...)
		for f, info := range id.spaces.Contr {
			if !id.IsControlFtrSet(s, f) {
				continue
			}
			copy(row[info.Offset:info.Offset+info.Length], id.overrides[s][info.Offset:info.Offset+info.Length])
		}
		out[s] = row
	}
	return out
}

// #endregion overrides
