package ftr

import (
	"fmt"
	"strings"
)

// #region type
// Type tags how a feature is encoded inside its feature space.
type Type int

const (
	Undefined Type = iota
	Numeric
	Categorical
	Time
)

func (t Type) String() string {
	switch t {
	case Numeric:
		return "numeric"
	case Categorical:
		return "categorical"
	case Time:
		return "time"
	default:
		return "undefined"
	}
}

// ParseType accepts the lower-case names produced by String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "numeric":
		return Numeric, nil
	case "categorical", "nominal":
		return Categorical, nil
	case "time":
		return Time, nil
	}
	return Undefined, fmt.Errorf("unknown feature type %q", s)
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	if string(b) == "undefined" {
		*t = Undefined
		return nil
	}
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// #endregion type

// #region info
// Info describes one feature: its type and the [Offset, Offset+Length) range
// it occupies inside the flat vector of its space.
type Info struct {
	Name   string `json:"name" yaml:"name"`
	Type   Type   `json:"type" yaml:"type"`
	Offset int    `json:"offset" yaml:"offset"`
	Length int    `json:"length" yaml:"length"`
}

// NewNumeric returns a single-component numeric feature.
func NewNumeric(name string, offset int) Info {
	return Info{Name: name, Type: Numeric, Offset: offset, Length: 1}
}

// NewCategorical returns a one-hot encoded feature with length categories.
func NewCategorical(name string, offset, length int) Info {
	return Info{Name: name, Type: Categorical, Offset: offset, Length: length}
}

// NewTime returns a single-component time feature.
func NewTime(name string, offset int) Info {
	return Info{Name: name, Type: Time, Offset: offset, Length: 1}
}

func (i Info) end() int { return i.Offset + i.Length }

// Value extracts the scalar value of the feature from a vector of its space.
// Categorical features return the index of the active category.
func (i Info) Value(v []float64) (float64, error) {
	if i.end() > len(v) {
		return 0, fmt.Errorf("feature %s: range [%d,%d) outside vector of length %d", i.Name, i.Offset, i.end(), len(v))
	}
	switch i.Type {
	case Numeric, Time:
		return v[i.Offset], nil
	case Categorical:
		best, bestVal := -1, 0.0
		for k := 0; k < i.Length; k++ {
			if x := v[i.Offset+k]; x > bestVal {
				best, bestVal = k, x
			}
		}
		if best < 0 {
			return 0, fmt.Errorf("feature %s: no active category", i.Name)
		}
		return float64(best), nil
	}
	return 0, fmt.Errorf("feature %s: undefined type", i.Name)
}

// #endregion info

// #region space
// Space identifies one of the three feature spaces of a record.
type Space int

const (
	Observation Space = iota
	Control
	Ignored
)

func (s Space) String() string {
	switch s {
	case Observation:
		return "obs"
	case Control:
		return "contr"
	case Ignored:
		return "ign"
	}
	return fmt.Sprintf("space(%d)", int(s))
}

// Spaces holds the descriptors of all three spaces. Feature ids number the
// descriptors in order observation, control, ignored.
type Spaces struct {
	Obs   []Info `json:"obs" yaml:"obs"`
	Contr []Info `json:"contr" yaml:"contr"`
	Ign   []Info `json:"ign" yaml:"ign"`
}

// Infos returns the descriptors of a single space.
func (s Spaces) Infos(sp Space) []Info {
	switch sp {
	case Observation:
		return s.Obs
	case Control:
		return s.Contr
	default:
		return s.Ign
	}
}

// Count is the total number of features over all spaces.
func (s Spaces) Count() int { return len(s.Obs) + len(s.Contr) + len(s.Ign) }

// Locate maps a global feature id onto its space and index inside that space.
func (s Spaces) Locate(ftrID int) (Space, int, error) {
	switch {
	case ftrID < 0:
	case ftrID < len(s.Obs):
		return Observation, ftrID, nil
	case ftrID < len(s.Obs)+len(s.Contr):
		return Control, ftrID - len(s.Obs), nil
	case ftrID < s.Count():
		return Ignored, ftrID - len(s.Obs) - len(s.Contr), nil
	}
	return 0, 0, fmt.Errorf("invalid feature id %d", ftrID)
}

// Info returns the descriptor behind a global feature id.
func (s Spaces) Info(ftrID int) (Info, error) {
	sp, n, err := s.Locate(ftrID)
	if err != nil {
		return Info{}, err
	}
	return s.Infos(sp)[n], nil
}

// Offset returns the position of the space's first component inside a
// record joined as obs|contr|ign.
func (s Spaces) Offset(sp Space) int {
	switch sp {
	case Observation:
		return 0
	case Control:
		return Dim(s.Obs)
	default:
		return Dim(s.Obs) + Dim(s.Contr)
	}
}

// Validate checks every space for negative offsets, empty features and overlaps.
func (s Spaces) Validate() error {
	for _, sp := range []Space{Observation, Control, Ignored} {
		if err := validate(s.Infos(sp)); err != nil {
			return fmt.Errorf("%s space: %w", sp, err)
		}
	}
	return nil
}

// Dim is the length of the flat vector spanned by the descriptors.
func Dim(infos []Info) int {
	d := 0
	for _, i := range infos {
		if i.end() > d {
			d = i.end()
		}
	}
	return d
}

func validate(infos []Info) error {
	used := make(map[int]string)
	for _, i := range infos {
		if i.Type == Undefined {
			return fmt.Errorf("feature %s: undefined type", i.Name)
		}
		if i.Offset < 0 || i.Length < 1 {
			return fmt.Errorf("feature %s: bad range offset=%d length=%d", i.Name, i.Offset, i.Length)
		}
		if i.Type != Categorical && i.Length != 1 {
			return fmt.Errorf("feature %s: %s features have length 1", i.Name, i.Type)
		}
		for k := i.Offset; k < i.end(); k++ {
			if other, ok := used[k]; ok {
				return fmt.Errorf("feature %s overlaps %s at component %d", i.Name, other, k)
			}
			used[k] = i.Name
		}
	}
	return nil
}

// #endregion space
