package ftr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// #region time-unit
// TimeUnit is a duration in milliseconds used to express intensities.
type TimeUnit int64

const (
	Second TimeUnit = 1000
	Minute          = 60 * Second
	Hour            = 60 * Minute
	Day             = 24 * Hour
	// Month is a twelfth of a Julian year.
	Month = Day * 36525 / 1200
)

func (u TimeUnit) String() string {
	switch u {
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	case Month:
		return "month"
	}
	return fmt.Sprintf("%dms", int64(u))
}

// ParseTimeUnit accepts second, minute, hour, day, month or a millisecond
// count such as "250ms".
func ParseTimeUnit(s string) (TimeUnit, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "second", "sec", "s":
		return Second, nil
	case "minute", "min", "m":
		return Minute, nil
	case "hour", "h":
		return Hour, nil
	case "day", "d":
		return Day, nil
	case "month":
		return Month, nil
	}
	if ms, ok := strings.CutSuffix(s, "ms"); ok {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil && n > 0 {
			return TimeUnit(n), nil
		}
	}
	return 0, fmt.Errorf("unknown time unit %q", s)
}

// MarshalText renders the unit the way ParseTimeUnit reads it.
func (u TimeUnit) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

// UnmarshalText parses a unit name.
func (u *TimeUnit) UnmarshalText(b []byte) error {
	v, err := ParseTimeUnit(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// #endregion time-unit

// #region time-features
// TimeFeatureDim is the width of the one-hot time block for a unit.
func TimeFeatureDim(u TimeUnit) (int, error) {
	switch u {
	case Second, Minute:
		return 6, nil
	case Hour:
		return 24, nil
	case Day:
		return 7, nil
	case Month:
		return 12, nil
	}
	return 0, fmt.Errorf("invalid time unit %d", int64(u))
}

// TimeFeature one-hot encodes the position of tm (unix ms) within the cycle
// above the unit: tens of seconds, tens of minutes, hour of day, day of week
// or month of year.
func TimeFeature(tm int64, u TimeUnit) ([]float64, error) {
	dim, err := TimeFeatureDim(u)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(tm).UTC()
	var idx int
	switch u {
	case Second:
		idx = t.Second() / 10
	case Minute:
		idx = t.Minute() / 10
	case Hour:
		idx = t.Hour()
	case Day:
		idx = DaysSinceMonday(t)
	case Month:
		idx = int(t.Month()) - 1
	}
	v := make([]float64, dim)
	v[idx] = 1
	return v, nil
}

// DaysSinceMonday maps Monday to 0 and Sunday to 6.
func DaysSinceMonday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// #endregion time-features
