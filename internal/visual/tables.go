package visual

import (
	"fmt"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/stateid"
)

// #region tables
var (
	Months = [12]string{
		"January", "February", "March", "April", "May", "June",
		"July", "August", "September", "October", "November", "December",
	}
	MonthsShort = [12]string{
		"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec",
	}
	DaysInMonth = [31]string{
		"1st", "2nd", "3rd", "4th", "5th", "6th", "7th", "8th", "9th", "10th",
		"11th", "12th", "13th", "14th", "15th", "16th", "17th", "18th", "19th", "20th",
		"21st", "22nd", "23rd", "24th", "25th", "26th", "27th", "28th", "29th", "30th",
		"31st",
	}
	HoursInDay = [24]string{
		"Midnight", "1AM", "2AM", "3AM", "4AM", "5AM", "6AM", "7AM", "8AM", "9AM", "10AM", "11AM",
		"Noon", "1PM", "2PM", "3PM", "4PM", "5PM", "6PM", "7PM", "8PM", "9PM", "10PM", "11PM",
	}
	DaysInWeek = [7]string{
		"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday",
	}
	DaysInWeekShort = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
)

// #endregion tables

// #region from-to
// FromTo renders the bounds of a periodic description, e.g. "Monday" and
// "Friday". short selects abbreviated month and weekday names.
func FromTo(d TimeDesc, short bool) (string, string, error) {
	var table []string
	switch d.Hist {
	case stateid.HourOfDay:
		table = HoursInDay[:]
	case stateid.DayOfWeek:
		table = DaysInWeek[:]
		if short {
			table = DaysInWeekShort[:]
		}
	case stateid.DayOfMonth:
		table = DaysInMonth[:]
	case stateid.MonthOfYear:
		table = Months[:]
		if short {
			table = MonthsShort[:]
		}
	default:
		return "", "", fmt.Errorf("unknown time histogram %d", d.Hist)
	}
	if d.Start < 0 || d.Start >= len(table) || d.End < 0 || d.End >= len(table) {
		return "", "", fmt.Errorf("%s period [%d, %d] out of range", d.Hist, d.Start, d.End)
	}
	return table[d.Start], table[d.End], nil
}

// #endregion from-to
