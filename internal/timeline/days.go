package timeline

import "time"

// Day is a run of consecutive entries sharing a calendar date, used to
// render date dividers.
type Day struct {
	Date    time.Time `json:"date"`
	Entries []Entry   `json:"entries"`
}

// GroupByDay is a pure transform over an ordered entry list: a new group
// starts whenever the calendar date differs from the previous entry's.
func GroupByDay(entries []Entry) []Day {
	var days []Day
	var current string

	for _, e := range entries {
		ts := time.UnixMilli(e.CreatedAt).Local()
		date := ts.Format(time.DateOnly)
		if date != current {
			y, m, d := ts.Date()
			days = append(days, Day{Date: time.Date(y, m, d, 0, 0, 0, 0, ts.Location())})
			current = date
		}
		last := &days[len(days)-1]
		last.Entries = append(last.Entries, e)
	}
	return days
}
