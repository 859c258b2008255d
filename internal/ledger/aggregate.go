package ledger

import (
	"fmt"
	"time"
)

// AggregateKeys are the rollup document ids a single event contributes to.
type AggregateKeys struct {
	Daily   string // daily_YYYY-MM-DD
	Weekly  string // weekly_YYYY-Www (ISO week)
	Monthly string // monthly_YYYY-MM
}

// ISOWeek returns the ISO-8601 week number of t, always in [1, 53].
func ISOWeek(t time.Time) int {
	_, week := t.ISOWeek()
	return week
}

// BuildAggregateKeys derives the daily/weekly/monthly rollup keys for t.
// The weekly key uses the ISO week-numbering year, which can differ from
// the calendar year around January 1st.
func BuildAggregateKeys(t time.Time) AggregateKeys {
	t = t.UTC()
	isoYear, isoWeek := t.ISOWeek()
	return AggregateKeys{
		Daily:   "daily_" + t.Format("2006-01-02"),
		Weekly:  fmt.Sprintf("weekly_%04d-W%02d", isoYear, isoWeek),
		Monthly: "monthly_" + t.Format("2006-01"),
	}
}
