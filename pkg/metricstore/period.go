package metricstore

import (
	"fmt"
	"strings"
	"time"
)

const PeriodLayout = "2006-01-02"

// NormalizePeriod maps any date to the last calendar day of its month, at
// midnight UTC. The date's own calendar fields are used, so 2024-12-31T23:00-05:00
// is December regardless of its UTC instant.
func NormalizePeriod(d time.Time) time.Time {
	y, m, _ := d.Date()
	// day 0 of the next month is the last day of this one
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC)
}

// firstOfMonth returns midnight UTC on the first day of d's month.
func firstOfMonth(d time.Time) time.Time {
	y, m, _ := d.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// ParsePeriod parses YYYY-MM-DD, YYYY-MM or RFC 3339 and normalizes the result.
func ParsePeriod(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{PeriodLayout, "2006-01", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return NormalizePeriod(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid period %q: expected YYYY-MM-DD or YYYY-MM", raw)
}

// GetPeriodRange returns the normalized period nMonths before endDate's month
// and the normalized period of endDate itself.
func GetPeriodRange(endDate time.Time, nMonths int) (time.Time, time.Time) {
	if nMonths < 0 {
		nMonths = 0
	}
	end := NormalizePeriod(endDate)
	start := NormalizePeriod(firstOfMonth(endDate).AddDate(0, -nMonths, 0))
	return start, end
}

// PeriodsBetween lists every month end from start to end inclusive.
func PeriodsBetween(start, end time.Time) []time.Time {
	start, end = NormalizePeriod(start), NormalizePeriod(end)
	var periods []time.Time
	for cur := firstOfMonth(start); !NormalizePeriod(cur).After(end); cur = cur.AddDate(0, 1, 0) {
		periods = append(periods, NormalizePeriod(cur))
	}
	return periods
}
