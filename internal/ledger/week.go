package ledger

import "time"

// WeekStart returns Monday 00:00 of the week containing t, in t's location.
func WeekStart(t time.Time) time.Time {
	daysSinceMonday := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return day.AddDate(0, 0, -daysSinceMonday)
}

// WeekEnd returns the exclusive end of the week containing t: the
// following Monday 00:00.
func WeekEnd(t time.Time) time.Time {
	return WeekStart(t).AddDate(0, 0, 7)
}

// WeekKey is the canonical identifier of a week, used as part of ledger
// entry keys and database rows.
func WeekKey(t time.Time) string {
	return WeekStart(t).Format("2006-01-02")
}
