package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWeekStart_MondayBoundary(t *testing.T) {
	// Wednesday 2026-01-07 15:04
	wed := time.Date(2026, 1, 7, 15, 4, 0, 0, time.UTC)
	start := WeekStart(wed)

	assert.Equal(t, time.Monday, start.Weekday())
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), start)
}

func TestWeekStart_MondayIsItsOwnStart(t *testing.T) {
	mon := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, mon, WeekStart(mon))

	// A second before midnight Monday still belongs to the previous week.
	justBefore := mon.Add(-time.Second)
	assert.Equal(t, time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC), WeekStart(justBefore))
}

func TestWeekStart_SundayBelongsToPrecedingMonday(t *testing.T) {
	sun := time.Date(2026, 1, 11, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), WeekStart(sun))
}

func TestWeekEnd(t *testing.T) {
	wed := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC), WeekEnd(wed))
}

func TestWeekKey(t *testing.T) {
	wed := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-01-05", WeekKey(wed))
}
