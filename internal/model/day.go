package model

import (
	"fmt"
	"time"
)

// Day identifies one UTC calendar day. Archive files and backfill progress
// are keyed on whole days so that no day is ever split across tiers.
type Day struct {
	Year  int
	Month time.Month
	Dom   int
}

// DayOf returns the UTC day containing ts.
func DayOf(ts time.Time) Day {
	ts = ts.UTC()
	return Day{Year: ts.Year(), Month: ts.Month(), Dom: ts.Day()}
}

// DayOfMillis returns the UTC day containing the millisecond timestamp.
func DayOfMillis(ms int64) Day {
	return DayOf(time.UnixMilli(ms))
}

// ParseDay parses a day in "2006-01-02" form.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Day{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return DayOf(t), nil
}

// Start returns midnight UTC at the start of the day.
func (d Day) Start() time.Time {
	return time.Date(d.Year, d.Month, d.Dom, 0, 0, 0, 0, time.UTC)
}

// End returns midnight UTC of the following day (exclusive bound).
func (d Day) End() time.Time {
	return d.Start().AddDate(0, 0, 1)
}

// StartMillis returns the inclusive millisecond lower bound of the day.
func (d Day) StartMillis() int64 {
	return d.Start().UnixMilli()
}

// EndMillis returns the exclusive millisecond upper bound of the day.
func (d Day) EndMillis() int64 {
	return d.End().UnixMilli()
}

// Next returns the following day.
func (d Day) Next() Day {
	return DayOf(d.Start().AddDate(0, 0, 1))
}

// Before reports whether d is earlier than other.
func (d Day) Before(other Day) bool {
	return d.Start().Before(other.Start())
}

// After reports whether d is later than other.
func (d Day) After(other Day) bool {
	return d.Start().After(other.Start())
}

// String returns the day in "2006-01-02" form.
func (d Day) String() string {
	return d.Start().Format("2006-01-02")
}

// Key returns the compact yyyymmdd form used in durable state keys.
func (d Day) Key() string {
	return d.Start().Format("20060102")
}

// DaysBetween returns every day from start through end inclusive.
func DaysBetween(start, end Day) []Day {
	if end.Before(start) {
		return nil
	}
	var days []Day
	for d := start; !d.After(end); d = d.Next() {
		days = append(days, d)
	}
	return days
}

// ArchiveBoundary computes the hot/cold boundary for the given instant.
// The boundary is now−retention rounded back to the start of its day, so
// archival always moves whole calendar days. It drifts daily and must be
// recomputed at query time, never cached.
func ArchiveBoundary(now time.Time, retention time.Duration) time.Time {
	return DayOf(now.Add(-retention)).Start()
}

// ArchiveBoundaryMillis is ArchiveBoundary in epoch milliseconds.
func ArchiveBoundaryMillis(now time.Time, retention time.Duration) int64 {
	return ArchiveBoundary(now, retention).UnixMilli()
}
