// Package clock implements the engine's Clock & Calendar component
// (spec §4.1): monotonic pacing time, UTC wall time for audit records, and
// tenant-local window/day-boundary evaluation across arbitrary IANA zones.
package clock

import (
	_ "time/tzdata" // embed the IANA tz database so arbitrary zone names
	// resolve even on minimal container images that ship without one.

	"fmt"
	"time"
)

// Clock is the engine's time source. The default implementation wraps the
// real OS clock; tests inject a FakeClock so scheduling decisions are
// deterministic (spec §4.5: "Selection decisions MUST be deterministic
// given identical inputs").
type Clock interface {
	// NowMono returns a monotonic instant used for pacing and backoff. It
	// never decreases.
	NowMono() time.Time
	// NowWall returns the current UTC wall-clock time, used for audit
	// records.
	NowWall() time.Time
}

// System is the real-time Clock backed by the OS.
type System struct{}

// NowMono returns time.Now(), which on every supported platform carries a
// monotonic reading alongside the wall clock (see the time package docs).
func (System) NowMono() time.Time { return time.Now() }

// NowWall returns the current UTC time.
func (System) NowWall() time.Time { return time.Now().UTC() }

// Local resolves t to the tenant's IANA zone, returning the local time and
// its day key (tenant-local calendar date, the unit daily counters bucket
// on). DST transitions are handled entirely by the zone database; this
// function does no manual offset arithmetic.
func Local(tz string, t time.Time) (local time.Time, dayKey string, err error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	local = t.In(loc)
	dayKey = local.Format("2006-01-02")
	return local, dayKey, nil
}

// InPostingWindow returns true iff the local wall hour of t (in the
// tenant's timezone) is a member of windowHours.
func InPostingWindow(tz string, windowHours map[int]bool, t time.Time) (bool, error) {
	local, _, err := Local(tz, t)
	if err != nil {
		return false, err
	}
	return windowHours[local.Hour()], nil
}

// NextWindowOpen returns the earliest instant at or after `from` whose
// tenant-local hour is in windowHours. It scans forward hour by hour, which
// is cheap (at most 25 iterations) and correct across DST jumps because
// each candidate is re-localized rather than computed by fixed offset
// arithmetic.
func NextWindowOpen(tz string, windowHours map[int]bool, from time.Time) (time.Time, error) {
	if len(windowHours) == 0 {
		return time.Time{}, fmt.Errorf("tenant has no posting windows configured")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	local := from.In(loc)
	// time.Time.Truncate rounds the absolute instant to a UTC-aligned
	// boundary, not the zone's local wall-clock hour: on a fractional-offset
	// zone (Asia/Kolkata, +5:30) that silently misaligns every candidate by
	// the offset's sub-hour remainder. Rebuild the local hour explicitly
	// instead.
	candidate := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
	if candidate.Before(local) {
		candidate = candidate.Add(time.Hour)
	}
	for i := 0; i < 25; i++ { // at most one full day plus the DST spring-forward skip
		if windowHours[candidate.Hour()] {
			return candidate, nil
		}
		candidate = candidate.Add(time.Hour)
	}
	return time.Time{}, fmt.Errorf("no posting window found within 25 hours for timezone %q", tz)
}

// NextDailyReset returns the first tenant-local midnight strictly after
// from; a from exactly at midnight yields the following midnight.
func NextDailyReset(tz string, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	local := from.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return midnight, nil
}
