// Package sessionclock provides pure functions over market-session
// boundaries, minute floors, and N-minute bucket alignment from session
// start. Every function here is total and deterministic: same input, same
// output, no I/O, no global state.
package sessionclock

import "time"

// Clock carries the exchange's session window and timezone. All methods are
// pure given a fixed Clock value.
type Clock struct {
	// Location is the exchange's local timezone (e.g. "Asia/Kolkata").
	Location *time.Location
	// StartHour/StartMinute and EndHour/EndMinute bound the trading
	// session in Location's local time (default 09:15-15:30).
	StartHour, StartMinute int
	EndHour, EndMinute     int
}

// Default returns the standard 09:15-15:30 session in loc.
func Default(loc *time.Location) Clock {
	return Clock{Location: loc, StartHour: 9, StartMinute: 15, EndHour: 15, EndMinute: 30}
}

// FloorToMinute truncates t down to the start of its containing minute, in
// UTC, discarding sub-minute precision.
func FloorToMinute(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), 0, 0, time.UTC)
}

// GetTodaySessionStart returns the session open instant for the calendar
// day containing t, expressed in UTC.
func (c Clock) GetTodaySessionStart(t time.Time) time.Time {
	local := t.In(c.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), c.StartHour, c.StartMinute, 0, 0, c.Location)
	return start.UTC()
}

// GetTodaySessionEnd returns the session close instant for the calendar day
// containing t, expressed in UTC.
func (c Clock) GetTodaySessionEnd(t time.Time) time.Time {
	local := t.In(c.Location)
	end := time.Date(local.Year(), local.Month(), local.Day(), c.EndHour, c.EndMinute, 0, 0, c.Location)
	return end.UTC()
}

// IsWithinSession reports whether t falls within [sessionStart, sessionEnd]
// for the calendar day containing t.
func (c Clock) IsWithinSession(t time.Time) bool {
	start := c.GetTodaySessionStart(t)
	end := c.GetTodaySessionEnd(t)
	return !t.Before(start) && !t.After(end)
}

// FloorToIntervalFromSessionStart aligns t down to the most recent bucket
// boundary of width N minutes, measured from that day's session start
// rather than the Unix epoch. E.g. with a 09:15 session start and N=25, the
// buckets are 09:15, 09:40, 10:05, ...
func (c Clock) FloorToIntervalFromSessionStart(t time.Time, n int) time.Time {
	if n <= 0 {
		return FloorToMinute(t)
	}
	start := c.GetTodaySessionStart(t)
	elapsed := FloorToMinute(t).Sub(start)
	if elapsed < 0 {
		return start
	}
	bucketMinutes := (int(elapsed.Minutes()) / n) * n
	return start.Add(time.Duration(bucketMinutes) * time.Minute)
}
