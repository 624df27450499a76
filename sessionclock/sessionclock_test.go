package sessionclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorToMinute(t *testing.T) {
	in := time.Date(2026, 3, 5, 10, 5, 42, 123, time.UTC)
	got := FloorToMinute(in)
	assert.Equal(t, time.Date(2026, 3, 5, 10, 5, 0, 0, time.UTC), got)
}

func TestIsWithinSession(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	c := Default(loc)

	inSession := time.Date(2026, 3, 5, 10, 0, 0, 0, loc)
	assert.True(t, c.IsWithinSession(inSession))

	beforeOpen := time.Date(2026, 3, 5, 9, 0, 0, 0, loc)
	assert.False(t, c.IsWithinSession(beforeOpen))

	afterClose := time.Date(2026, 3, 5, 16, 0, 0, 0, loc)
	assert.False(t, c.IsWithinSession(afterClose))
}

func TestFloorToIntervalFromSessionStart(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	c := Default(loc)

	// Session opens 09:15. A 10:05 instant is 50 minutes in -> bucket 2 of
	// width 25 -> 09:15 + 50m = 10:05.
	ts := time.Date(2026, 3, 5, 10, 5, 30, 0, loc)
	bucket := c.FloorToIntervalFromSessionStart(ts, 25)
	want := time.Date(2026, 3, 5, 10, 5, 0, 0, loc).UTC()
	assert.True(t, bucket.Equal(want))

	// A 10:04 instant is 49 minutes in -> still bucket 09:15+25=09:40.
	ts2 := time.Date(2026, 3, 5, 10, 4, 0, 0, loc)
	bucket2 := c.FloorToIntervalFromSessionStart(ts2, 25)
	want2 := time.Date(2026, 3, 5, 9, 40, 0, 0, loc).UTC()
	assert.True(t, bucket2.Equal(want2))
}
