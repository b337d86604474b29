package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		pattern string
		after   time.Time
		want    time.Time
	}{
		{"0 * * * * *", testStart, time.Date(2026, 3, 14, 15, 10, 0, 0, time.UTC)},
		{"*/15 * * * *", testStart, time.Date(2026, 3, 14, 15, 15, 0, 0, time.UTC)},
		{"@every 30s", testStart, testStart.Add(30 * time.Second)},
		{"@hourly", testStart, time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			s, err := ParseSchedule(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(tt.after))
		})
	}

	_, err := ParseSchedule("not a schedule")
	assert.Error(t, err)
	assert.Panics(t, func() { MustSchedule("61 * * * * *") })
}

func TestTimeChange_FiresEveryBoundary(t *testing.T) {
	x := newHarness(t)
	var fired []time.Time
	var tl *TimeListener
	x.onLoop(func() {
		tl = TimeChange(x.hub.Loop, UTCMinuteBoundary, func(now time.Time) { fired = append(fired, now) })
	})
	first := time.Date(2026, 3, 14, 15, 10, 0, 0, time.UTC)
	assert.Equal(t, first, tl.Next())

	x.advance(34 * time.Second)
	x.advance(time.Minute)
	x.advance(30 * time.Second)

	assert.Equal(t, []time.Time{first, first.Add(time.Minute)}, fired)
	assert.Equal(t, first.Add(2*time.Minute), tl.Next())

	x.onLoop(func() {
		tl.Cancel()
		tl.Cancel()
	})
	assert.True(t, tl.Next().IsZero())
	assert.Equal(t, 0, x.hub.Loop.PendingTimers())

	x.advance(5 * time.Minute)
	assert.Len(t, fired, 2)
}

func TestTimeChange_CatchesUpOneTickAtATime(t *testing.T) {
	x := newHarness(t)
	count := 0
	var tl *TimeListener
	x.onLoop(func() {
		tl = TimeChange(x.hub.Loop, UTCMinuteBoundary, func(time.Time) { count++ })
	})
	t.Cleanup(func() { x.onLoop(tl.Cancel) })

	x.advance(3*time.Minute + 34*time.Second)
	assert.Equal(t, 4, count)
}
