package track

import (
	"fmt"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/loop"
	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// UTCMinuteBoundary fires at second zero of every minute.
var UTCMinuteBoundary = MustSchedule("0 * * * * *")

// ParseSchedule parses a cron expression with an optional seconds field,
// or a descriptor such as @every 30s.
func ParseSchedule(pattern string) (cron.Schedule, error) {
	s, err := scheduleParser.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid time pattern %q: %w", pattern, err)
	}
	return s, nil
}

// MustSchedule is ParseSchedule for package level patterns.
func MustSchedule(pattern string) cron.Schedule {
	s, err := ParseSchedule(pattern)
	if err != nil {
		panic(err)
	}
	return s
}

// TimeListener calls an action on the loop every time its schedule matches.
type TimeListener struct {
	loop     *loop.Loop
	schedule cron.Schedule
	action   func(now time.Time)

	timer     *loop.Timer
	cancelled bool
}

// TimeChange runs action on l at every time schedule matches, evaluated in
// UTC against the loop clock.
func TimeChange(l *loop.Loop, schedule cron.Schedule, action func(now time.Time)) *TimeListener {
	t := &TimeListener{loop: l, schedule: schedule, action: action}
	t.arm(l.Now())
	return t
}

func (t *TimeListener) arm(after time.Time) {
	next := t.schedule.Next(after.UTC())
	if next.IsZero() {
		return
	}
	t.timer = t.loop.CallAt(next, func() { t.fire(next) })
}

func (t *TimeListener) fire(scheduled time.Time) {
	if t.cancelled {
		return
	}
	t.arm(scheduled)
	t.action(scheduled)
}

// Next returns when the listener fires next, or the zero time.
func (t *TimeListener) Next() time.Time {
	if t.cancelled || t.timer == nil {
		return time.Time{}
	}
	return t.timer.When()
}

// Cancel stops the listener. It is safe to call more than once.
func (t *TimeListener) Cancel() {
	if t == nil || t.cancelled {
		return
	}
	t.cancelled = true
	t.timer.Cancel()
}
