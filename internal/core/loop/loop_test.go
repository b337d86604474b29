package loop

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var start = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func runLoop(t *testing.T, opts ...Option) (*Loop, *ManualClock) {
	t.Helper()
	clock := NewManualClock(start)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	l := New(append([]Option{WithClock(clock), WithLogger(logger)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l, clock
}

func TestLoop_CallSoonRunsInOrder(t *testing.T) {
	l, _ := runLoop(t)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		l.CallSoon(func() { order = append(order, i) })
	}
	l.BlockTillDone()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLoop_TimersFireInDeadlineOrder(t *testing.T) {
	l, clock := runLoop(t)
	var order []string
	l.CallLater(3*time.Second, func() { order = append(order, "c") })
	l.CallLater(time.Second, func() { order = append(order, "a") })
	l.CallLater(time.Second, func() { order = append(order, "b") })
	l.CallAt(start.Add(-time.Second), func() { order = append(order, "past") })
	l.BlockTillDone()
	assert.Equal(t, []string{"past"}, order)

	clock.Advance(time.Second)
	l.BlockTillDone()
	assert.Equal(t, []string{"past", "a", "b"}, order)

	clock.Advance(5 * time.Second)
	l.BlockTillDone()
	assert.Equal(t, []string{"past", "a", "b", "c"}, order)
	assert.Equal(t, 0, l.PendingTimers())
}

func TestLoop_TimerCancel(t *testing.T) {
	l, clock := runLoop(t)
	fired := false
	timer := l.CallLater(time.Second, func() { fired = true })
	assert.Equal(t, start.Add(time.Second), timer.When())
	assert.Equal(t, 1, l.PendingTimers())

	assert.True(t, timer.Cancel())
	assert.False(t, timer.Cancel())
	assert.False(t, (*Timer)(nil).Cancel())

	clock.Advance(time.Minute)
	l.BlockTillDone()
	assert.False(t, fired)
	assert.Equal(t, 0, l.PendingTimers())
}

func TestLoop_TimerScheduledFromCallback(t *testing.T) {
	l, clock := runLoop(t)
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		if ticks < 3 {
			l.CallLater(time.Second, tick)
		}
	}
	l.CallLater(time.Second, tick)

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		l.BlockTillDone()
		assert.Equal(t, i, ticks)
	}
}

func TestLoop_CallLaterIsRelativeToClockNow(t *testing.T) {
	l, clock := runLoop(t)
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		l.CallLater(time.Second, tick)
	}
	l.CallLater(time.Second, tick)

	// One large jump fires the due timer once; the rescheduled one is a
	// second after the advanced clock.
	clock.Advance(10 * time.Second)
	l.BlockTillDone()
	assert.Equal(t, 1, ticks)
	assert.Equal(t, 1, l.PendingTimers())

	clock.Advance(time.Second)
	l.BlockTillDone()
	assert.Equal(t, 2, ticks)
}

func TestLoop_Call(t *testing.T) {
	l, _ := runLoop(t)
	value := 0
	require.NoError(t, l.Call(context.Background(), func() { value = 42 }))
	assert.Equal(t, 42, value)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	l.CallSoon(func() { <-block })
	err := l.Call(ctx, func() {})
	assert.ErrorIs(t, err, context.Canceled)
	close(block)
	l.BlockTillDone()
}

func TestLoop_RecoversPanics(t *testing.T) {
	l, _ := runLoop(t)
	ran := false
	l.CallSoon(func() { panic("boom") })
	l.CallSoon(func() { ran = true })
	l.BlockTillDone()
	assert.True(t, ran)
}

func TestLoop_StopDropsQueuedWork(t *testing.T) {
	clock := NewManualClock(start)
	l := New(WithClock(clock))
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	require.NoError(t, l.Call(context.Background(), func() {}))
	l.Stop()
	require.NoError(t, <-done)

	assert.True(t, errors.Is(l.Call(context.Background(), func() {}), ErrStopped))
	assert.ErrorIs(t, l.Run(context.Background()), ErrStopped)
	l.BlockTillDone()
}

func TestLoop_RunTwice(t *testing.T) {
	l, _ := runLoop(t)
	require.NoError(t, l.Call(context.Background(), func() {}))
	assert.Error(t, l.Run(context.Background()))
}

func TestLoop_RealClockTimers(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	fired := make(chan struct{})
	l.CallLater(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(start)
	assert.True(t, c.Manual())
	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())
	c.Set(start)
	assert.Equal(t, start.Add(time.Minute), c.Now(), "the clock never moves back")
	c.Set(start.Add(time.Hour))
	assert.Equal(t, start.Add(time.Hour), c.Now())
}
