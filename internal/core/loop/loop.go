package loop

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by Call when the loop is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Loop runs every callback on a single goroutine, in submission order.
// Timers are kept in a heap and moved onto the ready queue once due.
type Loop struct {
	clock  Clock
	logger *logrus.Logger

	mu      sync.Mutex
	idle    *sync.Cond
	ready   []func()
	timers  timerHeap
	seq     uint64
	running bool
	busy    bool
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock, typically with a ManualClock in tests.
func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithLogger sets the logger used to report recovered panics.
func WithLogger(logger *logrus.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New creates a loop. It does nothing until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		clock:  realClock{},
		logger: logrus.StandardLogger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	l.idle = sync.NewCond(&l.mu)
	for _, opt := range opts {
		opt(l)
	}
	if mc, ok := l.clock.(*ManualClock); ok {
		mc.attach(l.signal)
	}
	return l
}

// Now returns the loop clock's current time (UTC).
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Clock returns the clock driving this loop.
func (l *Loop) Clock() Clock {
	return l.clock
}

// Run processes callbacks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("event loop is already running")
	}
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.stopped = true
		l.ready = nil
		l.idle.Broadcast()
		l.mu.Unlock()
		close(l.done)
	}()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return nil
		}
		l.promoteDueTimers()
		if len(l.ready) == 0 {
			wait := l.nextWait()
			l.idle.Broadcast()
			l.mu.Unlock()

			var timerC <-chan time.Time
			if wait >= 0 {
				if timer == nil {
					timer = time.NewTimer(wait)
				} else {
					timer.Reset(wait)
				}
				timerC = timer.C
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.wake:
			case <-timerC:
			}
			if timer != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			continue
		}

		batch := l.ready
		l.ready = nil
		l.busy = true
		l.mu.Unlock()

		for _, fn := range batch {
			l.invoke(fn)
		}

		l.mu.Lock()
		l.busy = false
		l.mu.Unlock()
	}
}

// Stop ends Run after the current callback returns. Queued callbacks are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	wasRunning := l.running
	l.stopped = true
	l.mu.Unlock()
	l.signal()
	if wasRunning {
		<-l.done
	}
}

// CallSoon queues fn to run on the loop after everything already queued.
func (l *Loop) CallSoon(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.ready = append(l.ready, fn)
	l.mu.Unlock()
	l.signal()
}

// CallLater runs fn on the loop once d has elapsed on the loop clock. d is
// measured from the clock's current time, so a timer scheduled from a
// firing timer counts from when the clock says it ran, not from when it was
// due.
func (l *Loop) CallLater(d time.Duration, fn func()) *Timer {
	return l.CallAt(l.clock.Now().Add(d), fn)
}

// CallAt runs fn on the loop once the loop clock reaches when.
func (l *Loop) CallAt(when time.Time, fn func()) *Timer {
	l.mu.Lock()
	l.seq++
	t := &Timer{loop: l, when: when, seq: l.seq, fn: fn, index: -1}
	if !l.stopped {
		heap.Push(&l.timers, t)
	}
	l.mu.Unlock()
	l.signal()
	return t
}

// Call runs fn on the loop and waits for it to return. It must not be called
// from a loop callback.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.ready = append(l.ready, func() {
		defer close(done)
		fn()
	})
	l.mu.Unlock()
	l.signal()

	select {
	case <-done:
		return nil
	case <-l.done:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BlockTillDone waits until nothing is queued or running and no timer is due.
// It returns immediately once the loop has stopped.
func (l *Loop) BlockTillDone() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for !l.stopped && (l.busy || len(l.ready) > 0 || l.hasDueTimer()) {
		l.idle.Wait()
	}
}

// PendingTimers reports how many timers are scheduled and not cancelled.
func (l *Loop) PendingTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Recovered panic in event loop callback")
		}
	}()
	fn()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// promoteDueTimers moves due timers to the ready queue. Caller holds l.mu.
func (l *Loop) promoteDueTimers() {
	now := l.clock.Now()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		t.fired = true
		l.ready = append(l.ready, t.fn)
	}
}

func (l *Loop) hasDueTimer() bool {
	return len(l.timers) > 0 && !l.timers[0].when.After(l.clock.Now())
}

// nextWait returns how long to sleep until the next timer, or -1 to wait
// for a wake-up only. Caller holds l.mu.
func (l *Loop) nextWait() time.Duration {
	if len(l.timers) == 0 || l.clock.Manual() {
		return -1
	}
	d := l.timers[0].when.Sub(l.clock.Now())
	if d < 0 {
		d = 0
	}
	return d
}

// Timer is a handle on a scheduled callback.
type Timer struct {
	loop  *Loop
	when  time.Time
	seq   uint64
	fn    func()
	index int
	fired bool
}

// When returns the time the timer is due.
func (t *Timer) When() time.Time { return t.when }

// Cancel prevents the callback from running if it has not been queued yet.
// It reports whether the timer was still pending. Safe to call repeatedly.
func (t *Timer) Cancel() bool {
	if t == nil {
		return false
	}
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.fired || t.index < 0 {
		return false
	}
	heap.Remove(&l.timers, t.index)
	l.idle.Broadcast()
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
