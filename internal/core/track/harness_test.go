package track

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/bus"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/loop"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testStart = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

type harness struct {
	t     *testing.T
	clock *loop.ManualClock
	hub   *hub.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := loop.NewManualClock(testStart)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := hub.New(loop.New(loop.WithClock(clock), loop.WithLogger(logger)), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{t: t, clock: clock, hub: h}
}

// onLoop runs fn on the loop and waits for everything it queued.
func (x *harness) onLoop(fn func()) {
	x.t.Helper()
	require.NoError(x.t, x.hub.Loop.Call(context.Background(), fn))
	x.hub.Loop.BlockTillDone()
}

func (x *harness) set(entityID, state string) {
	x.t.Helper()
	_, err := x.hub.States.Set(entityID, state, nil, false)
	require.NoError(x.t, err)
	x.hub.Loop.BlockTillDone()
}

func (x *harness) force(entityID, state string) {
	x.t.Helper()
	_, err := x.hub.States.Set(entityID, state, nil, true)
	require.NoError(x.t, err)
	x.hub.Loop.BlockTillDone()
}

func (x *harness) remove(entityID string) {
	x.t.Helper()
	x.hub.States.Remove(entityID)
	x.hub.Loop.BlockTillDone()
}

func (x *harness) advance(d time.Duration) {
	x.clock.Advance(d)
	x.hub.Loop.BlockTillDone()
}

type delivery struct {
	event   *bus.Event
	updates []ResultUpdate
}

// recorder collects listener calls.
type recorder struct {
	calls []delivery
}

func (r *recorder) listener(event *bus.Event, updates []ResultUpdate) {
	r.calls = append(r.calls, delivery{event: event, updates: updates})
}

func (r *recorder) results() []interface{} {
	var out []interface{}
	for _, c := range r.calls {
		for _, u := range c.updates {
			out = append(out, u.Result)
		}
	}
	return out
}

func (x *harness) track(templates []TrackTemplate, rec *recorder, opts ...Option) *Tracker {
	x.t.Helper()
	var (
		tr  *Tracker
		err error
	)
	x.onLoop(func() {
		tr, err = TrackTemplateResult(x.hub, templates, rec.listener, opts...)
	})
	require.NoError(x.t, err)
	x.t.Cleanup(func() { _ = x.hub.Loop.Call(context.Background(), tr.Remove) })
	return tr
}
