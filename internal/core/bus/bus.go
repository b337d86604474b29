package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/loop"
)

// MatchAll subscribes a listener to every event type.
const MatchAll = "*"

// Well-known event types.
const (
	EventStateChanged   = "state_changed"
	EventTimeChanged    = "time_changed"
	EventServiceStarted = "hub_started"
	EventServiceStopped = "hub_stopped"
)

// Event is a single occurrence on the bus. Seq is unique and increasing per bus.
type Event struct {
	Seq       uint64      `json:"seq"`
	Type      string      `json:"event_type"`
	Data      interface{} `json:"data"`
	TimeFired time.Time   `json:"time_fired"`
	Origin    string      `json:"origin"`
}

// Handler receives events on the loop goroutine.
type Handler func(Event)

// Filter decides, before the handler runs, whether an event is delivered.
type Filter func(Event) bool

// Bus dispatches fired events to listeners on the event loop in FIFO order.
type Bus struct {
	loop *loop.Loop
	seq  atomic.Uint64

	mu        sync.RWMutex
	listeners map[string][]*Subscription
}

// New creates a bus dispatching on l.
func New(l *loop.Loop) *Bus {
	return &Bus{
		loop:      l,
		listeners: make(map[string][]*Subscription),
	}
}

// ListenOption customises a subscription.
type ListenOption func(*Subscription)

// WithFilter only delivers events for which f returns true.
func WithFilter(f Filter) ListenOption {
	return func(s *Subscription) { s.filter = f }
}

// Listen registers handler for eventType (or MatchAll).
func (b *Bus) Listen(eventType string, handler Handler, opts ...ListenOption) *Subscription {
	sub := &Subscription{bus: b, eventType: eventType, handler: handler}
	sub.active.Store(true)
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.listeners[eventType] = append(b.listeners[eventType], sub)
	b.mu.Unlock()
	return sub
}

// ListenOnce registers handler for the next matching event only.
func (b *Bus) ListenOnce(eventType string, handler Handler, opts ...ListenOption) *Subscription {
	var sub *Subscription
	sub = b.Listen(eventType, func(e Event) {
		if sub.Cancel() {
			handler(e)
		}
	}, opts...)
	return sub
}

// Fire queues an event for dispatch on the loop and returns it.
func (b *Bus) Fire(eventType string, data interface{}) Event {
	return b.FireWithOrigin(eventType, data, "local")
}

// FireWithOrigin is Fire with an explicit origin tag (local, remote, mqtt...).
func (b *Bus) FireWithOrigin(eventType string, data interface{}, origin string) Event {
	event := Event{
		Seq:       b.seq.Add(1),
		Type:      eventType,
		Data:      data,
		TimeFired: b.loop.Now(),
		Origin:    origin,
	}

	// Listeners are resolved when the event is dispatched, so a listener
	// installed on the loop after Fire but before dispatch still sees it.
	b.loop.CallSoon(func() {
		for _, sub := range b.subscribers(eventType) {
			sub.deliver(event)
		}
	})
	return event
}

func (b *Bus) subscribers(eventType string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]*Subscription, 0, len(b.listeners[eventType])+len(b.listeners[MatchAll]))
	subs = append(subs, b.listeners[eventType]...)
	if eventType != MatchAll {
		subs = append(subs, b.listeners[MatchAll]...)
	}
	return subs
}

// ListenerCounts returns the number of active listeners per event type.
func (b *Bus) ListenerCounts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int, len(b.listeners))
	for eventType, subs := range b.listeners {
		if len(subs) > 0 {
			counts[eventType] = len(subs)
		}
	}
	return counts
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.listeners[sub.eventType]
	for i, s := range subs {
		if s == sub {
			b.listeners[sub.eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.listeners[sub.eventType]) == 0 {
		delete(b.listeners, sub.eventType)
	}
}

// Subscription is the token returned by Listen. Cancel is idempotent and a
// cancelled subscription never sees another event, including queued ones.
type Subscription struct {
	bus       *Bus
	eventType string
	handler   Handler
	filter    Filter
	active    atomic.Bool

	onCancel func()
}

// Cancel removes the subscription. It reports whether this call cancelled it.
func (s *Subscription) Cancel() bool {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return false
	}
	if s.bus != nil {
		s.bus.remove(s)
	}
	if s.onCancel != nil {
		s.onCancel()
	}
	return true
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

func (s *Subscription) deliver(e Event) {
	if !s.active.Load() {
		return
	}
	if s.filter != nil && !s.filter(e) {
		return
	}
	s.handler(e)
}

// Now returns the loop clock's time, used to stamp events and states.
func (b *Bus) Now() time.Time {
	return b.loop.Now()
}
