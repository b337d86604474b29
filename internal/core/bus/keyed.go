package bus

import "sync"

// KeyFunc extracts the dispatch key from an event. ok=false drops the event.
type KeyFunc func(Event) (key string, ok bool)

// Keyed fans one bus listener out to per-key handlers, so thousands of
// per-entity subscriptions cost one map lookup per event instead of one
// filter call per subscription.
type Keyed struct {
	bus       *Bus
	eventType string
	keyFn     KeyFunc

	mu       sync.RWMutex
	handlers map[string][]*Subscription
	root     *Subscription
}

// NewKeyed creates a keyed dispatcher for eventType. The underlying bus
// listener is installed on the first subscription and kept afterwards, so
// events queued while handlers are swapped still reach the new handlers.
func NewKeyed(b *Bus, eventType string, keyFn KeyFunc) *Keyed {
	return &Keyed{
		bus:       b,
		eventType: eventType,
		keyFn:     keyFn,
		handlers:  make(map[string][]*Subscription),
	}
}

// Subscribe calls handler for events whose key is one of keys.
func (k *Keyed) Subscribe(keys []string, handler Handler) *Subscription {
	sub := &Subscription{eventType: k.eventType, handler: handler}
	sub.active.Store(true)

	unique := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		unique[key] = struct{}{}
	}

	k.mu.Lock()
	for key := range unique {
		k.handlers[key] = append(k.handlers[key], sub)
	}
	if k.root == nil && len(unique) > 0 {
		k.root = k.bus.Listen(k.eventType, k.dispatch)
	}
	k.mu.Unlock()

	sub.onCancel = func() { k.unsubscribe(sub, unique) }
	return sub
}

// Keys returns the number of keys that currently have handlers.
func (k *Keyed) Keys() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.handlers)
}

func (k *Keyed) dispatch(e Event) {
	key, ok := k.keyFn(e)
	if !ok {
		return
	}

	k.mu.RLock()
	subs := append([]*Subscription(nil), k.handlers[key]...)
	k.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(e)
	}
}

func (k *Keyed) unsubscribe(sub *Subscription, keys map[string]struct{}) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for key := range keys {
		subs := k.handlers[key]
		for i, s := range subs {
			if s == sub {
				subs = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) == 0 {
			delete(k.handlers, key)
		} else {
			k.handlers[key] = subs
		}
	}
}

// Close removes the underlying bus listener and every handler.
func (k *Keyed) Close() {
	k.mu.Lock()
	root := k.root
	k.root = nil
	k.handlers = make(map[string][]*Subscription)
	k.mu.Unlock()
	root.Cancel()
}
