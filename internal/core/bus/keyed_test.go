package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func keyOf(e Event) (string, bool) {
	s, ok := e.Data.(string)
	return s, ok
}

func TestKeyed_DispatchesByKey(t *testing.T) {
	b, l := newBus(t)
	k := NewKeyed(b, "k", keyOf)
	var a, ab []string
	subA := k.Subscribe([]string{"a"}, func(e Event) { a = append(a, e.Data.(string)) })
	subAB := k.Subscribe([]string{"a", "b", "b"}, func(e Event) { ab = append(ab, e.Data.(string)) })
	assert.Equal(t, 2, k.Keys())
	assert.Equal(t, map[string]int{"k": 1}, b.ListenerCounts(), "one bus listener for every key")

	for _, key := range []string{"a", "b", "c"} {
		b.Fire("k", key)
	}
	b.Fire("k", 7)
	l.BlockTillDone()

	assert.Equal(t, []string{"a"}, a)
	assert.Equal(t, []string{"a", "b"}, ab)

	subA.Cancel()
	assert.Equal(t, 2, k.Keys())
	subAB.Cancel()
	assert.Zero(t, k.Keys())
	assert.Equal(t, map[string]int{"k": 1}, b.ListenerCounts())

	k.Close()
	assert.Empty(t, b.ListenerCounts())
}

func TestKeyed_ResubscribeFromHandler(t *testing.T) {
	b, l := newBus(t)
	k := NewKeyed(b, "k", keyOf)
	var got []string
	var sub *Subscription
	sub = k.Subscribe([]string{"a"}, func(e Event) {
		got = append(got, e.Data.(string))
		sub.Cancel()
		sub = k.Subscribe([]string{"b"}, func(e Event) { got = append(got, "b:"+e.Data.(string)) })
	})

	b.Fire("k", "a")
	b.Fire("k", "b")
	b.Fire("k", "a")
	l.BlockTillDone()
	assert.Equal(t, []string{"a", "b:b"}, got, "events queued before the swap reach the new handler")
	sub.Cancel()
}
