package websocket

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/loop"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	t    *testing.T
	core *hub.Hub
	hub  *Hub
	conn *websocket.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := loop.NewManualClock(time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC))
	core := hub.New(loop.New(loop.WithClock(clock), loop.WithLogger(logger)), logger)

	ctx, cancel := context.WithCancel(context.Background())
	coreDone := make(chan error, 1)
	go func() { coreDone <- core.Run(ctx) }()

	wsHub := NewHub(core, logger)
	srv := httptest.NewServer(wsHub)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		wsHub.Close()
		srv.Close()
		cancel()
		<-coreDone
	})

	x := &harness{t: t, core: core, hub: wsHub, conn: conn}
	welcome := x.read()
	require.Equal(t, MessageTypeConnected, welcome["type"])
	return x
}

func (x *harness) send(cmd map[string]interface{}) {
	x.t.Helper()
	require.NoError(x.t, x.conn.WriteJSON(cmd))
}

func (x *harness) read() map[string]interface{} {
	x.t.Helper()
	require.NoError(x.t, x.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]interface{}
	require.NoError(x.t, x.conn.ReadJSON(&m))
	return m
}

func (x *harness) set(entityID, state string) {
	x.t.Helper()
	_, err := x.core.States.Set(entityID, state, nil, false)
	require.NoError(x.t, err)
	x.core.Loop.BlockTillDone()
}

// expectQuiet checks nothing else was queued by round-tripping a ping.
func (x *harness) expectQuiet(id int) {
	x.t.Helper()
	x.send(map[string]interface{}{"id": id, "type": "ping"})
	msg := x.read()
	assert.Equal(x.t, MessageTypePong, msg["type"])
	assert.Equal(x.t, float64(id), msg["id"])
}

func TestHub_Ping(t *testing.T) {
	x := newHarness(t)
	x.expectQuiet(7)
}

func TestHub_GetStates(t *testing.T) {
	x := newHarness(t)
	x.set("light.kitchen", "on")

	x.send(map[string]interface{}{"id": 1, "type": "get_states"})
	msg := x.read()
	assert.Equal(t, true, msg["success"])
	states := msg["result"].([]interface{})
	require.Len(t, states, 1)
	assert.Equal(t, "light.kitchen", states[0].(map[string]interface{})["entity_id"])
}

func TestHub_RenderTemplate(t *testing.T) {
	x := newHarness(t)
	x.set("sensor.a", "1")

	x.send(map[string]interface{}{
		"id":       3,
		"type":     "render_template",
		"template": "{{ states('sensor.a') | int + offset }}",
		"variables": map[string]interface{}{
			"offset": 1,
		},
	})
	result := x.read()
	assert.Equal(t, MessageTypeResult, result["type"])
	assert.Equal(t, true, result["success"])

	first := x.read()
	assert.Equal(t, MessageTypeEvent, first["type"])
	assert.Equal(t, float64(3), first["id"])
	event := first["event"].(map[string]interface{})
	assert.Equal(t, float64(2), event["result"])
	listeners := event["listeners"].(map[string]interface{})
	assert.Equal(t, []interface{}{"sensor.a"}, listeners["entities"])
	assert.Equal(t, false, listeners["all"])

	x.set("sensor.a", "5")
	event = x.read()["event"].(map[string]interface{})
	assert.Equal(t, float64(6), event["result"])

	// an unchanged result is not sent again
	x.set("sensor.a", "5.0")
	x.expectQuiet(4)

	x.send(map[string]interface{}{"id": 5, "type": "unsubscribe_events", "subscription": 3})
	assert.Equal(t, true, x.read()["success"])
	x.set("sensor.a", "9")
	x.expectQuiet(6)

	entities, _ := x.core.KeyedListenerCounts()
	assert.Zero(t, entities)
}

func TestHub_RenderTemplateErrors(t *testing.T) {
	x := newHarness(t)

	x.send(map[string]interface{}{"id": 1, "type": "render_template", "template": "{{ states( }}"})
	msg := x.read()
	assert.Equal(t, false, msg["success"])
	assert.Equal(t, ErrCodeTemplate, msg["error"].(map[string]interface{})["code"])

	x.set("sensor.a", "abc")
	x.send(map[string]interface{}{"id": 2, "type": "render_template", "template": "{{ states('sensor.a') | float }}"})
	assert.Equal(t, true, x.read()["success"])
	event := x.read()["event"].(map[string]interface{})
	assert.Nil(t, event["result"])
	assert.Equal(t, "ValueError", event["error"].(map[string]interface{})["kind"])

	x.set("sensor.a", "2.5")
	event = x.read()["event"].(map[string]interface{})
	assert.Equal(t, 2.5, event["result"])
	assert.Nil(t, event["error"])
}

func TestHub_RenderTemplateStrict(t *testing.T) {
	x := newHarness(t)

	x.send(map[string]interface{}{"id": 1, "type": "render_template", "template": "{{ missing }}"})
	assert.Equal(t, true, x.read()["success"], "unknown names render empty by default")
	assert.Equal(t, MessageTypeEvent, x.read()["type"])

	x.send(map[string]interface{}{"id": 2, "type": "render_template", "template": "{{ missing }}", "strict": true})
	msg := x.read()
	assert.Equal(t, false, msg["success"])
	assert.Equal(t, ErrCodeTemplate, msg["error"].(map[string]interface{})["code"])
	x.expectQuiet(3)
	assert.Equal(t, 1, x.hub.Stats().Subscriptions)
}

func TestHub_SubscribeEntities(t *testing.T) {
	x := newHarness(t)

	x.send(map[string]interface{}{"id": 1, "type": "subscribe_entities"})
	assert.Equal(t, ErrCodeInvalidFormat, x.read()["error"].(map[string]interface{})["code"])
	x.send(map[string]interface{}{"id": 2, "type": "subscribe_entities", "entity_ids": []string{"not an id"}})
	assert.Equal(t, ErrCodeInvalidFormat, x.read()["error"].(map[string]interface{})["code"])

	x.send(map[string]interface{}{"id": 3, "type": "subscribe_entities", "entity_ids": []string{"light.a"}})
	assert.Equal(t, true, x.read()["success"])

	x.set("light.b", "on")
	x.set("light.a", "on")
	data := x.read()["event"].(map[string]interface{})
	assert.Equal(t, "light.a", data["entity_id"])
	assert.Nil(t, data["old_state"])
	assert.Equal(t, "on", data["new_state"].(map[string]interface{})["state"])

	x.send(map[string]interface{}{"id": 4, "type": "unsubscribe_events", "subscription": 3})
	assert.Equal(t, true, x.read()["success"])
	x.set("light.a", "off")
	x.expectQuiet(5)
	entities, _ := x.core.KeyedListenerCounts()
	assert.Zero(t, entities)
}

func TestHub_SubscribeCondition(t *testing.T) {
	x := newHarness(t)
	x.set("sensor.temp", "10")

	x.send(map[string]interface{}{"id": 1, "type": "subscribe_condition", "template": "{{ states( }}"})
	assert.Equal(t, ErrCodeTemplate, x.read()["error"].(map[string]interface{})["code"])

	x.send(map[string]interface{}{
		"id":       2,
		"type":     "subscribe_condition",
		"template": "{{ states('sensor.temp') | float(0) > limit }}",
		"variables": map[string]interface{}{
			"limit": 20,
		},
	})
	assert.Equal(t, true, x.read()["success"])

	x.set("sensor.temp", "25")
	event := x.read()["event"].(map[string]interface{})
	assert.Equal(t, "sensor.temp", event["entity_id"])
	assert.Equal(t, "10", event["from_state"].(map[string]interface{})["state"])
	assert.Equal(t, "25", event["to_state"].(map[string]interface{})["state"])

	// still true, so no new edge
	x.set("sensor.temp", "30")
	x.expectQuiet(3)

	x.set("sensor.temp", "5")
	x.set("sensor.temp", "21")
	event = x.read()["event"].(map[string]interface{})
	assert.Equal(t, "21", event["to_state"].(map[string]interface{})["state"])
	x.expectQuiet(4)
}

func TestHub_SubscribeEvents(t *testing.T) {
	x := newHarness(t)

	x.send(map[string]interface{}{"id": 1, "type": "subscribe_events", "event_type": "state_changed"})
	assert.Equal(t, true, x.read()["success"])

	x.set("switch.fan", "on")
	msg := x.read()
	assert.Equal(t, MessageTypeEvent, msg["type"])
	event := msg["event"].(map[string]interface{})
	assert.Equal(t, "state_changed", event["event_type"])
	data := event["data"].(map[string]interface{})
	assert.Equal(t, "switch.fan", data["entity_id"])
	assert.Nil(t, data["old_state"])

	x.send(map[string]interface{}{"id": 1, "type": "subscribe_events"})
	assert.Equal(t, ErrCodeInvalidFormat, x.read()["error"].(map[string]interface{})["code"], "ids are unique")

	assert.Equal(t, 1, x.hub.Stats().Subscriptions)
}

func TestHub_BadCommands(t *testing.T) {
	x := newHarness(t)

	require.NoError(t, x.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, ErrCodeInvalidFormat, x.read()["error"].(map[string]interface{})["code"])

	x.send(map[string]interface{}{"id": 1, "type": "call_service"})
	assert.Equal(t, ErrCodeUnknown, x.read()["error"].(map[string]interface{})["code"])

	x.send(map[string]interface{}{"id": 2, "type": "unsubscribe_events", "subscription": 99})
	assert.Equal(t, ErrCodeNotFound, x.read()["error"].(map[string]interface{})["code"])
}

func TestHub_DisconnectReleasesSubscriptions(t *testing.T) {
	x := newHarness(t)
	x.set("sensor.a", "1")

	x.send(map[string]interface{}{"id": 1, "type": "render_template", "template": "{{ states('sensor.a') }}"})
	x.read()
	x.read()
	stats := x.hub.Stats()
	assert.Equal(t, 1, stats.ConnectedClients)
	assert.Equal(t, 1, stats.Subscriptions)

	require.NoError(t, x.conn.Close())
	assert.Eventually(t, func() bool {
		entities, _ := x.core.KeyedListenerCounts()
		return x.hub.Stats().ConnectedClients == 0 && entities == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), x.hub.Stats().TotalConnections)
}

func TestCommand_RateLimit(t *testing.T) {
	seconds := func(v float64) *float64 { return &v }
	assert.Zero(t, Command{}.rateLimit())
	assert.Equal(t, 1500*time.Millisecond, Command{RateLimit: seconds(1.5)}.rateLimit())
	assert.Negative(t, Command{RateLimit: seconds(-1)}.rateLimit())
}

func TestWithConfig(t *testing.T) {
	core := hub.New(loop.New(), logrus.New())

	h := NewHub(core, nil, WithConfig(config.WebSocketConfig{}))
	assert.Equal(t, defaultLimits(), h.limits)

	h = NewHub(core, nil, WithConfig(config.WebSocketConfig{
		PingInterval:   90,
		PongTimeout:    30,
		WriteTimeout:   5,
		ReadBufferSize: 4096,
		MaxMessageSize: 1024,
	}))
	assert.Equal(t, 30*time.Second, h.limits.pongWait)
	assert.Equal(t, 27*time.Second, h.limits.pingPeriod, "ping period stays below the pong timeout")
	assert.Equal(t, 5*time.Second, h.limits.writeWait)
	assert.Equal(t, int64(1024), h.limits.maxMessageSize)
	assert.Equal(t, 4096, h.upgrader.ReadBufferSize)
	assert.Equal(t, 1024, h.upgrader.WriteBufferSize)
}
