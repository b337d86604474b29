package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/bus"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/frostdev-ops/pma-hub/internal/core/template"
	"github.com/frostdev-ops/pma-hub/internal/core/track"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer
	defaultMaxMessageSize = 64 * 1024

	sendBuffer  = 256
	callTimeout = 10 * time.Second
)

// limits are the connection timings and sizes of a hub.
type limits struct {
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration // must be less than pongWait
	maxMessageSize int64
}

func defaultLimits() limits {
	return limits{
		writeWait:      defaultWriteWait,
		pongWait:       defaultPongWait,
		pingPeriod:     defaultPongWait * 9 / 10,
		maxMessageSize: defaultMaxMessageSize,
	}
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	ID string

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	hub    *Hub
	logger *logrus.Entry

	UserAgent   string    `json:"user_agent"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`

	mu   sync.Mutex
	subs map[int]func() // cancel funcs by command id; each must run on the loop
}

// queue hands data to the write pump without blocking. It is called from
// the loop, so a slow client loses messages instead of stalling the hub.
func (c *Client) queue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.messagesDropped.Add(1)
		c.logger.Debug("WebSocket send buffer full, dropping message")
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump reads commands until the connection fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	lim := c.hub.limits
	c.conn.SetReadLimit(lim.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(lim.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(lim.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("WebSocket connection error")
			}
			return
		}
		c.hub.messagesReceived.Add(1)
		c.handleMessage(message)
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *Client) writePump() {
	lim := c.hub.limits
	ticker := time.NewTicker(lim.pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(lim.writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(lim.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			c.hub.messagesSent.Add(1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(lim.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming messages from the client
func (c *Client) handleMessage(message []byte) {
	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.queue(errorMessage(0, ErrCodeInvalidFormat, "invalid JSON: "+err.Error()).ToJSON())
		return
	}

	switch cmd.Type {
	case CommandPing:
		c.queue(Message{ID: cmd.ID, Type: MessageTypePong}.ToJSON())
	case CommandGetStates:
		c.queue(resultMessage(cmd.ID, c.hub.core.States.All()).ToJSON())
	case CommandSubscribeEvents:
		c.subscribeEvents(cmd)
	case CommandRenderTemplate:
		c.renderTemplate(cmd)
	case CommandSubscribeEntities:
		c.subscribeEntities(cmd)
	case CommandSubscribeCond:
		c.subscribeCondition(cmd)
	case CommandUnsubscribeEvents:
		c.unsubscribe(cmd)
	default:
		c.queue(errorMessage(cmd.ID, ErrCodeUnknown, fmt.Sprintf("unknown command %q", cmd.Type)).ToJSON())
	}
}

func (c *Client) addSubscription(id int, cancel func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subs[id]; exists {
		return false
	}
	c.subs[id] = cancel
	return true
}

// subscribeEvents listens for eventType, or every event when it is empty.
// The listener is installed on the loop so the result precedes any event.
func (c *Client) subscribeEvents(cmd Command) {
	eventType := cmd.EventType
	if eventType == "" {
		eventType = bus.MatchAll
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	err := c.hub.core.Loop.Call(ctx, func() {
		sub := c.hub.core.Bus.Listen(eventType, func(e bus.Event) {
			c.queue(eventMessage(cmd.ID, e).ToJSON())
		})
		if !c.addSubscription(cmd.ID, func() { sub.Cancel() }) {
			sub.Cancel()
			c.queue(errorMessage(cmd.ID, ErrCodeInvalidFormat, "id already in use").ToJSON())
			return
		}
		c.queue(resultMessage(cmd.ID, nil).ToJSON())
	})
	if err != nil {
		c.queue(errorMessage(cmd.ID, ErrCodeUnavailable, err.Error()).ToJSON())
	}
}

// renderTemplate starts a tracker for the template. The first render is
// sent right after the result; later ones whenever the result changes.
func (c *Client) renderTemplate(cmd Command) {
	tpl := template.New(cmd.Template)
	if err := tpl.EnsureValid(); err != nil {
		c.queue(errorMessage(cmd.ID, ErrCodeTemplate, err.Error()).ToJSON())
		return
	}

	opts := c.trackOptions(cmd)
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var (
		tracker  *track.Tracker
		trackErr error
	)
	err := c.hub.core.Loop.Call(ctx, func() {
		tracker, trackErr = track.TrackTemplateResult(c.hub.core, []track.TrackTemplate{{
			Template:  tpl,
			Variables: cmd.Variables,
			RateLimit: cmd.rateLimit(),
		}}, func(_ *bus.Event, updates []track.ResultUpdate) {
			result := updates[len(updates)-1].Result
			c.queue(eventMessage(cmd.ID, renderEvent(result, tracker.Listeners())).ToJSON())
		}, opts...)
		if trackErr != nil {
			return
		}
		if !c.addSubscription(cmd.ID, tracker.Remove) {
			tracker.Remove()
			c.queue(errorMessage(cmd.ID, ErrCodeInvalidFormat, "id already in use").ToJSON())
			return
		}
		c.queue(resultMessage(cmd.ID, nil).ToJSON())
		c.queue(eventMessage(cmd.ID, renderEvent(tracker.Results()[0], tracker.Listeners())).ToJSON())
	})
	switch {
	case err != nil:
		c.queue(errorMessage(cmd.ID, ErrCodeUnavailable, err.Error()).ToJSON())
	case trackErr != nil:
		c.queue(errorMessage(cmd.ID, ErrCodeTemplate, trackErr.Error()).ToJSON())
	}
}

// trackOptions adds the per-command options to the hub's defaults. Strict
// commands fail outright when the first render fails.
func (c *Client) trackOptions(cmd Command) []track.Option {
	opts := append([]track.Option{}, c.hub.trackOpts...)
	if cmd.Strict {
		opts = append(opts, track.Strict(), track.RaiseOnTemplateError())
	}
	return opts
}

// subscribeEntities streams every state change of the listed entities.
func (c *Client) subscribeEntities(cmd Command) {
	if len(cmd.EntityIDs) == 0 {
		c.queue(errorMessage(cmd.ID, ErrCodeInvalidFormat, "entity_ids is required").ToJSON())
		return
	}
	for _, id := range cmd.EntityIDs {
		if !states.ValidEntityID(id) {
			c.queue(errorMessage(cmd.ID, ErrCodeInvalidFormat, fmt.Sprintf("invalid entity id %q", id)).ToJSON())
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	err := c.hub.core.Loop.Call(ctx, func() {
		sub := track.StateChange(c.hub.core, cmd.EntityIDs, func(data states.ChangedData) {
			c.queue(eventMessage(cmd.ID, data).ToJSON())
		})
		if !c.addSubscription(cmd.ID, func() { sub.Cancel() }) {
			sub.Cancel()
			c.queue(errorMessage(cmd.ID, ErrCodeInvalidFormat, "id already in use").ToJSON())
			return
		}
		c.queue(resultMessage(cmd.ID, nil).ToJSON())
	})
	if err != nil {
		c.queue(errorMessage(cmd.ID, ErrCodeUnavailable, err.Error()).ToJSON())
	}
}

// subscribeCondition sends an event each time the template turns true.
func (c *Client) subscribeCondition(cmd Command) {
	tpl := template.New(cmd.Template)
	if err := tpl.EnsureValid(); err != nil {
		c.queue(errorMessage(cmd.ID, ErrCodeTemplate, err.Error()).ToJSON())
		return
	}
	opts := c.trackOptions(cmd)
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var trackErr error
	err := c.hub.core.Loop.Call(ctx, func() {
		var tracker *track.Tracker
		tracker, trackErr = track.TrackCondition(c.hub.core, tpl, cmd.Variables, func(entityID string, from, to *states.State) {
			c.queue(eventMessage(cmd.ID, ConditionEvent{EntityID: entityID, FromState: from, ToState: to}).ToJSON())
		}, opts...)
		if trackErr != nil {
			return
		}
		if !c.addSubscription(cmd.ID, tracker.Remove) {
			tracker.Remove()
			c.queue(errorMessage(cmd.ID, ErrCodeInvalidFormat, "id already in use").ToJSON())
			return
		}
		c.queue(resultMessage(cmd.ID, nil).ToJSON())
	})
	switch {
	case err != nil:
		c.queue(errorMessage(cmd.ID, ErrCodeUnavailable, err.Error()).ToJSON())
	case trackErr != nil:
		c.queue(errorMessage(cmd.ID, ErrCodeTemplate, trackErr.Error()).ToJSON())
	}
}

func (c *Client) unsubscribe(cmd Command) {
	c.mu.Lock()
	cancel, ok := c.subs[cmd.Subscription]
	delete(c.subs, cmd.Subscription)
	c.mu.Unlock()

	if !ok {
		c.queue(errorMessage(cmd.ID, ErrCodeNotFound, "subscription not found").ToJSON())
		return
	}

	ctx, done := context.WithTimeout(context.Background(), callTimeout)
	defer done()
	if err := c.hub.onLoop(ctx, cancel); err != nil {
		c.queue(errorMessage(cmd.ID, ErrCodeUnavailable, err.Error()).ToJSON())
		return
	}
	c.queue(resultMessage(cmd.ID, nil).ToJSON())
}

// cancelAll releases every subscription of a departing client.
func (c *Client) cancelAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[int]func())
	c.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	err := c.hub.onLoop(ctx, func() {
		for _, fn := range subs {
			fn()
		}
	})
	if err != nil {
		c.logger.WithError(err).Warn("Failed to release subscriptions")
	}
}

func (c *Client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
