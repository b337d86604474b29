package websocket

import (
	"encoding/json"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/frostdev-ops/pma-hub/internal/core/template"
	"github.com/frostdev-ops/pma-hub/internal/core/track"
)

// Command types accepted from clients.
const (
	CommandPing              = "ping"
	CommandGetStates         = "get_states"
	CommandSubscribeEvents   = "subscribe_events"
	CommandRenderTemplate    = "render_template"
	CommandUnsubscribeEvents = "unsubscribe_events"
	CommandSubscribeEntities = "subscribe_entities"
	CommandSubscribeCond     = "subscribe_condition"
)

// Message types sent to clients.
const (
	MessageTypeConnected = "connected"
	MessageTypePong      = "pong"
	MessageTypeResult    = "result"
	MessageTypeEvent     = "event"
)

// Error codes carried by failed results.
const (
	ErrCodeInvalidFormat = "invalid_format"
	ErrCodeUnknown       = "unknown_command"
	ErrCodeNotFound      = "not_found"
	ErrCodeTemplate      = "template_error"
	ErrCodeUnavailable   = "unavailable"
)

// Command is one request from a client. Replies carry the same ID.
type Command struct {
	ID   int    `json:"id"`
	Type string `json:"type"`

	// subscribe_events
	EventType string `json:"event_type,omitempty"`

	// unsubscribe_events
	Subscription int `json:"subscription,omitempty"`

	// subscribe_entities
	EntityIDs []string `json:"entity_ids,omitempty"`

	// render_template and subscribe_condition. RateLimit applies to
	// render_template only and is in seconds; a negative value disables rate
	// limiting and an absent one keeps the implicit limits. Strict fails the
	// command when the first render does.
	Template  string                 `json:"template,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`
	RateLimit *float64               `json:"rate_limit,omitempty"`
	Strict    bool                   `json:"strict,omitempty"`
}

func (c Command) rateLimit() time.Duration {
	if c.RateLimit == nil {
		return 0
	}
	if *c.RateLimit < 0 {
		return track.NoRateLimit
	}
	return time.Duration(*c.RateLimit * float64(time.Second))
}

// ErrorInfo describes why a command failed.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is one frame sent to a client.
type Message struct {
	ID        int         `json:"id,omitempty"`
	Type      string      `json:"type"`
	Success   *bool       `json:"success,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Event     interface{} `json:"event,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ToJSON converts the message to JSON bytes
func (m Message) ToJSON() []byte {
	m.Timestamp = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		// results are user data; fall back to reporting the failure
		data, _ = json.Marshal(errorMessage(m.ID, ErrCodeInvalidFormat, "result not serializable: "+err.Error()))
	}
	return data
}

func resultMessage(id int, result interface{}) Message {
	ok := true
	return Message{ID: id, Type: MessageTypeResult, Success: &ok, Result: result}
}

func errorMessage(id int, code, message string) Message {
	ok := false
	return Message{
		ID:      id,
		Type:    MessageTypeResult,
		Success: &ok,
		Error:   &ErrorInfo{Code: code, Message: message},
	}
}

func eventMessage(id int, event interface{}) Message {
	return Message{ID: id, Type: MessageTypeEvent, Event: event}
}

// RenderEvent is streamed to render_template subscribers on every change of
// the result. Exactly one of Result and Error is set.
type RenderEvent struct {
	Result    interface{}     `json:"result,omitempty"`
	Error     *template.Error `json:"error,omitempty"`
	Listeners track.ScopeView `json:"listeners"`
}

func renderEvent(result interface{}, scope track.ListenerScope) RenderEvent {
	ev := RenderEvent{Listeners: scope.View()}
	if err, failed := result.(*template.Error); failed {
		ev.Error = err
	} else {
		ev.Result = result
	}
	return ev
}

// ConditionEvent is sent to subscribe_condition subscribers each time the
// condition turns true. The entity fields are empty when no state change
// caused it.
type ConditionEvent struct {
	EntityID  string        `json:"entity_id,omitempty"`
	FromState *states.State `json:"from_state"`
	ToState   *states.State `json:"to_state"`
}
