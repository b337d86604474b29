package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/core/bus"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/metrics"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/sirupsen/logrus"
)

const (
	queueSize = 1024
	// setTimeout bounds how long an inbound set waits for the loop.
	setTimeout = 5 * time.Second
)

func statusTopic(base string) string {
	return base + "/status"
}

func entityTopic(base, entityID, leaf string) string {
	domain, object := states.SplitEntityID(entityID)
	return fmt.Sprintf("%s/%s/%s/%s", base, domain, object, leaf)
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// Stats counts bridge traffic.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Received  uint64 `json:"received"`
	Rejected  uint64 `json:"rejected"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetrics counts inbound and outbound messages.
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(b *Bridge) { b.metrics = c }
}

// Bridge publishes every state change to
// <base>/<domain>/<object_id>/state and .../attributes, and applies payloads
// published to .../set.
type Bridge struct {
	hub     *hub.Hub
	cfg     config.MQTTConfig
	client  Client
	logger  *logrus.Entry
	metrics metrics.MetricsCollector
	include map[string]bool

	sub   *bus.Subscription
	queue chan message

	published, dropped, failed, received, rejected atomic.Uint64
}

// NewBridge creates a bridge over a connected client.
func NewBridge(h *hub.Hub, cfg config.MQTTConfig, client Client, logger *logrus.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = h.Logger
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "pma"
	}
	b := &Bridge{
		hub:    h,
		cfg:    cfg,
		client: client,
		logger: logger.WithField("component", "mqtt"),
		queue:  make(chan message, queueSize),
	}
	if len(cfg.IncludeDomains) > 0 {
		b.include = make(map[string]bool, len(cfg.IncludeDomains))
		for _, d := range cfg.IncludeDomains {
			b.include[d] = true
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) included(entityID string) bool {
	if b.include == nil {
		return true
	}
	domain, _ := states.SplitEntityID(entityID)
	return b.include[domain]
}

// Start subscribes to the set topics when commands are accepted, starts
// mirroring state changes and queues every current state.
func (b *Bridge) Start(ctx context.Context) error {
	if b.sub != nil {
		return nil
	}
	if b.cfg.AcceptCommands {
		topic := b.cfg.BaseTopic + "/+/+/set"
		if err := b.client.Subscribe(topic, b.cfg.QoS, b.onSet); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	b.sub = b.hub.TrackAllStates(b.onStateChanged)
	return b.hub.Loop.Call(ctx, func() {
		for _, s := range b.hub.States.All() {
			if b.included(s.EntityID) {
				b.enqueueState(s)
			}
		}
	})
}

// Stop stops mirroring. Queued messages are discarded once Run returns.
func (b *Bridge) Stop() {
	b.sub.Cancel()
	b.sub = nil
}

// Run publishes queued messages until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-b.queue:
			b.publish(m)
		}
	}
}

// Stats returns the traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
		Received:  b.received.Load(),
		Rejected:  b.rejected.Load(),
	}
}

func (b *Bridge) publish(m message) {
	if err := b.client.Publish(m.topic, b.cfg.QoS, m.retained, m.payload); err != nil {
		b.failed.Add(1)
		b.logger.WithError(err).WithField("topic", m.topic).Debug("Failed to publish state")
		return
	}
	b.published.Add(1)
	if b.metrics != nil {
		b.metrics.RecordMQTTMessage("outbound")
	}
}

// onStateChanged runs on the loop and must not block.
func (b *Bridge) onStateChanged(e bus.Event) {
	data, ok := e.Data.(states.ChangedData)
	if !ok || !b.included(data.EntityID) {
		return
	}
	if data.NewState == nil {
		// empty retained payloads clear the broker's copy
		b.enqueue(message{topic: entityTopic(b.cfg.BaseTopic, data.EntityID, "state"), retained: b.cfg.Retain})
		b.enqueue(message{topic: entityTopic(b.cfg.BaseTopic, data.EntityID, "attributes"), retained: b.cfg.Retain})
		return
	}
	b.enqueueState(data.NewState)
}

func (b *Bridge) enqueueState(s *states.State) {
	b.enqueue(message{
		topic:    entityTopic(b.cfg.BaseTopic, s.EntityID, "state"),
		payload:  []byte(s.State),
		retained: b.cfg.Retain,
	})
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		b.logger.WithError(err).WithField("entity_id", s.EntityID).Warn("Attributes not serializable")
		return
	}
	b.enqueue(message{
		topic:    entityTopic(b.cfg.BaseTopic, s.EntityID, "attributes"),
		payload:  attrs,
		retained: b.cfg.Retain,
	})
}

func (b *Bridge) enqueue(m message) {
	select {
	case b.queue <- m:
	default:
		if b.dropped.Add(1) == 1 {
			b.logger.Warn("MQTT publish queue full, dropping messages")
		}
	}
}

type setPayload struct {
	State      *string                `json:"state"`
	Attributes map[string]interface{} `json:"attributes"`
}

// onSet applies a message from <base>/<domain>/<object_id>/set. The payload
// is either the bare state or {"state": ..., "attributes": {...}}. Without
// attributes the entity keeps its current ones.
func (b *Bridge) onSet(topic string, payload []byte) {
	b.received.Add(1)
	if b.metrics != nil {
		b.metrics.RecordMQTTMessage("inbound")
	}

	entityID, err := b.parseSetTopic(topic)
	if err == nil && !b.included(entityID) {
		err = fmt.Errorf("domain of %s is not bridged", entityID)
	}
	var value string
	var attrs map[string]interface{}
	if err == nil {
		value, attrs, err = parseSetPayload(payload)
	}
	if err != nil {
		b.rejected.Add(1)
		b.logger.WithError(err).WithField("topic", topic).Warn("Rejected MQTT set message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), setTimeout)
	defer cancel()
	var setErr error
	err = b.hub.Loop.Call(ctx, func() {
		keep := attrs
		if keep == nil {
			if current := b.hub.States.Get(entityID); current != nil {
				keep = current.Attributes
			}
		}
		_, setErr = b.hub.States.Set(entityID, value, keep, false)
	})
	if err != nil {
		b.logger.WithError(err).WithField("entity_id", entityID).Warn("Dropped MQTT set message")
		return
	}
	if setErr != nil {
		b.rejected.Add(1)
		b.logger.WithError(setErr).WithField("entity_id", entityID).Warn("Rejected MQTT set message")
	}
}

func (b *Bridge) parseSetTopic(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, b.cfg.BaseTopic+"/")
	if !ok {
		return "", fmt.Errorf("unexpected topic %q", topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return "", fmt.Errorf("unexpected topic %q", topic)
	}
	entityID := parts[0] + "." + parts[1]
	if !states.ValidEntityID(entityID) {
		return "", fmt.Errorf("invalid entity id %q", entityID)
	}
	return entityID, nil
}

func parseSetPayload(payload []byte) (string, map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return "", nil, errors.New("empty payload")
	}
	if trimmed[0] != '{' {
		return string(trimmed), nil, nil
	}
	var p setPayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return "", nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if p.State == nil {
		return "", nil, errors.New("payload has no state")
	}
	return *p.State, p.Attributes, nil
}
