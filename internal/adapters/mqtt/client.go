// Package mqtt mirrors the state machine to an MQTT broker and accepts state
// updates published to per-entity set topics.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/frostdev-ops/pma-hub/internal/config"
	apperrors "github.com/frostdev-ops/pma-hub/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt client not connected")

// MessageHandler receives messages for a subscription. Handlers run on
// paho's goroutines.
type MessageHandler func(topic string, payload []byte)

// Client is the part of an MQTT client the bridge needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	IsConnected() bool
	Close()
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

type pahoClient struct {
	client pahomqtt.Client
	logger *logrus.Entry

	mu   sync.Mutex
	subs map[string]subscription
}

func buildClientOptions(cfg config.MQTTConfig, logger *logrus.Entry, onConnect func(pahomqtt.Client)) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(statusTopic(cfg.BaseTopic), "offline", 1, true)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		logger.Info("Connected to MQTT broker")
		c.Publish(statusTopic(cfg.BaseTopic), 1, true, "online")
		onConnect(c)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.WithError(err).Warn("Lost connection to MQTT broker")
	})
	return opts
}

// Connect dials the broker, retrying with backoff until the policy gives up
// or ctx is done.
func Connect(ctx context.Context, cfg config.MQTTConfig, logger *logrus.Logger) (Client, error) {
	entry := logger.WithFields(logrus.Fields{
		"component": "mqtt",
		"broker":    cfg.Broker,
	})
	pc := &pahoClient{logger: entry, subs: make(map[string]subscription)}
	client := pahomqtt.NewClient(buildClientOptions(cfg, entry, pc.resubscribe))
	pc.client = client

	retry := apperrors.NewRetryExecutor(&apperrors.RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}, logger)
	err := retry.Execute(ctx, "mqtt_connect", func() error {
		token := client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("timeout after %v", connectTimeout)
		}
		return token.Error()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	return pc, nil
}

// resubscribe restores subscriptions after a reconnect; clean sessions drop
// them on the broker side.
func (c *pahoClient) resubscribe(client pahomqtt.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, sub := range c.subs {
		client.Subscribe(topic, sub.qos, wrap(sub.handler))
	}
}

func wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}

func (c *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (c *pahoClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	token := c.client.Subscribe(topic, qos, wrap(handler))
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	return token.Error()
}

func (c *pahoClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *pahoClient) Close() {
	c.client.Disconnect(disconnectQuiesce)
}
