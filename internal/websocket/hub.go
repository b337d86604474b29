package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/loop"
	"github.com/frostdev-ops/pma-hub/internal/core/metrics"
	"github.com/frostdev-ops/pma-hub/internal/core/track"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Hub maintains the set of active clients and their subscriptions.
type Hub struct {
	core      *hub.Hub
	logger    *logrus.Logger
	metrics   metrics.MetricsCollector
	trackOpts []track.Option
	upgrader  websocket.Upgrader
	limits    limits

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
	wg      sync.WaitGroup

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	messagesDropped  atomic.Int64
}

// HubStats contains hub statistics
type HubStats struct {
	ConnectedClients int   `json:"connected_clients"`
	TotalConnections int64 `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	MessagesDropped  int64 `json:"messages_dropped"`
	Subscriptions    int   `json:"subscriptions"`
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMetrics records connects and disconnects.
func WithMetrics(c metrics.MetricsCollector) HubOption {
	return func(h *Hub) { h.metrics = c }
}

// WithTrackOptions applies opts to every render_template tracker.
func WithTrackOptions(opts ...track.Option) HubOption {
	return func(h *Hub) { h.trackOpts = append(h.trackOpts, opts...) }
}

// WithConfig applies the configured timings and buffer sizes. Zero values
// keep the defaults.
func WithConfig(cfg config.WebSocketConfig) HubOption {
	return func(h *Hub) {
		if cfg.ReadBufferSize > 0 {
			h.upgrader.ReadBufferSize = cfg.ReadBufferSize
		}
		if cfg.WriteBufferSize > 0 {
			h.upgrader.WriteBufferSize = cfg.WriteBufferSize
		}
		if cfg.MaxMessageSize > 0 {
			h.limits.maxMessageSize = int64(cfg.MaxMessageSize)
		}
		if cfg.WriteTimeout > 0 {
			h.limits.writeWait = time.Duration(cfg.WriteTimeout) * time.Second
		}
		if cfg.PongTimeout > 0 {
			h.limits.pongWait = time.Duration(cfg.PongTimeout) * time.Second
			h.limits.pingPeriod = h.limits.pongWait * 9 / 10
		}
		if cfg.PingInterval > 0 {
			h.limits.pingPeriod = time.Duration(cfg.PingInterval) * time.Second
		}
		if h.limits.pingPeriod >= h.limits.pongWait {
			h.limits.pingPeriod = h.limits.pongWait * 9 / 10
		}
	}
}

// WithAllowedOrigins restricts upgrades to the given origins. Empty or "*"
// allows all.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			if o == "*" {
				return
			}
			allowed[o] = true
		}
		if len(allowed) == 0 {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
}

// NewHub creates a new WebSocket hub
func NewHub(core *hub.Hub, logger *logrus.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = core.Logger
	}
	h := &Hub{
		core:    core,
		logger:  logger,
		clients: make(map[string]*Client),
		limits:  defaultLimits(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		hub:         h,
		UserAgent:   r.Header.Get("User-Agent"),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
		subs:        make(map[int]func()),
	}
	client.logger = h.logger.WithField("client_id", client.ID)

	if !h.register(client) {
		conn.Close()
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// HandleWebSocketGin is a Gin-compatible wrapper for ServeHTTP
func (h *Hub) HandleWebSocketGin() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func (h *Hub) register(client *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[client.ID] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.totalConnections.Add(1)
	if h.metrics != nil {
		h.metrics.RecordWebSocketConnection("connect")
	}
	client.logger.WithFields(logrus.Fields{
		"remote_addr":       client.RemoteAddr,
		"connected_clients": count,
	}).Info("WebSocket client connected")

	client.queue(Message{
		Type:   MessageTypeConnected,
		Result: map[string]interface{}{"client_id": client.ID},
	}.ToJSON())
	return true
}

// unregister drops the client and releases its subscriptions.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ID]
	delete(h.clients, client.ID)
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	client.cancelAll()
	if h.metrics != nil {
		h.metrics.RecordWebSocketConnection("disconnect")
	}
	client.logger.WithField("connected_clients", count).Info("WebSocket client disconnected")
}

// onLoop runs fn on the core loop. When the loop has stopped it is idle, so
// fn runs on the caller's goroutine instead.
func (h *Hub) onLoop(ctx context.Context, fn func()) error {
	err := h.core.Loop.Call(ctx, fn)
	if errors.Is(err, loop.ErrStopped) {
		fn()
		return nil
	}
	return err
}

// Stats returns hub statistics.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	subs := 0
	for _, c := range clients {
		subs += c.subscriptionCount()
	}
	return HubStats{
		ConnectedClients: len(clients),
		TotalConnections: h.totalConnections.Load(),
		MessagesSent:     h.messagesSent.Load(),
		MessagesReceived: h.messagesReceived.Load(),
		MessagesDropped:  h.messagesDropped.Load(),
		Subscriptions:    subs,
	}
}

// Close disconnects every client and waits for their goroutines to exit.
// New connections are refused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
}
