package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/config"
	"callsignal-backend/pkg/constants"
	apperrors "callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
)

// ErrNotConnected is returned by Send when the user has no live connection
// or its send queue is full
var ErrNotConnected = errors.New("user is not connected")

// Receiver consumes inbound signaling traffic
type Receiver interface {
	OnReceive(ctx context.Context, userID uuid.UUID, ev *domain.Event)
	OnConnect(userID uuid.UUID)
	OnDisconnect(userID uuid.UUID)
}

// PresenceStore records which users hold a signaling connection
type PresenceStore interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// SignalingHub keeps one signaling connection per user
type SignalingHub struct {
	// Live connection per user
	clients map[uuid.UUID]*SignalingClient

	// Mutex for thread-safe operations
	mu sync.RWMutex

	receiver Receiver
	presence PresenceStore
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

// SignalingClient represents one user's WebSocket connection
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSignalingHub creates a new signaling hub. presence may be nil.
func NewSignalingHub(cfg config.WebSocketConfig, m *metrics.Metrics, presence PresenceStore) *SignalingHub {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = constants.DefaultMaxSignalingConnections
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = true
	}

	return &SignalingHub{
		clients:  make(map[uuid.UUID]*SignalingClient),
		presence: presence,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Reject empty origins - require explicit origin for security
					return false
				}
				return allowed["*"] || allowed[origin]
			},
		},
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// SetReceiver attaches the consumer of inbound events. Must be called before ServeWS.
func (h *SignalingHub) SetReceiver(r Receiver) {
	h.receiver = r
}

// Send queues ev for userID without blocking
func (h *SignalingHub) Send(userID uuid.UUID, ev *domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[userID]
	if !ok {
		return ErrNotConnected
	}

	select {
	case client.send <- data:
		h.metrics.RecordWebSocketMessage(ev.Type, "out")
		return nil
	default:
		h.metrics.RecordWebSocketError("send_queue_full")
		logger.Warn("Signaling send queue full",
			zap.String("user_id", userID.String()),
			zap.String("type", ev.Type))
		return ErrNotConnected
	}
}

// IsConnected reports whether the user holds a connection to this instance
func (h *SignalingHub) IsConnected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// ConnectionCount returns the number of connected users
func (h *SignalingHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register installs client as the user's connection. An older connection of
// the same user is closed without a disconnect notification.
func (h *SignalingHub) register(client *SignalingClient) {
	h.mu.Lock()
	old := h.clients[client.userID]
	h.clients[client.userID] = client
	if old != nil {
		close(old.send)
	}
	h.mu.Unlock()

	h.metrics.IncWebSocketConnections()
	if old != nil {
		logger.Info("Signaling connection replaced", zap.String("user_id", client.userID.String()))
	} else {
		logger.Debug("Signaling connection registered", zap.String("user_id", client.userID.String()))
	}

	h.markPresence(client.ctx, client.userID, true)
	if h.receiver != nil {
		h.receiver.OnConnect(client.userID)
	}
}

func (h *SignalingHub) unregister(client *SignalingClient) {
	h.mu.Lock()
	current := h.clients[client.userID] == client
	if current {
		delete(h.clients, client.userID)
		close(client.send)
	}
	h.mu.Unlock()

	h.metrics.DecWebSocketConnections()
	if !current {
		return
	}

	logger.Debug("Signaling connection unregistered", zap.String("user_id", client.userID.String()))
	h.markPresence(context.Background(), client.userID, false)
	if h.receiver != nil {
		h.receiver.OnDisconnect(client.userID)
	}
}

func (h *SignalingHub) markPresence(ctx context.Context, userID uuid.UUID, online bool) {
	if h.presence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var err error
	if online {
		err = h.presence.SetUserOnline(ctx, userID)
	} else {
		err = h.presence.SetUserOffline(ctx, userID)
	}
	if err != nil {
		logger.Debug("Failed to update presence",
			zap.String("user_id", userID.String()),
			zap.Bool("online", online),
			zap.Error(err))
	}
}

// Close drops every connection. Write pumps send a close frame and exit.
func (h *SignalingHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, client := range h.clients {
		delete(h.clients, userID)
		close(client.send)
	}
}

// ServeWS handles WebSocket requests for signaling
func (h *SignalingHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	// Get user ID from context (set by auth middleware)
	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.metrics.RecordWebSocketError("upgrade")
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	// Create cancelable context for this client
	ctx, cancel := context.WithCancel(context.Background())
	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, constants.SignalingSendQueueSize),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
	}

	h.register(client)

	go client.writePump()
	go client.readPump()
}

// readPump reads events from the WebSocket and hands them to the receiver
// in arrival order
func (c *SignalingClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.cancel()
		c.conn.Close()
		<-c.hub.semaphore
	}()

	c.conn.SetReadLimit(constants.MaxSignalingMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		if c.hub.presence != nil {
			if err := c.hub.presence.RefreshPresence(c.ctx, c.userID); err != nil {
				logger.Debug("Failed to refresh presence", zap.Error(err))
			}
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var ev domain.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			c.hub.metrics.RecordWebSocketError("malformed")
			appErr := apperrors.MalformedEventError("event is not valid JSON")
			c.hub.Send(c.userID, &domain.Event{
				Type:    domain.EventCallError,
				Code:    string(appErr.Code),
				Message: appErr.Message,
			})
			continue
		}

		c.hub.metrics.RecordWebSocketMessage(ev.Type, "in")
		if c.hub.receiver != nil {
			c.hub.receiver.OnReceive(c.ctx, c.userID, &ev)
		}
	}
}

// writePump writes queued events to the WebSocket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
