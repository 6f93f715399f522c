// Package ws provides a WebSocket server that streams captured flows to
// dashboard clients in real time.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HakAl/snitcher/internal/config"
	"github.com/HakAl/snitcher/internal/queue"
	"github.com/HakAl/snitcher/internal/store"
)

// sessionCookieName is the session cookie checked by Handler's cookie
// authentication mode.
const sessionCookieName = "snitcher_session"

// isLocalhostOrigin checks if the Origin header indicates a localhost request.
func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalhostOrigin(origin)
	},
}

// Hub manages WebSocket connections and fans out flows captured by the
// proxy to every connected dashboard client.
type Hub struct {
	cfg        *config.Config
	logger     *slog.Logger
	clients    map[*Client]bool
	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// Client represents a WebSocket client connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Message types for WebSocket communication.
const (
	MessageTypeFlowCaptured = "flow_captured"
	MessageTypePing         = "ping"
)

// Message is a WebSocket message.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg *config.Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub's main loop. It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", "clients", len(h.clients))

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("failed to marshal message", "error", err)
				continue
			}

			h.mu.RLock()
			var toRemove []*Client
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					toRemove = append(toRemove, client)
				}
			}
			h.mu.RUnlock()

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
			}

		case <-pingTicker.C:
			h.Broadcast(&Message{
				Type:      MessageTypePing,
				Timestamp: time.Now(),
			})
		}
	}
}

// RunWithBus subscribes to bus and forwards every flow it publishes to
// connected clients as a flow_captured message, until ctx is cancelled.
// It is meant to run in its own goroutine alongside Run.
func (h *Hub) RunWithBus(ctx context.Context, bus *queue.Bus) {
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case flow, ok := <-sub.Events():
			if !ok {
				return
			}
			h.BroadcastFlowCaptured(flow)
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// BroadcastFlowCaptured broadcasts a flow captured by the proxy driver.
func (h *Hub) BroadcastFlowCaptured(flow *store.Flow) {
	h.Broadcast(&Message{
		Type:      MessageTypeFlowCaptured,
		Timestamp: time.Now(),
		Data:      flowToSummary(flow),
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler returns an HTTP handler for WebSocket connections.
// Uses constant-time comparison to prevent timing attacks.
//
// Authentication modes (checked in order):
// 1. Session cookie - browser sends automatically
// 2. Authorization header - for CLI
// 3. Token query param - for CLI (WebSocket can't set headers easily)
func (h *Hub) Handler(authToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentToken := authToken
		if h.cfg != nil {
			currentToken = h.cfg.Auth.Token
		}

		authenticated := false

		cookie, err := r.Cookie(sessionCookieName)
		if err == nil && subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(currentToken)) == 1 {
			authenticated = true
		}

		if !authenticated {
			auth := r.Header.Get("Authorization")
			expectedAuth := "Bearer " + currentToken
			if subtle.ConstantTimeCompare([]byte(auth), []byte(expectedAuth)) == 1 {
				authenticated = true
			}
		}

		if !authenticated {
			token := r.URL.Query().Get("token")
			if subtle.ConstantTimeCompare([]byte(token), []byte(currentToken)) == 1 {
				authenticated = true
			}
		}

		origin := r.Header.Get("Origin")
		if origin != "" && !isLocalhostOrigin(origin) {
			h.logger.Warn("rejected non-localhost WebSocket origin", "origin", origin)
			http.Error(w, "Forbidden: non-localhost origin", http.StatusForbidden)
			return
		}

		if !authenticated {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("failed to upgrade connection", "error", err)
			return
		}

		client := &Client{
			hub:  h,
			conn: conn,
			send: make(chan []byte, 256),
		}

		h.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket error", "error", err)
			}
			break
		}
	}
}

// flowToSummary converts a flow to a summary for WebSocket broadcast.
func flowToSummary(f *store.Flow) map[string]interface{} {
	summary := map[string]interface{}{
		"id":         f.ID,
		"timestamp":  f.Timestamp,
		"remoteAddr": f.RemoteAddr,
		"status":     string(f.Status),
		"durationMs": f.Duration.Milliseconds(),
	}

	if f.FailureReason != "" {
		summary["failureReason"] = f.FailureReason
	}

	if f.Request != nil {
		summary["method"] = f.Request.Method
		summary["target"] = f.Request.Target
		if f.Request.URL != "" {
			summary["url"] = f.Request.URL
		}
	}

	if f.Response != nil {
		summary["statusCode"] = f.Response.Status
	}

	return summary
}
