package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nedpals/davi-cma-agent/cma"
	"github.com/nedpals/davi-cma-agent/protocol"
)

// Client is one connected app websocket.
type Client struct {
	ID     string
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *slog.Logger
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{ID: id, conn: conn, logger: logger.With("client_id", id[:8])}
}

// Send writes v as JSON. Writes from different goroutines are serialized.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Respond sends a success response to req.
func (c *Client) Respond(req protocol.WebSocketRequest, payload any) error {
	return c.Send(protocol.WebSocketResponse{ID: req.ID, Type: req.Type, Success: true, Payload: payload})
}

// SendError sends a structured error response.
func (c *Client) SendError(requestID, code, message string) error {
	err := c.Send(protocol.WebSocketResponse{
		ID:      requestID,
		Type:    protocol.WSTypeError,
		Success: false,
		Error:   message,
		Payload: map[string]any{"code": code},
	})
	if err != nil {
		c.logger.Warn("Failed to send error response", "error", err)
	}
	return err
}

// ClientManager tracks app clients and fans notifications out to them. It
// implements cma.Notifier.
type ClientManager struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	// pending PIN for late joiners; cleared once pairing completes
	lastPin *cma.Notification
	pinMu   sync.RWMutex

	logger *slog.Logger
}

// NewClientManager creates a new ClientManager instance.
func NewClientManager(logger *slog.Logger) *ClientManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientManager{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a new client connection.
func (cm *ClientManager) Register(c *Client) {
	cm.mu.Lock()
	cm.clients[c] = struct{}{}
	cm.mu.Unlock()

	cm.pinMu.RLock()
	pin := cm.lastPin
	cm.pinMu.RUnlock()
	if pin != nil {
		_ = c.Send(protocol.WebSocketMessage{Type: protocol.WSTypeNotification, Payload: *pin})
	}
}

// Unregister removes a client connection.
func (cm *ClientManager) Unregister(c *Client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.clients, c)
}

// Count returns the number of connected clients.
func (cm *ClientManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.clients)
}

// CloseAll closes all client connections.
func (cm *ClientManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for c := range cm.clients {
		c.conn.Close()
		delete(cm.clients, c)
	}
}

// Broadcast sends msg to every client, dropping those that fail.
func (cm *ClientManager) Broadcast(msg protocol.WebSocketMessage) {
	cm.mu.RLock()
	targets := make([]*Client, 0, len(cm.clients))
	for c := range cm.clients {
		targets = append(targets, c)
	}
	cm.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			c.logger.Warn("WebSocket write error", "error", err)
			c.conn.Close()
			cm.Unregister(c)
		}
	}
}

// Notify broadcasts n as a notification message.
func (cm *ClientManager) Notify(n cma.Notification) {
	cm.pinMu.Lock()
	switch n.Type {
	case cma.NotifyPinReceived:
		cm.lastPin = &n
	case cma.NotifyPairingComplete, cma.NotifyConnected:
		cm.lastPin = nil
	}
	cm.pinMu.Unlock()

	cm.Broadcast(protocol.WebSocketMessage{Type: protocol.WSTypeNotification, Payload: n})
}
