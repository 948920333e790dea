package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/entities"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
	"github.com/tilo305/JARVIS-TEST-N8N/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	sendBufferSize = 256
	storeTimeout   = 5 * time.Second
)

var errClientClosed = errors.New("client connection closed")

// SessionFactory builds the session that serves one client connection.
type SessionFactory func(conversationID, sessionID string, emitter usecase.Emitter) *usecase.Session

// HubOptions configures connection acceptance.
type HubOptions struct {
	// AllowedOrigins lists browser origins permitted to connect.
	AllowedOrigins []string
	// ConversationTTL is the idle lifetime of stored conversations.
	ConversationTTL time.Duration
}

// ClientInfo describes one connected client.
type ClientInfo struct {
	ConversationID string    `json:"conversationId"`
	SessionID      string    `json:"sessionId,omitempty"`
	State          string    `json:"state"`
	ConnectedAt    time.Time `json:"connectedAt"`
}

// Hub maintains the set of active clients keyed by conversation id.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	newSession    SessionFactory
	conversations repositories.ConversationRepository
	ttl           time.Duration
	upgrader      websocket.Upgrader
	validator     *MessageValidator

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub. conversations may be nil.
func NewHub(
	newSession SessionFactory,
	conversations repositories.ConversationRepository,
	opts HubOptions,
	logger *zap.Logger,
) *Hub {
	return &Hub{
		clients:       make(map[string]*Client),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		done:          make(chan struct{}),
		newSession:    newSession,
		conversations: conversations,
		ttl:           opts.ConversationTTL,
		upgrader: websocket.Upgrader{
			CheckOrigin:     NewOriginChecker(opts.AllowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		validator: NewMessageValidator(),
		logger:    logger,
	}
}

// NewOriginChecker returns an upgrader origin check for the given allow list.
// "*" accepts any origin; an empty list accepts only same-host origins.
// Requests without an Origin header come from non-browser clients and are
// accepted.
func NewOriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(set) == 0 {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// Run starts the hub's main loop. When ctx is done every client is closed
// and Run returns.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conversationID] = client
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("conversationID", client.conversationID),
				zap.String("sessionID", client.sessionID))

		case client := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.clients[client.conversationID]; ok && existing == client {
				delete(h.clients, client.conversationID)
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("conversationID", client.conversationID))
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
	h.logger.Info("Closed all clients", zap.Int("count", len(clients)))
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Get returns the client serving conversationID.
func (h *Hub) Get(conversationID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[conversationID]
	return client, ok
}

// Snapshot lists connected clients, oldest first.
func (h *Hub) Snapshot() []ClientInfo {
	h.mu.RLock()
	infos := make([]ClientInfo, 0, len(h.clients))
	for _, client := range h.clients {
		infos = append(infos, client.Info())
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and its session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// Closed once the client is shutting down. send is never closed.
	done      chan struct{}
	closeOnce sync.Once

	conversationID string
	sessionID      string
	connectedAt    time.Time

	session *usecase.Session

	// Logger
	logger *zap.Logger
}

// HandleWebSocket upgrades the request and serves a new conversation on it.
// sessionID is the client-supplied or token-derived session id, possibly
// empty.
func (h *Hub) HandleWebSocket(c echo.Context, sessionID string) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	conversationID := "conv-" + uuid.NewString()
	client := &Client{
		hub:            h,
		conn:           conn,
		send:           make(chan WriteData, sendBufferSize),
		done:           make(chan struct{}),
		conversationID: conversationID,
		sessionID:      sessionID,
		connectedAt:    time.Now(),
		logger: h.logger.With(
			zap.String("conversationID", conversationID),
			zap.String("sessionID", sessionID)),
	}
	client.session = h.newSession(conversationID, sessionID, client)

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return nil
	}
	h.createConversation(client)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
	client.session.Start()

	return nil
}

func (h *Hub) createConversation(client *Client) {
	if h.conversations == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	conversation := entities.NewConversation(client.conversationID, client.sessionID, h.ttl)
	if err := h.conversations.Create(ctx, conversation); err != nil {
		client.logger.Error("Failed to create conversation record", zap.Error(err))
	}
}

func (h *Hub) endConversation(client *Client) {
	if h.conversations == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := h.conversations.End(ctx, client.conversationID); err != nil {
		client.logger.Warn("Failed to end conversation record", zap.Error(err))
	}
}

// Info returns a point-in-time description of the client.
func (c *Client) Info() ClientInfo {
	return ClientInfo{
		ConversationID: c.conversationID,
		SessionID:      c.sessionID,
		State:          c.session.State().String(),
		ConnectedAt:    c.connectedAt,
	}
}

// Send queues msg for the client. It blocks for at most writeWait when the
// buffer is full, then drops the connection.
func (c *Client) Send(msg domain.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()

	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
		return nil
	case <-c.done:
		return errClientClosed
	case <-timer.C:
		c.logger.Warn("Client send buffer full, closing connection")
		c.close()
		return errClientClosed
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump pumps messages from the websocket connection to the session.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.close()
		c.conn.Close()
		c.session.Close()
		c.hub.endConversation(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.session.HandleMessage(BinaryAudioMessage(c.conversationID, message))
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the session to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// processMessage decodes a text frame and hands it to the session. Invalid
// frames are reported to the client without closing the connection.
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Rejected client message", zap.Error(err))
		c.session.Reject(err)
		return
	}
	if msg.ConversationID != "" && msg.ConversationID != c.conversationID {
		c.logger.Debug("Client sent a foreign conversation id",
			zap.String("received", msg.ConversationID))
	}
	c.session.HandleMessage(msg)
}
