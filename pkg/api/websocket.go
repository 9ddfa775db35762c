package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/middleware"
	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/store"
)

// WebSocketManager serves the websocket egress. Each connection starts
// subscribed to the key in its URL and may subscribe to more keys by message.
type WebSocketManager struct {
	// upgrader for upgrading HTTP connections to WebSocket
	upgrader websocket.Upgrader

	store     *store.Store
	logger    logging.Logger
	keepAlive time.Duration

	// connectionMeta stores metadata for each connection
	connectionMeta map[*websocket.Conn]*ConnectionMetadata

	// mutex for thread-safe access
	mu sync.RWMutex
}

// ConnectionMetadata stores metadata about a WebSocket connection
type ConnectionMetadata struct {
	ConnectedAt time.Time
	LastPingAt  time.Time

	// Subscriptions maps subscribed keys to store connection ids
	Subscriptions map[string]string
}

// WebSocketMessage represents incoming WebSocket messages
type WebSocketMessage struct {
	Type        string `json:"type"` // "subscribe", "unsubscribe", "ping"
	ExecutionID string `json:"executionId,omitempty"`
}

// ControlMessage is sent for anything that is not a StreamUpdate
type ControlMessage struct {
	Type        string `json:"type"` // "connected", "pong", "subscribed", "unsubscribed", "error"
	ExecutionID string `json:"executionId,omitempty"`
	Timestamp   string `json:"timestamp"`
	Message     string `json:"message,omitempty"`
}

// wsSink adapts a websocket connection to store.Sink. gorilla/websocket
// allows one concurrent writer, so every write goes through mu.
type wsSink struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	closed  bool
	closeMu sync.Once
}

func (s *wsSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrSinkClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSink) sendJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(payload)
}

func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrSinkClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *wsSink) Close() error {
	var err error
	s.closeMu.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(st *store.Store, origins *middleware.OriginPolicy, keepAlive time.Duration, logger logging.Logger) *WebSocketManager {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &WebSocketManager{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins.Allowed(origin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		store:          st,
		logger:         logger,
		keepAlive:      keepAlive,
		connectionMeta: make(map[*websocket.Conn]*ConnectionMetadata),
	}
}

// HandleWebSocket handles WebSocket connection upgrade and management
func (wsm *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["executionId"]
	if key == "" {
		key = models.DefaultKey
	}

	// Upgrade the HTTP connection to WebSocket
	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsm.logger.Warn("WebSocket upgrade failed", logging.Err(err))
		return
	}
	sink := &wsSink{conn: conn}

	wsm.mu.Lock()
	wsm.connectionMeta[conn] = &ConnectionMetadata{
		ConnectedAt:   time.Now(),
		LastPingAt:    time.Now(),
		Subscriptions: make(map[string]string),
	}
	wsm.mu.Unlock()

	// Clean up when connection closes
	done := make(chan struct{})
	defer func() {
		close(done)
		wsm.removeConnection(conn, sink)
	}()

	if err := wsm.subscribe(conn, sink, key, "connected"); err != nil {
		return
	}

	// Set up ping/pong handlers
	conn.SetPongHandler(func(string) error {
		wsm.mu.Lock()
		if meta, exists := wsm.connectionMeta[conn]; exists {
			meta.LastPingAt = time.Now()
		}
		wsm.mu.Unlock()
		return nil
	})

	go wsm.pingRoutine(sink, done)

	// Handle incoming messages
	for {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				wsm.logger.Debug("WebSocket read failed", logging.Err(err))
			}
			return
		}
		wsm.handleMessage(conn, sink, &msg)
	}
}

// handleMessage processes incoming WebSocket messages
func (wsm *WebSocketManager) handleMessage(conn *websocket.Conn, sink *wsSink, msg *WebSocketMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.ExecutionID != "" {
			wsm.subscribe(conn, sink, msg.ExecutionID, "subscribed")
		}
	case "unsubscribe":
		if msg.ExecutionID != "" {
			wsm.unsubscribe(conn, msg.ExecutionID)
			sink.sendJSON(ControlMessage{
				Type:        "unsubscribed",
				ExecutionID: msg.ExecutionID,
				Timestamp:   models.FormatTimestamp(time.Now()),
			})
		}
	case "ping":
		sink.sendJSON(ControlMessage{
			Type:      "pong",
			Timestamp: models.FormatTimestamp(time.Now()),
		})
	default:
		sink.sendJSON(ControlMessage{
			Type:      "error",
			Timestamp: models.FormatTimestamp(time.Now()),
			Message:   "Unknown message type: " + msg.Type,
		})
	}
}

// subscribe attaches the connection under key, acknowledging with ackType and
// replaying history
func (wsm *WebSocketManager) subscribe(conn *websocket.Conn, sink *wsSink, key, ackType string) error {
	wsm.mu.RLock()
	meta, ok := wsm.connectionMeta[conn]
	already := ok && meta.Subscriptions[key] != ""
	wsm.mu.RUnlock()
	if !ok {
		return nil
	}
	if already {
		// Acknowledge again without a second replay.
		return sink.sendJSON(ControlMessage{
			Type:        ackType,
			ExecutionID: key,
			Timestamp:   models.FormatTimestamp(time.Now()),
			Message:     "already subscribed",
		})
	}

	connID, err := wsm.store.Attach(key, sink, func(_ string, history []models.StreamUpdate) error {
		if err := sink.sendJSON(ControlMessage{
			Type:        ackType,
			ExecutionID: key,
			Timestamp:   models.FormatTimestamp(time.Now()),
		}); err != nil {
			return err
		}
		for _, u := range history {
			if err := sink.sendJSON(u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		wsm.logger.Warn("Failed to attach websocket subscriber", logging.F("execution_id", key), logging.Err(err))
		return err
	}

	wsm.mu.Lock()
	meta.Subscriptions[key] = connID
	wsm.mu.Unlock()

	wsm.logger.Debug("WebSocket subscribed", logging.F("execution_id", key), logging.F("connection_id", connID))
	return nil
}

// unsubscribe detaches the connection from key
func (wsm *WebSocketManager) unsubscribe(conn *websocket.Conn, key string) {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()

	meta, ok := wsm.connectionMeta[conn]
	if !ok {
		return
	}
	if connID, ok := meta.Subscriptions[key]; ok {
		wsm.store.RemoveConnection(key, connID)
		delete(meta.Subscriptions, key)
	}
}

// removeConnection removes a connection from all subscriptions
func (wsm *WebSocketManager) removeConnection(conn *websocket.Conn, sink *wsSink) {
	wsm.mu.Lock()
	if meta, exists := wsm.connectionMeta[conn]; exists {
		for key, connID := range meta.Subscriptions {
			wsm.store.RemoveConnection(key, connID)
		}
	}
	delete(wsm.connectionMeta, conn)
	wsm.mu.Unlock()

	sink.Close()
}

// pingRoutine sends periodic ping messages to keep connection alive
func (wsm *WebSocketManager) pingRoutine(sink *wsSink, done <-chan struct{}) {
	ticker := time.NewTicker(wsm.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				wsm.logger.Debug("WebSocket ping failed", logging.Err(err))
				sink.Close()
				return
			}
		}
	}
}

// GetConnectedClients returns the number of connected clients
func (wsm *WebSocketManager) GetConnectedClients() int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return len(wsm.connectionMeta)
}
