package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// ExecutionUpdate is a message sent to WebSocket clients
type ExecutionUpdate struct {
	Type        string                 `json:"type"` // "status", "event", "complete", "error", "pong"
	ExecutionID string                 `json:"execution_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Message     string                 `json:"message,omitempty"`
	Event       *models.ExecutionEvent `json:"event,omitempty"`
	Execution   *models.Execution      `json:"execution,omitempty"`
}

// WebSocketMessage is a message received from WebSocket clients
type WebSocketMessage struct {
	Type string `json:"type"` // "ping", "cancel"
}

// WebSocketManager streams the events of one execution per connection
type WebSocketManager struct {
	upgrader websocket.Upgrader
	engine   ExecutionEngine
	logger   logging.Logger

	mu          sync.Mutex
	connections map[*wsConn]string
}

// wsConn serializes writes to a websocket connection
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(update ExecutionUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(update)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(engine ExecutionEngine, logger logging.Logger) *WebSocketManager {
	return &WebSocketManager{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		engine:      engine,
		logger:      logger,
		connections: make(map[*wsConn]string),
	}
}

// handleExecutionWebSocket upgrades the request and streams the events of
// the execution until it finishes or the client disconnects
func (s *Server) handleExecutionWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.engine.Get(id); err != nil {
		writeError(w, err)
		return
	}
	s.websocket.Serve(w, r, id)
}

// Serve handles one connection for executionID
func (m *WebSocketManager) Serve(w http.ResponseWriter, r *http.Request, executionID string) {
	// Subscribe before the snapshot so no transition is missed
	events, unsubscribe := m.engine.Subscribe(executionID)
	defer unsubscribe()

	raw, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("WebSocket upgrade failed", logging.F("execution_id", executionID), logging.Err(err))
		return
	}
	conn := &wsConn{conn: raw}
	m.track(conn, executionID)
	defer m.untrack(conn)

	logger := m.logger.WithFields(logging.F("execution_id", executionID))
	logger.Debug("WebSocket connection established")

	snapshot, err := m.engine.Get(executionID)
	if err != nil {
		_ = conn.send(ExecutionUpdate{Type: "error", ExecutionID: executionID, Timestamp: time.Now(), Message: err.Error()})
		return
	}
	if err := conn.send(ExecutionUpdate{Type: "status", ExecutionID: executionID, Timestamp: time.Now(), Execution: snapshot}); err != nil {
		return
	}
	if snapshot.Status.IsTerminal() {
		m.complete(conn, executionID)
		return
	}

	closed := make(chan struct{})
	go m.readLoop(conn, executionID, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			event := event
			if err := conn.send(ExecutionUpdate{Type: "event", ExecutionID: executionID, Timestamp: event.Timestamp, Message: event.Message, Event: &event}); err != nil {
				logger.Debug("WebSocket write failed", logging.Err(err))
				return
			}
			if event.IsTerminal() {
				m.complete(conn, executionID)
				return
			}
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case <-closed:
			logger.Debug("WebSocket connection closed by client")
			return
		}
	}
}

// readLoop handles client messages until the connection closes
func (m *WebSocketManager) readLoop(conn *wsConn, executionID string, closed chan<- struct{}) {
	defer close(closed)
	for {
		var msg WebSocketMessage
		if err := conn.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("WebSocket read error", logging.F("execution_id", executionID), logging.Err(err))
			}
			return
		}

		switch msg.Type {
		case "ping":
			_ = conn.send(ExecutionUpdate{Type: "pong", ExecutionID: executionID, Timestamp: time.Now()})
		case "cancel":
			cancelled, err := m.engine.Cancel(executionID)
			update := ExecutionUpdate{Type: "status", ExecutionID: executionID, Timestamp: time.Now(), Message: "cancellation requested"}
			if err != nil {
				update.Type, update.Message = "error", err.Error()
			} else if !cancelled {
				update.Message = "execution already finished"
			}
			_ = conn.send(update)
		default:
			_ = conn.send(ExecutionUpdate{Type: "error", ExecutionID: executionID, Timestamp: time.Now(), Message: "unknown message type " + msg.Type})
		}
	}
}

// complete sends the final snapshot and closes the connection normally
func (m *WebSocketManager) complete(conn *wsConn, executionID string) {
	final, err := m.engine.Get(executionID)
	if err == nil {
		_ = conn.send(ExecutionUpdate{
			Type:        "complete",
			ExecutionID: executionID,
			Timestamp:   time.Now(),
			Message:     "Execution finished with status: " + string(final.Status),
			Execution:   final,
		})
	}

	conn.mu.Lock()
	_ = conn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"),
		time.Now().Add(writeWait))
	conn.mu.Unlock()
}

func (m *WebSocketManager) track(conn *wsConn, executionID string) {
	m.mu.Lock()
	m.connections[conn] = executionID
	m.mu.Unlock()
}

func (m *WebSocketManager) untrack(conn *wsConn) {
	m.mu.Lock()
	delete(m.connections, conn)
	m.mu.Unlock()
	_ = conn.conn.Close()
}

// ConnectedClients returns the number of open connections
func (m *WebSocketManager) ConnectedClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// ExecutionSubscribers returns the number of connections watching an
// execution
func (m *WebSocketManager) ExecutionSubscribers(executionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.connections {
		if id == executionID {
			n++
		}
	}
	return n
}

// CloseAll closes every open connection
func (m *WebSocketManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*wsConn, 0, len(m.connections))
	for c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.mu.Unlock()
		_ = c.conn.Close()
	}
}
