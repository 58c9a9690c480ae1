package echoserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sharedws/internal/protocol"
)

// message types the demo upstream understands
const (
	TypePing      = "ping"      // -> "pong"
	TypeEcho      = "echo"      // -> request data, cacheable for EchoTTL seconds
	TypeTime      = "time"      // -> current time, never cached
	TypeBroadcast = "broadcast" // -> "notice" event to every connection
	TypeVoid      = "void"      // never answered
	EventNotice   = "notice"
)

const DefaultEchoTTL = 5

// Server is a small upstream endpoint speaking the broker wire protocol.
// It keeps every connection in a map like a chat hub and records each frame
// it receives, which makes it a convenient fake upstream in tests.
type Server struct {
	EchoTTL float64

	mu       sync.RWMutex
	clients  map[string]*connection // key: connection id
	received []protocol.Message
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type connection struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // one writer at a time
}

// constructor for Server
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		EchoTTL: DefaultEchoTTL,
		clients: make(map[string]*connection),
		logger:  logger,
	}
}

// Router returns a gin engine serving GET /ws
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", s.HandleWS)
	r.GET("/check-conn", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message":     "upstream is alive",
			"connections": s.Connections(),
		})
	})
	return r
}

// HandleWS upgrades one broker connection and serves it until it closes
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade_failed", "error", err.Error())
		return
	}

	conn := &connection{id: uuid.NewString(), conn: ws}
	s.addConnection(conn)
	defer s.removeConnection(conn)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn("invalid_json_received",
				"client_id", conn.id,
				"error", err.Error(),
			)
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()

		s.handle(conn, msg)
	}
}

func (s *Server) handle(conn *connection, msg protocol.Message) {
	switch msg.Type {
	case TypePing:
		s.reply(conn, msg, "pong", nil)
	case TypeEcho:
		ttl := s.EchoTTL
		var data any = json.RawMessage(msg.Data)
		if len(msg.Data) == 0 {
			data = nil
		}
		s.reply(conn, msg, data, &ttl)
	case TypeTime:
		s.reply(conn, msg, time.Now().UTC().Format(time.RFC3339Nano), nil)
	case TypeBroadcast:
		event := protocol.Message{Type: EventNotice, Data: msg.Data}
		s.Broadcast(event)
		s.reply(conn, msg, nil, nil)
	case TypeVoid:
		// deliberately silent
	default:
		if msg.ID == "" {
			return
		}
		detail, _ := json.Marshal(map[string]string{"type": msg.Type})
		s.send(conn, protocol.Message{
			ID:     msg.ID,
			Status: protocol.StatusError,
			Error:  fmt.Sprintf("unknown message type %q", msg.Type),
			Data:   detail,
		})
	}
}

// reply answers a request, fire-and-forget frames get nothing back
func (s *Server) reply(conn *connection, req protocol.Message, data any, ttl *float64) {
	if req.ID == "" {
		return
	}
	resp := protocol.Message{ID: req.ID, Status: protocol.StatusOK, TTL: ttl}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			s.logger.Error("failed_to_marshal_reply", "error", err.Error())
			return
		}
		resp.Data = raw
	}
	s.send(conn, resp)
}

func (s *Server) send(conn *connection, msg protocol.Message) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err := conn.conn.WriteJSON(msg); err != nil {
		s.logger.Warn("failed_to_send",
			"client_id", conn.id,
			"error", err.Error(),
		)
	}
}

// Broadcast pushes msg to every connected broker
func (s *Server) Broadcast(msg protocol.Message) {
	s.mu.RLock()
	conns := make([]*connection, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		s.send(c, msg)
	}
}

// Push writes a raw frame to every connection, tests use it for malformed input
func (s *Server) Push(frame []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.mu.Lock()
		c.conn.WriteMessage(websocket.TextMessage, frame)
		c.mu.Unlock()
	}
}

// Received returns a copy of every frame received so far, in order
func (s *Server) Received() []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Message, len(s.received))
	copy(out, s.received)
	return out
}

// Connections returns the number of connected brokers
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// DropAll closes every connection, the brokers see an upstream loss
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		c.conn.Close()
		s.logger.Info("client_connection_closed", "client_id", id)
	}
	s.clients = make(map[string]*connection)
}

func (s *Server) addConnection(conn *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[conn.id] = conn
	s.logger.Info("client_added", "client_id", conn.id)
}

func (s *Server) removeConnection(conn *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, conn.id)
	conn.conn.Close()
	s.logger.Info("client_removed", "client_id", conn.id)
}
