package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sharedws/internal/protocol"
)

const ( // ping pong(2-way heartbeat) to keep client connections alive
	WriteWait      = 10 * time.Second    // max time write a message to the peer
	PongWait       = 60 * time.Second    // max time to wait for pong from peer => no pong = no connection
	PingPeriod     = (PongWait * 9) / 10 // 90% of pong wait time => 10% to allow for network delay or jitter
	MaxMessageSize = 64 * 1024           // maximum frame size allowed from a client
	SendBufferSize = 256                 // frames buffered per client before delivery fails
)

var errSendBufferFull = errors.New("client send buffer full")

// Server exposes the broker to client contexts over websocket
type Server struct {
	broker   *Broker
	engine   *gin.Engine
	upgrader websocket.Upgrader
	origins  map[string]struct{}
	auth     *TokenValidator // nil: clients attach without a token
	http     *http.Server
	logger   *slog.Logger
}

// constructor for Server, allowedOrigins limits which pages may attach
func NewServer(b *Broker, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		broker:  b,
		origins: make(map[string]struct{}, len(allowedOrigins)),
		logger:  logger,
	}
	for _, origin := range allowedOrigins {
		s.origins[origin] = struct{}{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", s.handleWS)
	r.GET("/healthz", s.handleHealth)
	s.engine = r

	return s
}

// RequireAuth makes every /ws handshake present a valid token, call before serving
func (s *Server) RequireAuth(v *TokenValidator) {
	s.auth = v
}

// Handler returns the http handler, handy for httptest
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until the server stops
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("broker_http_listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new clients, attached sockets are left to the broker
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// non browser clients send no Origin, browsers must match the allow list or the host
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := s.origins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.broker.Stats())
}

func (s *Server) handleWS(c *gin.Context) {
	subject := ""
	if s.auth != nil {
		token, err := tokenFromRequest(c.Request)
		if err == nil {
			subject, err = s.auth.ValidateToken(token)
		}
		if err != nil {
			s.logger.Warn("client_auth_failed",
				"remote_addr", c.Request.RemoteAddr,
				"error", err.Error(),
			)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the http error
		s.logger.Warn("websocket_upgrade_failed",
			"remote_addr", c.Request.RemoteAddr,
			"error", err.Error(),
		)
		return
	}

	sess := &session{
		conn:   conn,
		send:   make(chan protocol.Message, SendBufferSize),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	port := s.broker.Attach(sess)

	s.logger.Info("client_connected",
		"channel_id", port.ID(),
		"subject", subject,
		"remote_addr", conn.RemoteAddr().String(),
	)

	go sess.writePump()
	sess.readPump(port)

	// the socket is gone: mark the port dead and drop our reference,
	// the registry forgets it once the runtime reclaims it
	port.markClosed()
	close(sess.done)
	conn.Close()
}

// session is the broker side of one websocket client context
type session struct {
	conn   *websocket.Conn
	send   chan protocol.Message // outbound frames, drained by writePump
	done   chan struct{}         // closed when the read side ends
	logger *slog.Logger
}

// Deliver never blocks the caller, a slow client loses frames instead
func (s *session) Deliver(msg protocol.Message) error {
	select {
	case <-s.done:
		return protocol.ErrClosed
	default:
	}

	select {
	case s.send <- msg:
		return nil
	default:
		return errSendBufferFull
	}
}

func (s *session) readPump(port *Port) {
	s.conn.SetReadLimit(MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("client_read_error",
					"channel_id", port.ID(),
					"error", err.Error(),
				)
			}
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Warn("invalid_json_received",
				"channel_id", port.ID(),
				"error", err.Error(),
			)
			continue
		}
		if err := port.Post(msg); err != nil {
			return
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Warn("client_write_error", "error", err.Error())
				s.conn.Close() // unblocks readPump
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
