package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/decibelapp/decibel-relay/internal/metrics"
	"github.com/decibelapp/decibel-relay/internal/ratelimit"
	"github.com/decibelapp/decibel-relay/internal/relay"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the WebSocket transport.
type Config struct {
	Router  *relay.Router
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Clock drives the per-connection rate limiter; nil means wall clock.
	Clock ratelimit.Clock
}

// Server upgrades HTTP requests on /signal into relay WebSocket sessions.
type Server struct {
	log    *slog.Logger
	m      *metrics.Metrics
	router *relay.Router

	maxMessageBytes      int64
	maxMessagesPerSecond int
	clock                ratelimit.Clock

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		log:                  log,
		m:                    m,
		router:               cfg.Router,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		clock:                cfg.Clock,
		upgrader: websocket.Upgrader{
			// The protocol carries no browser credentials and the relay performs
			// no client authentication, so all origins are accepted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /signal", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var limiter *ratelimit.TokenBucket
	if s.maxMessagesPerSecond > 0 {
		limiter = ratelimit.NewTokenBucket(
			s.clock,
			int64(s.maxMessagesPerSecond),
			int64(s.maxMessagesPerSecond),
		)
	}

	ws := &wsConn{
		srv:       s,
		sessionID: uuid.NewString(),
		conn:      conn,
		limiter:   limiter,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[ws.sessionID] = ws
	s.mu.Unlock()

	s.router.HandleOpen(ws.sessionID, ws)
	go ws.readLoop()
}

// Close tears down every live connection. Per-connection close handling runs
// through each read loop's shutdown path, so departure notices still go out.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (s *Server) untrack(sessionID string) {
	s.mu.Lock()
	delete(s.conns, sessionID)
	s.mu.Unlock()
}

type wsConn struct {
	srv       *Server
	sessionID string
	conn      *websocket.Conn
	limiter   *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// SendText implements relay.Peer. Writes are serialized and bounded by a
// deadline so one stuck receiver cannot wedge the router's fan-out.
func (c *wsConn) SendText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) readLoop() {
	defer c.close()

	if c.srv.maxMessageBytes > 0 {
		c.conn.SetReadLimit(c.srv.maxMessageBytes)
	}

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// Apply the rate limit after reading so bytes already in the TCP
		// receive buffer are consumed; closing with unread data can surface as
		// an abortive close (RST) and hide the close code from the client.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.srv.m.Inc(metrics.RateLimitedDrops)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		c.srv.router.HandleMessage(c.sessionID, data)
	}
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.srv.router.HandleClose(c.sessionID)
		c.srv.untrack(c.sessionID)
		_ = c.conn.Close()
	})
}
