package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/diag"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/protocol"
)

// Handler receives every accepted payload. It is called concurrently
// from each connection's read goroutine and must not block.
type Handler func(connID string, payload []byte)

type ServerConfig struct {
	Addr string
	Path string
	// CertFile and KeyFile enable TLS when both are set.
	CertFile     string
	KeyFile      string
	PingInterval time.Duration
	PongWait     time.Duration
	MaxPayload   int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		Path:         "/ws",
		PingInterval: 30 * time.Second,
		PongWait:     10 * time.Second,
		MaxPayload:   protocol.MaxPayloadSize,
	}
}

// Server accepts capture clients. Each connection is read independently
// and health-checked with pings on a fixed timer.
type Server struct {
	cfg      ServerConfig
	handler  Handler
	logger   *slog.Logger
	stats    *diag.Stats
	upgrader websocket.Upgrader

	listener   net.Listener
	httpServer *http.Server

	mu      sync.Mutex
	clients map[*serverConn]struct{}
}

type serverConn struct {
	id   string
	conn *websocket.Conn
	once sync.Once
	done chan struct{}
}

type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithServerStats(st *diag.Stats) ServerOption {
	return func(s *Server) {
		s.stats = st
	}
}

func NewServer(cfg ServerConfig, handler Handler, opts ...ServerOption) *Server {
	defaults := DefaultServerConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.MaxPayload <= 0 || cfg.MaxPayload > protocol.MaxPayloadSize {
		cfg.MaxPayload = defaults.MaxPayload
	}

	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  slog.New(slog.DiscardHandler),
		clients: make(map[*serverConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	return mux
}

// Listen binds the listening socket and loads TLS credentials. Errors
// here are fatal for the relay.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.CertFile != "" || s.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("load tls credentials: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	s.listener = ln
	return nil
}

// Addr is the bound address, valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs until ctx is cancelled, then closes the listener and every
// client connection.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(s.listener)
	}()

	s.logger.Info("transport listening", "addr", s.listener.Addr().String(), "path", s.cfg.Path, "tls", s.cfg.CertFile != "")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeAll()
		return nil
	case err := <-errCh:
		s.closeAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Connections returns the number of live client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &serverConn{
		id:   uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}
	s.addClient(c)
	s.logger.Info("client connected", "conn", c.id, "remote", r.RemoteAddr)

	go s.pingLoop(c)
	err = s.readLoop(c)

	c.close()
	s.removeClient(c)
	s.logger.Info("client disconnected", "conn", c.id, "reason", err)
}

func (s *Server) readLoop(c *serverConn) error {
	readWait := s.cfg.PingInterval + s.cfg.PongWait
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	buf := make([]byte, s.cfg.MaxPayload+1)
	for {
		msgType, r, err := c.conn.NextReader()
		if err != nil {
			return err
		}
		n, err := io.ReadFull(r, buf)
		switch {
		case err == nil:
			// More than MaxPayload bytes: discard the rest unacknowledged.
			if _, err := io.Copy(io.Discard, r); err != nil {
				return err
			}
			s.stats.RecordOversized()
			s.logger.Debug("discarding oversized message", "conn", c.id)
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		default:
			return err
		}
		if msgType != websocket.TextMessage {
			s.stats.RecordRejected()
			continue
		}
		if s.handler != nil {
			s.handler(c.id, append([]byte(nil), buf[:n]...))
		}
	}
}

func (s *Server) pingLoop(c *serverConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.PongWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("ping failed", "conn", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

func (s *Server) addClient(c *serverConn) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.stats.ConnectionOpened()
}

func (s *Server) removeClient(c *serverConn) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		s.stats.ConnectionClosed()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	clients := make([]*serverConn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), deadline)
		c.close()
	}
}

func (c *serverConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
