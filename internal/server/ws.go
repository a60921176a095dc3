package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/22VermeijT/SpeakTogether/internal/config"
	"github.com/22VermeijT/SpeakTogether/internal/session"
)

// WSServer accepts WebSocket connections on the caption channel. Each
// connection gets its own session; messages on the connection are handed to
// that session and everything the session emits is written back on the same
// connection.
type WSServer struct {
	config   *config.ServerConfig
	logger   *slog.Logger
	sessions *session.Manager

	server   *http.Server
	upgrader websocket.Upgrader

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Connection counters
	connectionsAccepted uint64
	connectionsRejected uint64
	connectionsClosed   uint64
	mu                  sync.RWMutex
}

// wsSender adapts a WebSocket connection to the session Sender interface.
// gorilla/websocket allows only one concurrent writer per connection, so all
// writes go through the mutex.
type wsSender struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// Send writes one text frame to the client.
func (s *wsSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// NewWSServer creates a new WebSocket server instance
func NewWSServer(cfg *config.ServerConfig, logger *slog.Logger, sessions *session.Manager) *WSServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &WSServer{
		config:   cfg,
		logger:   logger,
		sessions: sessions,
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The caption channel serves local clients; origin policy is
			// handled upstream when the service is exposed.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleConnection)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:     mux,
		ReadTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout: 0,
	}

	return s
}

// Start begins accepting WebSocket connections
func (s *WSServer) Start() error {
	s.logger.Info("Starting WebSocket server",
		slog.String("address", s.server.Addr),
		slog.Int("max_sessions", s.config.MaxSessions),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the WebSocket server and waits for connection
// handlers to finish.
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	s.cancel()

	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for connection handlers")
	}

	s.mu.RLock()
	accepted := s.connectionsAccepted
	closed := s.connectionsClosed
	s.mu.RUnlock()

	s.logger.Info("WebSocket server stopped",
		slog.Uint64("connections_accepted", accepted),
		slog.Uint64("connections_closed", closed),
	)

	return err
}

// handleConnection upgrades an HTTP request and runs the read loop for the
// resulting connection.
func (s *WSServer) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	conn.SetReadLimit(s.config.ReadLimit)

	sender := &wsSender{
		conn:         conn,
		writeTimeout: s.config.GetWriteTimeoutDuration(),
	}

	sess, err := s.sessions.CreateSession(sender)
	if err != nil {
		s.mu.Lock()
		s.connectionsRejected++
		s.mu.Unlock()

		s.logger.Warn("Rejecting connection",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)

		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session limit reached")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	s.mu.Lock()
	s.connectionsAccepted++
	s.mu.Unlock()

	sess.MarkConnected()

	s.logger.Info("Client connected",
		slog.String("session_id", sess.ID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	s.wg.Add(1)
	go s.readLoop(conn, sess, r.RemoteAddr)
}

// readLoop reads client messages until the connection drops, then tears the
// session down.
func (s *WSServer) readLoop(conn *websocket.Conn, sess *session.Session, remoteAddr string) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.sessions.RemoveSession(sess.ID)

		s.mu.Lock()
		s.connectionsClosed++
		s.mu.Unlock()

		s.logger.Info("Client disconnected",
			slog.String("session_id", sess.ID),
			slog.String("remote_addr", remoteAddr),
		)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Connection read error",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		if messageType != websocket.TextMessage {
			s.logger.Debug("Ignoring non-text frame",
				slog.String("session_id", sess.ID),
				slog.Int("message_type", messageType),
			)
			continue
		}

		sess.HandleMessage(data)
	}
}

// GetStatistics returns current connection statistics
func (s *WSServer) GetStatistics() ConnectionStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ConnectionStatistics{
		ConnectionsAccepted: s.connectionsAccepted,
		ConnectionsRejected: s.connectionsRejected,
		ConnectionsClosed:   s.connectionsClosed,
		ActiveSessions:      uint64(s.sessions.GetActiveSessionCount()),
	}
}

// ConnectionStatistics represents WebSocket server counters
type ConnectionStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	ConnectionsClosed   uint64 `json:"connections_closed"`
	ActiveSessions      uint64 `json:"active_sessions"`
}
