package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/RedKAa/meetbot/internal/config"
	"github.com/RedKAa/meetbot/internal/session"
)

// upgrader accepts any origin: the deployment assumes a trusted local
// browser agent, and no wire-level authentication is performed.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSServer accepts WebSocket connections from the browser agent and runs
// one read loop per connection, feeding frames into a Session.
type WSServer struct {
	cfg        *config.ServerConfig
	logger     *slog.Logger
	sessionMgr *session.Manager

	server *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connsAccepted uint64
	mu            sync.RWMutex
}

// NewWSServer creates a new WebSocket server instance
func NewWSServer(cfg *config.ServerConfig, logger *slog.Logger, sessionMgr *session.Manager) *WSServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &WSServer{
		cfg:        cfg,
		logger:     logger,
		sessionMgr: sessionMgr,
		ctx:        ctx,
		cancel:     cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/", s.handleUpgrade) // agents may dial the root path

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler: mux,
	}

	return s
}

// Start begins listening for WebSocket connections.
func (s *WSServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("WebSocket server started", slog.String("address", s.server.Addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop stops accepting connections and waits for read loops to finish.
// Active sessions are closed by the session manager, which also closes
// their sockets and unblocks the read loops.
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	s.cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("Error shutting down WebSocket server", slog.String("error", err.Error()))
	}

	s.wg.Wait()

	s.mu.RLock()
	accepted := s.connsAccepted
	s.mu.RUnlock()

	s.logger.Info("WebSocket server stopped", slog.Uint64("connections_accepted", accepted))
	return nil
}

// handleUpgrade upgrades an inbound connection and binds it to a session.
func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	sess, err := s.sessionMgr.CreateSession()
	if err != nil {
		s.logger.Error("Failed to create session",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		conn.Close()
		return
	}

	sess.SetConnCloser(conn.Close)

	s.mu.Lock()
	s.connsAccepted++
	s.mu.Unlock()

	s.logger.Info("Connection accepted",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("session_id", sess.ShortID),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(conn, sess)
	}()
}

// readLoop consumes frames until the socket closes or errors. All session
// mutation happens on this goroutine, which keeps frame handling in arrival
// order.
func (s *WSServer) readLoop(conn *websocket.Conn, sess *session.Session) {
	defer conn.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if sess.IsClosed() {
				// The session was terminated elsewhere (inactivity,
				// shutdown, removed_from_meeting); nothing more to do.
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				sess.Close(session.ReasonClientClose, nil)
			} else {
				sess.Close(session.ReasonSocketError, err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			sess.HandleMessage(data)
		default:
			// Control frames are handled by the websocket library.
		}
	}
}
