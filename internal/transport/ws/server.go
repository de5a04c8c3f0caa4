// File: internal/transport/ws/server.go
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/config"
	"github.com/xkilldash9x/agentd/internal/events"
	"github.com/xkilldash9x/agentd/internal/session"
)

// Sessions is the part of the session manager the server drives.
type Sessions interface {
	RunQuery(ctx context.Context, sessionID, input string) (*schemas.RunResult, error)
	AbortQuery(sessionID string) bool
	GetSession(sessionID string) (schemas.SessionSnapshot, error)
	ListSessions() []schemas.SessionSnapshot
	CreateSession(ctx context.Context, sessionID string, opts session.Options) (schemas.SessionSnapshot, error)
	ClearHistory(sessionID string) error
	Teardown(ctx context.Context, sessionID string) error
}

var _ Sessions = (*session.Manager)(nil)

// Server exposes sessions over a WebSocket endpoint and a small HTTP API.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	sessions Sessions
	bridge   *events.Bridge
	upgrader websocket.Upgrader

	// runs outlive the connection that started them; they end with the server.
	baseCtx context.Context
	stop    context.CancelFunc

	mu         sync.Mutex
	clients    map[*client]struct{}
	httpServer *http.Server
}

// NewServer creates a server. Call Handler to mount it or Serve to listen.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, sessions Sessions, bridge *events.Bridge) *Server {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("ws_server"),
		sessions: sessions,
		bridge:   bridge,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Transport authentication is out of scope; any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx: baseCtx,
		stop:    stop,
		clients: make(map[*client]struct{}),
	}
}

// Handler builds the router: the socket at /ws and the REST API under /api/v1.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// The socket route must not sit behind the timeout middleware.
	r.Get("/ws", s.handleSocket)

	r.Group(func(r chi.Router) {
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}
		newHandlers(s.logger, s.sessions).RegisterRoutes(r)
	})
	return r
}

// Serve listens on the configured address until ctx is done, then shuts
// down gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Socket server listening.", zap.String("address", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.closeClients()
		s.stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("Shutting down socket server...")
	err := srv.Shutdown(shutdownCtx)
	// Hijacked socket connections are not closed by Shutdown.
	s.closeClients()
	s.stop()
	<-errCh
	if err != nil {
		return fmt.Errorf("socket server shutdown: %w", err)
	}
	s.logger.Info("Socket server stopped.")
	return nil
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// handleSocket upgrades the connection and runs the client's pumps until it disconnects.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		s.logger.Warn("Failed to upgrade connection to WebSocket.", zap.Error(err))
		return
	}

	limit := rate.Inf
	if s.cfg.MessagesPerSec > 0 {
		limit = rate.Limit(s.cfg.MessagesPerSec)
	}
	burst := s.cfg.MessageBurst
	if burst <= 0 {
		burst = 1
	}

	c := newClient(s, conn, rate.NewLimiter(limit, burst))
	s.register(c)
	defer s.unregister(c)
	c.logger.Info("Client connected.", zap.String("remote_addr", r.RemoteAddr))

	go c.writePump()
	c.readPump()
	c.logger.Info("Client disconnected.")
}

// corsMiddleware allows browser UIs served from another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
