// Package gateway serves the websocket endpoint that connects clients to the
// room broker, plus the health and metrics endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/auth"
	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/chat/session"
	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/observability"
)

// Broker is the room broker as seen by the gateway.
type Broker interface {
	Connect(identity chat.Identity) (*session.Connection, error)
	Disconnect(connID string)
	Join(ctx context.Context, connID string, name chat.RoomName) ([]chat.Message, error)
	Leave(ctx context.Context, connID string, name chat.RoomName) error
	Send(ctx context.Context, connID string, name chat.RoomName, body string, attachment *chat.Attachment) (chat.Message, error)
	SendPrivate(ctx context.Context, connID, toID, body string, attachment *chat.Attachment) (chat.Message, error)
	SetTyping(ctx context.Context, connID string, name chat.RoomName, typing bool) error
	MarkRead(ctx context.Context, connID string, name chat.RoomName, messageID string) error
	React(ctx context.Context, connID string, name chat.RoomName, messageID, symbol string) error
	Fetch(ctx context.Context, connID string, name chat.RoomName, offset, limit int) ([]chat.Message, error)
	Search(ctx context.Context, connID string, name chat.RoomName, query string) ([]chat.Message, error)
	Unread(ctx context.Context, connID string, name chat.RoomName) (int, error)
	ListOnline() []chat.Identity
}

// IdentityResolver authenticates a connection attempt.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (chat.Identity, error)
}

// Server accepts websocket connections and runs one session per connection.
type Server struct {
	cfg      config.GatewayConfig
	broker   Broker
	resolver IdentityResolver
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	router   chi.Router

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	running  bool
	stopped  bool
	sockets  map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a gateway. api, when non-nil, is mounted under /api.
//
// Precondition: broker, resolver and logger must be non-nil.
// Postcondition: Returns a Server ready to be started with ListenAndServe.
func NewServer(cfg config.GatewayConfig, broker Broker, resolver IdentityResolver, metrics *observability.Metrics, logger *zap.Logger, api http.Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		broker:   broker,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sockets:  make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes(api)
	return s
}

func (s *Server) routes(api http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/ws", s.serveWS)
	if api != nil {
		r.Mount("/api", api)
	}
	return r
}

// Handler returns the HTTP handler of the gateway, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ListenAndServe starts the HTTP listener and serves until Stop is called.
// This method blocks until the server is stopped.
//
// Precondition: The server must not already be running.
// Postcondition: The listener is closed when this method returns.
func (s *Server) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.http = srv
	s.running = true
	s.mu.Unlock()

	s.logger.Info("gateway listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("max_frame", humanize.IBytes(uint64(s.cfg.MaxMessageBytes))),
		zap.Int("outbox_size", s.cfg.OutboxSize),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving gateway: %w", err)
	}
	return nil
}

// Stop stops accepting connections, closes every live websocket and waits for
// their sessions to finish.
//
// Postcondition: All sessions have been disconnected from the broker.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	srv := s.http
	sockets := make([]*websocket.Conn, 0, len(s.sockets))
	for ws := range s.sockets {
		sockets = append(sockets, ws)
	}
	s.mu.Unlock()

	s.cancel()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout+time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("gateway shutdown", zap.Error(err))
		}
		cancel()
	}
	deadline := time.Now().Add(time.Second)
	for _, ws := range sockets {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		ws.Close()
	}
	s.wg.Wait()

	s.logger.Info("gateway stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// track records ws as live. It returns false once Stop has begun.
func (s *Server) track(ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.sockets[ws] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(ws *websocket.Conn) {
	s.mu.Lock()
	delete(s.sockets, ws)
	s.mu.Unlock()
	s.wg.Done()
}

// serveWS authenticates the request, upgrades it and runs the session.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.resolver.Resolve(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, chat.ErrAuth) {
			status = http.StatusUnauthorized
		}
		s.logger.Info("websocket refused",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", status),
			zap.Error(err),
		)
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	if !s.track(ws) {
		ws.Close()
		return
	}
	defer s.untrack(ws)

	s.runSession(identity, ws, r.RemoteAddr)
}
