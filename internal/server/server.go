// ABOUTME: Server orchestrator that wires the store, services, and HTTP API
// ABOUTME: Manages listener lifecycle, routing, and graceful shutdown

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/campuslink/dm-gateway/internal/auth"
	"github.com/campuslink/dm-gateway/internal/config"
	"github.com/campuslink/dm-gateway/internal/directory"
	"github.com/campuslink/dm-gateway/internal/feed"
	"github.com/campuslink/dm-gateway/internal/identity"
	"github.com/campuslink/dm-gateway/internal/messaging"
	"github.com/campuslink/dm-gateway/internal/store"
)

// Server orchestrates the dm-gateway components. It owns the store,
// the event broadcaster, the domain services, and the HTTP server.
type Server struct {
	config      *config.Config
	store       store.Store
	broadcaster *feed.Broadcaster
	identity    *identity.Service
	directory   *directory.Service
	messaging   *messaging.Service
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	logger      *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("DM_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Server instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := feed.NewBroadcaster(logger.With("component", "broadcaster"))
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	srv := &Server{
		config:      cfg,
		store:       s,
		broadcaster: broadcaster,
		identity:    identity.New(s, verifier, cfg.Auth.TokenTTL, logger),
		directory:   directory.New(s, broadcaster, logger),
		messaging:   messaging.New(s, broadcaster, logger),
		verifier:    verifier,
		logger:      logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

// registerRoutes wires every endpoint on the mux. Registration and login
// are open; everything else under /api requires a bearer token. The
// websocket endpoint carries its own auth since browsers cannot set
// headers on websocket upgrades.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	authMiddleware := auth.Middleware(s.store, s.verifier)

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)

	mux.Handle("/api/me", authMiddleware(http.HandlerFunc(s.handleMe)))
	mux.Handle("/api/users", authMiddleware(http.HandlerFunc(s.handleListUsers)))
	mux.Handle("/api/conversations", authMiddleware(http.HandlerFunc(s.handleConversations)))
	mux.Handle("/api/conversations/", authMiddleware(http.HandlerFunc(s.handleConversationRoutes)))
	mux.Handle("/api/events", authMiddleware(http.HandlerFunc(s.handleUserEvents)))
	mux.HandleFunc("/api/ws", s.handleWebSocket)
}

// Run starts the server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	// Ends every open SSE and websocket stream.
	s.broadcaster.Close()
	s.messaging.Close()

	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
