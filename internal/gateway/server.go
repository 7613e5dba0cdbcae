// Package gateway serves one engine session over an HTTP JSON API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"ctxbudget/internal/engine"
	"ctxbudget/internal/gateway/handlers"
	"ctxbudget/internal/gateway/middleware"
)

// Options configures a Server.
type Options struct {
	Addr    string
	Version string
	Logger  zerolog.Logger
	// Maintenance, when set, is started and stopped with the server.
	Maintenance *Maintenance
	// Clock stamps usage records that arrive without a timestamp.
	Clock func() time.Time
}

// Server is the HTTP gateway over a session.
type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	session     *engine.Session
	maintenance *Maintenance
	logger      zerolog.Logger
	version     string
	now         func() time.Time

	// mu serializes calls that mutate the window or the usage ledger.
	mu sync.Mutex
}

// NewServer creates a gateway server for session.
func NewServer(session *engine.Session, opts Options) (*Server, error) {
	if session == nil {
		return nil, errors.New("gateway: session is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	router := mux.NewRouter()
	s := &Server{
		router:      router,
		session:     session,
		maintenance: opts.Maintenance,
		logger:      opts.Logger,
		version:     opts.Version,
		now:         opts.Clock,
	}
	s.setupRoutes()

	handler := middleware.Recovery(s.logger)(middleware.Logging(s.logger)(router))
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// setupRoutes configures the server routes.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", handlers.HealthHandler(s.version, func() (string, bool) {
		return s.session.ID(), s.session.Degraded()
	})).Methods(http.MethodGet)

	api.HandleFunc("/select", s.handleSelect).Methods(http.MethodPost)
	api.HandleFunc("/analyze", s.handleAnalyze).Methods(http.MethodPost)
	api.HandleFunc("/condense", s.handleCondense).Methods(http.MethodPost)

	api.HandleFunc("/window", s.handleWindow).Methods(http.MethodGet)
	api.HandleFunc("/window/append", s.handleAppend).Methods(http.MethodPost)
	api.HandleFunc("/window/compact", s.handleCompact).Methods(http.MethodPost)
	api.HandleFunc("/window/reset", s.handleReset).Methods(http.MethodPost)

	api.HandleFunc("/usage", s.handleRecordUsage).Methods(http.MethodPost)
	api.HandleFunc("/usage/daily", s.handleDaily).Methods(http.MethodGet)
	api.HandleFunc("/usage/history", s.handleHistory).Methods(http.MethodGet)

	api.HandleFunc("/maintenance", s.handleMaintenance).Methods(http.MethodGet, http.MethodPost)

	// Subrouters resolve their own misses, so both routers carry the JSON
	// error handlers.
	for _, r := range []*mux.Router{s.router, api} {
		r.NotFoundHandler = http.HandlerFunc(notFound)
		r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound,
		fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	handlers.SendError(w, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed,
		fmt.Sprintf("%s is not allowed on %s", r.Method, r.URL.Path))
}

// Handler returns the middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	handlers.InitStartTime()
	if s.maintenance != nil {
		s.maintenance.Start()
	}

	s.logger.Info().
		Str("addr", s.httpServer.Addr).
		Str("session", s.session.ID()).
		Msg("Starting gateway server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the maintenance job, drains in-flight requests and
// persists the session window.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down gateway server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.maintenance != nil {
		s.maintenance.Stop(shutdownCtx)
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.session.Save(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist window on shutdown")
	}
	return nil
}
