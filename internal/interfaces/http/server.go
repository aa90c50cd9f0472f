// Package http exposes the operational surface: health, balances,
// Prometheus metrics, manual execution, the approval webhook, and a
// websocket stream of terminal results. Local-only by default; the
// mutating endpoints require the static API token.
package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arbrun/arbrun/internal/adapters"
	"github.com/arbrun/arbrun/internal/application/orchestrator"
	"github.com/arbrun/arbrun/internal/config"
	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/metrics"
)

const requestTimeout = 10 * time.Second

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Executor is the synchronous execution entry point the /execute
// handler uses. The coordinator implements it.
type Executor interface {
	ExecuteNow(ctx context.Context, o *opportunity.Opportunity) (opportunity.ExecutionResult, bool)
	Force(ctx context.Context, o *opportunity.Opportunity) (opportunity.ExecutionResult, bool)
	Executed(id string) (opportunity.State, bool)
}

// Holder resolves a held (accepted, not yet executed) opportunity by id.
// The aggregator implements it.
type Holder interface {
	Lookup(id string) (*opportunity.Opportunity, bool)
}

// Enqueuer re-queues an approved opportunity. queue.Multi implements it.
type Enqueuer interface {
	Enqueue(o *opportunity.Opportunity) bool
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Collector
	Executor     Executor
	Holder       Holder
	Queue        Enqueuer
	Chains       map[string]adapters.ChainAdapter
	// Tokens lists the balance-relevant tokens per chain.
	Tokens map[string][]string
	Wallet string
}

// Server is the HTTP surface.
type Server struct {
	logger zerolog.Logger
	cfg    config.HTTPConfig
	deps   Deps
	router *mux.Router
	server *http.Server
	hub    *resultHub
}

// NewServer builds the server and its routes. It does not listen yet.
func NewServer(logger zerolog.Logger, cfg config.HTTPConfig, deps Deps) *Server {
	s := &Server{
		logger: logger.With().Str("component", "http").Logger(),
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
		hub:    newResultHub(logger),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ResultSink returns the sink that feeds /ws/results subscribers.
// Register it with the notification broadcaster.
func (s *Server) ResultSink() *resultHub { return s.hub }

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/balances", s.handleBalances).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(
		s.deps.Metrics.Registry(), promhttp.HandlerOpts{},
	)).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/results", s.hub.handleSubscribe).Methods(http.MethodGet)

	s.router.HandleFunc("/execute", s.authenticated(s.handleExecute)).Methods(http.MethodPost)
	s.router.HandleFunc("/webhook/approve", s.authenticated(s.handleApprove)).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no such endpoint")
	})
}

// Start listens until the server is shut down. It returns
// http.ErrServerClosed on clean shutdown like net/http does.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("http surface listening")
	return s.server.ListenAndServe()
}

// Shutdown stops the listener and disconnects websocket subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// authenticated guards mutating endpoints with the static bearer token.
// With no token configured the endpoints are disabled outright.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			writeError(w, http.StatusForbidden, "mutating endpoints disabled: no API token configured")
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.APIToken {
			writeError(w, http.StatusUnauthorized, "invalid or missing API token")
			return
		}
		next(w, r)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying writer so websocket upgrades work
// through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
