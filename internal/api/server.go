package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"polymarket-monitor/internal/alert"
	"polymarket-monitor/internal/cache"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/metrics"
	"polymarket-monitor/internal/store"
)

const requestTimeout = 10 * time.Second

type ctxKey string

const requestIDKey ctxKey = "request_id"

// StateReporter exposes a component's lifecycle state for health checks.
type StateReporter interface {
	State() string
}

// Pinger covers stores that can verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries everything the read API serves from. Stream, Dispatcher
// and Ingest may be nil (health reports them unknown); DB may be nil when
// the process started without a database.
type Deps struct {
	DB         *store.Store
	Cache      *cache.Cache
	Rolling    *cache.Rolling
	Queue      *alert.Queue
	Hub        *Hub
	Met        *metrics.Registry
	Stream     StateReporter
	Dispatcher StateReporter
	Active     func() int
}

// Server is the read-only HTTP surface.
type Server struct {
	cfg    config.APIConfig
	deps   Deps
	router *mux.Router
	http   *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps, router: mux.NewRouter()}
	s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestID, s.logging, s.timeout)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentType)

	api.HandleFunc("/markets", s.handleMarkets).Methods(http.MethodGet)
	api.HandleFunc("/markets/{id}", s.handleMarket).Methods(http.MethodGet)
	api.HandleFunc("/markets/{id}/prices", s.handlePrices).Methods(http.MethodGet)
	api.HandleFunc("/markets/{id}/trades", s.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/markets/{id}/book", s.handleBook).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	if s.deps.Met != nil {
		s.router.Handle("/metrics", s.deps.Met.Handler()).Methods(http.MethodGet)
	}
	if s.deps.Hub != nil {
		s.router.HandleFunc("/ws", s.deps.Hub.ServeWS)
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Router exposes the handler tree; tests drive it directly.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("read API listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("took", time.Since(start)).
			Msg("api request")
	})
}

func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
