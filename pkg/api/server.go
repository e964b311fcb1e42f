package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/auth"
	"github.com/cuemby/docflow/pkg/bus"
	"github.com/cuemby/docflow/pkg/engine"
	"github.com/cuemby/docflow/pkg/eventstore"
	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/logsink"
	"github.com/cuemby/docflow/pkg/metrics"
	"github.com/cuemby/docflow/pkg/workflow"
)

const (
	defaultRequestTimeout = 30 * time.Second
	shutdownGrace         = 10 * time.Second

	// maxBodyBytes bounds request bodies so oversized payloads fail fast
	// instead of buffering. Batches of maximum-size entries hit this
	// before the entry-count cap does.
	maxBodyBytes = 10 << 20
)

// Config tunes the HTTP server.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
}

// Deps are the components the handlers serve from. Keys guards every
// route except the probes; Broker wakes the dispatcher after manual
// event injection.
type Deps struct {
	Sink      *logsink.Sink
	Keys      *auth.Store
	Events    *eventstore.Store
	Workflows *workflow.Registry
	Engine    *engine.Engine
	Broker    *bus.Broker
}

// Server is the HTTP front of the daemon.
type Server struct {
	cfg      Config
	deps     Deps
	validate *validator.Validate
	logger   zerolog.Logger

	mu sync.Mutex
	ln net.Listener
}

// New creates a server. Call Listen before Run to surface bind errors
// at startup.
func New(cfg Config, deps Deps) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(),
		logger:   log.WithComponent("api"),
	}
}

// Listen binds the configured address. Kept separate from Run so a
// taken port fails startup instead of looping under the supervisor.
// Calling it again once bound is a no-op.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address once Listen has succeeded, and the
// configured address before that.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

func (s *Server) listener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln
}

// Run serves until ctx is cancelled, then drains in-flight requests
// for up to shutdownGrace.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	ln := s.listener()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.RequestTimeout,
		WriteTimeout:      s.cfg.RequestTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
	metrics.UpdateComponent("api", true, "serving")

	select {
	case err := <-errCh:
		metrics.UpdateComponent("api", false, "stopped")
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Graceful shutdown expired, closing connections")
		_ = srv.Close()
	}
	<-errCh
	metrics.UpdateComponent("api", false, "stopped")
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// Handler builds the full route tree. Exported so tests can drive the
// server through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(s.recoverPanics)
	r.Use(limitBody)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	// Probes and the exposition endpoint stay outside the key check so
	// orchestrators and scrapers can reach them.
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Keys.Middleware)

		r.Post("/logs", s.handleSubmitLog)
		r.Post("/logs/batch", s.handleSubmitBatch)
		r.Get("/logs", s.handleListLogs)
		r.Get("/logs/stats", s.handleLogStats)
		r.Delete("/logs/cleanup", s.handleLogCleanup)
		r.Delete("/logs/cleanup/all", s.handleLogCleanupAll)
		r.Get("/logs/{id}", s.handleGetLog)

		r.Get("/lifecycle/document/{id}", s.handleLifecycleDocument)
		r.Get("/lifecycle/file/{name}", s.handleLifecycleFile)
		r.Get("/lifecycle/hash/{hash}", s.handleLifecycleHash)

		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Post("/workflows/{id}/runs", s.handleStartRun)
		r.Get("/workflows/{id}/runs", s.handleListRuns)
		r.Get("/workflows/{id}/runs/{run_id}", s.handleGetRun)
		r.Post("/workflows/{id}/runs/{run_id}/cancel", s.handleCancelRun)

		r.Get("/events", s.handleListEvents)
		r.Post("/events", s.handleInjectEvent)
		r.Get("/events/stats", s.handleEventStats)

		r.Get("/documents", s.handleListDocuments)
		r.Get("/documents/{id}", s.handleGetDocument)
	})

	return r
}

// instrument records request metrics and a debug log line per request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request handled")
	})
}

// recoverPanics turns a handler panic into a 500 and keeps the daemon up.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				writeDetail(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"detail": fmt.Sprintf(format, args...)})
}

// decodeBody parses a JSON request body into dst and runs struct
// validation. Callers get a client-facing error message back.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("field %q failed %q validation", f.Field(), f.Tag())
		}
		return err
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return n, nil
}

// queryTime parses an RFC 3339 timestamp or bare date query parameter.
func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid %s: %q", name, raw)
}
