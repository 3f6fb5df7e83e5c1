// Package api serves the dashboard HTTP API: service status, control
// actions, scheduled restart policies, audit history and a websocket
// stream of supervisor events.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	compose "github.com/liuyuansharp/service-compose"
	"github.com/liuyuansharp/service-compose/internal/audit"
	"github.com/liuyuansharp/service-compose/internal/metrics"
)

// Identity headers set by the fronting authentication proxy
const (
	HeaderUser = "X-Remote-User"
	HeaderRole = "X-Remote-Role"
)

// AnonymousActor is recorded when no identity header is present.
const AnonymousActor = "anonymous"

// MaxBatchServices caps the services accepted by one batch request.
const MaxBatchServices = 50

// Services is the part of the manager the API drives.
type Services interface {
	compose.Supervisors
	Do(ctx context.Context, op compose.Operation, name string) error
}

// Deps are the collaborators a Server requires.
type Deps struct {
	Services Services
	Store    *compose.ConfigStore
	Locks    *compose.ControlLocks
	Health   *compose.HealthChecker
	Audit    audit.Store
	Metrics  *metrics.Metrics
	Hub      *Hub
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithRateLimit limits control requests per client IP per minute; 0 disables
func WithRateLimit(perMinute int) Option {
	return func(s *Server) {
		s.rateLimit = perMinute
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Server implements the HTTP API.
type Server struct {
	Deps
	log       zerolog.Logger
	rateLimit int
	now       func() time.Time
}

// New returns a Server. Metrics and Hub are optional.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		Deps: deps,
		log:  zerolog.Nop(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Audit == nil {
		s.Audit = audit.NewMemoryStore(0)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/services", s.handleServices)
		r.Get("/services/graph", s.handleGraph)
		r.Get("/status", s.handleStatus)
		r.Get("/audit-logs", s.handleAuditLogs)
		if s.Hub != nil {
			r.Get("/ws/events", s.Hub.ServeWS)
		}

		r.Group(func(r chi.Router) {
			if s.rateLimit > 0 {
				r.Use(httprate.LimitByIP(s.rateLimit, time.Minute))
			}
			r.Post("/control", s.handleControl)
			r.Post("/batch-control", s.handleBatchControl)
			r.Put("/scheduled-restart", s.handleScheduledRestart)
			r.Put("/preferences/service-order", s.handleServiceOrder)
		})
	})

	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	return r
}

// requestID tags each request with an id, reusing one supplied by the client.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type actor struct {
	user string
	role string
}

func actorOf(r *http.Request) actor {
	a := actor{user: r.Header.Get(HeaderUser), role: r.Header.Get(HeaderRole)}
	if a.user == "" {
		a.user = AnonymousActor
	}
	return a
}

func (s *Server) record(ctx context.Context, a actor, action, target, detail, result string) {
	err := s.Audit.Record(ctx, compose.AuditEntry{
		Timestamp: s.now(),
		Actor:     a.user,
		Role:      a.role,
		Action:    action,
		Target:    target,
		Detail:    detail,
		Result:    result,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to record audit entry")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}
