package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flowpbx/accesspbx/internal/api/middleware"
	"github.com/flowpbx/accesspbx/internal/cdr"
	"github.com/flowpbx/accesspbx/internal/events"
	"github.com/flowpbx/accesspbx/internal/sip"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegistrationLister exposes the live registrations.
type RegistrationLister interface {
	List() []sip.Registration
	Count() int
}

// CallLister exposes the calls that have not yet finished.
type CallLister interface {
	ActiveCalls() []sip.Call
	ActiveCallCount() int
}

// EventSource hands out subscriptions to the event stream.
type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Options carries the collaborators the HTTP surface reads from. Any nil
// source makes its endpoints answer 503.
type Options struct {
	Registrations RegistrationLister
	Calls         CallLister
	CDRs          cdr.Reader
	Events        EventSource
	Metrics       prometheus.Gatherer
	Limiter       middleware.Limiter
	CORSOrigins   string
	StartTime     time.Time
	Logger        *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	regs    RegistrationLister
	calls   CallLister
	cdrs    cdr.Reader
	events  EventSource
	metrics prometheus.Gatherer
	limiter middleware.Limiter
	origins middleware.Origins
	started time.Time
	logger  *slog.Logger

	closeOnce sync.Once
	closing   chan struct{}
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	started := opts.StartTime
	if started.IsZero() {
		started = time.Now()
	}

	s := &Server{
		router:  chi.NewRouter(),
		regs:    opts.Registrations,
		calls:   opts.Calls,
		cdrs:    opts.CDRs,
		events:  opts.Events,
		metrics: opts.Metrics,
		limiter: opts.Limiter,
		origins: middleware.ParseOrigins(opts.CORSOrigins),
		started: started,
		logger:  logger.With("subsystem", "api"),
		closing: make(chan struct{}),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close ends every open event stream. http.Server.Shutdown does not track
// hijacked websocket connections, so callers run Close before it.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.RateLimit(s.limiter, s.logger))

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	// API routes under /api/v1. Everything is read-only.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(s.origins))
		r.Use(middleware.SecurityHeaders)

		r.Get("/health", s.handleHealth)
		r.Get("/registrations", s.handleListRegistrations)
		r.Get("/calls/active", s.handleActiveCalls)

		r.Route("/cdrs", func(r chi.Router) {
			r.Get("/", s.handleListCDRs)
			r.Get("/export", s.handleExportCDRs)
		})

		r.Get("/events", s.handleEvents)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}
