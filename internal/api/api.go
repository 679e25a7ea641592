// Package api provides the HTTP/JSON surface for ResearchPipe.
//
// It exposes the state machine, the form engine, the interview backend, and
// the research stream consumer to the UI layer. Every response uses the
// models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/flow"
	"github.com/BTreeMap/ResearchPipe/internal/genai"
	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/BTreeMap/ResearchPipe/internal/recovery"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultAddr is the default API listen address.
	DefaultAddr = ":8080"
	// DefaultReadyTimeout bounds how long a request waits for rehydration.
	DefaultReadyTimeout = 10 * time.Second
	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr         string
	PageSize     int
	Interviewer  genai.Interviewer
	ReadyTimeout time.Duration
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithPageSize sets the number of visible fields per form step.
func WithPageSize(n int) Option {
	return func(o *Opts) {
		o.PageSize = n
	}
}

// WithInterviewer sets the chat backend used by POST /chat.
func WithInterviewer(i genai.Interviewer) Option {
	return func(o *Opts) {
		o.Interviewer = i
	}
}

// WithReadyTimeout bounds how long requests wait for the machine to become ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ReadyTimeout = d
	}
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	machine      *flow.Machine
	interviewer  genai.Interviewer
	pageSize     int
	addr         string
	readyTimeout time.Duration

	// cancels the research stream currently being consumed, if any
	researchMu     sync.Mutex
	researchGen    int
	cancelResearch context.CancelFunc
}

// NewServer creates a Server for the given machine.
func NewServer(m *flow.Machine, opts ...Option) *Server {
	cfg := Opts{
		Addr:         DefaultAddr,
		PageSize:     models.DefaultPageSize,
		ReadyTimeout: DefaultReadyTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = models.DefaultPageSize
	}
	return &Server{
		machine:      m,
		interviewer:  cfg.Interviewer,
		pageSize:     cfg.PageSize,
		addr:         cfg.Addr,
		readyTimeout: cfg.ReadyTimeout,
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Get("/state", s.stateHandler)
		r.Delete("/state/saved", s.discardSavedStateHandler)
		r.Post("/transition", s.transitionHandler)
		r.Post("/reset", s.resetHandler)
		r.Get("/transitions", s.transitionsHandler)
		r.Post("/error", s.setErrorHandler)
		r.Delete("/error", s.clearErrorHandler)

		r.Post("/chat", s.chatHandler)
		r.Post("/messages", s.messageHandler)

		r.Route("/form", func(r chi.Router) {
			r.Put("/schema", s.setSchemaHandler)
			r.Post("/fields", s.addFieldHandler)
			r.Put("/data", s.setFormDataHandler)
			r.Patch("/data/{fieldID}", s.setFieldValueHandler)
			r.Get("/visible", s.visibleFieldsHandler)
			r.Get("/steps/{step}", s.stepHandler)
			r.Post("/steps/{step}/validate", s.validateStepHandler)
			r.Post("/validate", s.validateFormHandler)
			r.Post("/submit", s.submitHandler)
		})

		r.Route("/research", func(r chi.Router) {
			r.Post("/progress", s.progressHandler)
			r.Post("/stream", s.streamHandler)
			r.Post("/results", s.resultsHandler)
			r.Post("/cancel", s.cancelResearchHandler)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessionsHandler)
			r.Post("/", s.createSessionHandler)
			r.Post("/{id}/switch", s.switchSessionHandler)
			r.Delete("/{id}", s.deleteSessionHandler)
		})
	})
	return r
}

// requireReady blocks requests until the machine has been rehydrated.
func (s *Server) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.readyTimeout)
		defer cancel()
		if err := recovery.WaitReady(ctx, s.machine.Ready()); err != nil {
			slog.Warn("Server.requireReady: state not ready", "error", err, "path", r.URL.Path)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("State is still loading"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ResearchPipe API running", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server")
	s.stopResearch()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}

// statusForError maps core errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, flow.ErrSessionNotFound), errors.Is(err, flow.ErrFieldNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrInvalidTransition), errors.Is(err, flow.ErrNoFormSchema),
		errors.Is(err, flow.ErrResearchNotRunning), errors.Is(err, flow.ErrStaleResearchRun),
		errors.Is(err, flow.ErrFormReadOnly):
		return http.StatusConflict
	case errors.Is(err, models.ErrEmptyMessage), errors.Is(err, models.ErrMessageTooLong), errors.Is(err, models.ErrInvalidChatRole):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
