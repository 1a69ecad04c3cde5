package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BadgerOps/stockdash/internal/config"
	"github.com/BadgerOps/stockdash/internal/engine"
	"github.com/BadgerOps/stockdash/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(
	template.New("").Funcs(initializeTemplateFuncs()).ParseFS(templateFS, "templates/*.html"),
)

// Rescheduler is the part of *engine.Scheduler the settings API needs.
type Rescheduler interface {
	Reschedule(at config.TimeOfDay)
	NextRun() time.Time
}

// Server is the dashboard and JSON API.
type Server struct {
	orch   *engine.Orchestrator
	files  *store.Files
	runs   *store.Store
	config *config.Config
	logger *slog.Logger
	now    func() time.Time

	httpServer *http.Server

	schedMu   sync.RWMutex
	scheduler Rescheduler
}

// NewServer creates a new Server instance.
func NewServer(
	orch *engine.Orchestrator,
	files *store.Files,
	runs *store.Store,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orch:   orch,
		files:  files,
		runs:   runs,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
	// Built here so a Shutdown that races ahead of Start still stops it.
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		// A manual sync answers only after the fetch finishes.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// SetScheduler attaches the running scheduler so schedule edits take
// effect without a restart. nil detaches it.
func (s *Server) SetScheduler(r Rescheduler) {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	s.scheduler = r
}

func (s *Server) currentScheduler() Rescheduler {
	s.schedMu.RLock()
	defer s.schedMu.RUnlock()
	return s.scheduler
}

// Start serves on listenAddr until Shutdown. It returns nil at once if
// Shutdown was already called.
func (s *Server) Start(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.requireRole(roleViewer))
		r.Get("/", s.handleDashboard)
		r.Get("/export", s.handleExport)
		r.Get("/api/products", s.handleAPIProducts)
		r.Get("/api/status", s.handleAPIStatus)
		r.Get("/api/sync/progress", s.handleAPISyncProgress)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireRole(roleAdmin))
		r.Post("/api/upload", s.handleAPIUpload)
		r.Post("/api/sync", s.handleAPISync)
		r.Post("/api/sync/test", s.handleAPISyncTest)
		r.Get("/api/settings", s.handleAPISettings)
		r.Put("/api/settings", s.handleAPIUpdateSettings)
		r.Get("/api/runs", s.handleAPIRuns)
		r.Get("/api/runs/{id}", s.handleAPIRun)
	})

	return r
}

// requestLogger logs one line per request at debug, or warn for 5xx.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= 500 {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Microsecond),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
