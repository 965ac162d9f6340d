package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"SkyCount/internal/api/handlers"
	"SkyCount/internal/config"
	"SkyCount/internal/job"
	"SkyCount/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router     *chi.Mux
	processor  handlers.Processor
	sessions   *session.Registry
	jobManager *job.Manager
	cfg        *config.Config
	logger     *zap.Logger
	httpServer *http.Server
}

func NewServer(processor handlers.Processor, sessions *session.Registry, jobManager *job.Manager, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		processor:  processor,
		sessions:   sessions,
		jobManager: jobManager,
		cfg:        cfg,
		logger:     logger,
	}

	s.router = chi.NewRouter()
	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	pageHandler := handlers.NewPageHandler(s.sessions, s.logger)
	processHandler := handlers.NewProcessHandler(s.processor, s.sessions, s.jobManager, s.cfg.Server.MaxUploadMB, s.logger)
	sessionsHandler := handlers.NewSessionsHandler(s.processor, s.sessions, s.jobManager, s.logger)
	streamHandler := handlers.NewStreamHandler(s.sessions, s.jobManager, s.logger)

	s.router.With(middleware.Timeout(10*time.Second)).Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/", pageHandler.Serve)

	// A pass runs inside the request, so no timeout here
	s.router.Post("/process", processHandler.Handle)

	s.router.Route("/sessions/{id}", func(r chi.Router) {
		r.With(middleware.Timeout(30*time.Second)).Get("/", sessionsHandler.Get)
		r.Delete("/", sessionsHandler.Reset)
		r.Get("/stream", streamHandler.StreamProgress)
		r.Get("/download", sessionsHandler.Download)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "healthy",
		"service":  "skycount",
		"sessions": s.sessions.Len(),
	})
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.router,
		// Passes run inside the request, so reads and writes may take long
		ReadTimeout:       30 * time.Minute,
		WriteTimeout:      2 * time.Hour,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 30 * time.Second,
	}

	s.logger.Info("Starting HTTP server", zap.String("addr", s.cfg.Server.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
