package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr         string
	Auth         AuthConfig
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the warden HTTP API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	log        *zap.Logger
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, h *Handlers) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	// Write waits may block up to MaxWriteWait.
	if cfg.WriteTimeout < MaxWriteWait+5*time.Second {
		cfg.WriteTimeout = MaxWriteWait + 5*time.Second
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewRouter(h, &cfg.Auth),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		handlers:   h,
		log:        h.log,
	}
}

// NewRouter mounts every endpoint. /health is the only route without auth.
func NewRouter(h *Handlers, auth *AuthConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(pr chi.Router) {
		pr.Use(Authenticate(auth))

		pr.Get("/status", h.Status)

		pr.Route("/sessions", func(sr chi.Router) {
			sr.Post("/", h.StartSession)
			sr.Get("/", h.ListSessions)
			sr.Get("/{id}", h.GetSession)
			sr.Post("/{id}/end", h.EndSession)

			sr.Get("/{id}/participants", h.ListParticipants)
			sr.Post("/{id}/participants", h.Join)
			sr.Delete("/{id}/participants/{pid}", h.Leave)
			sr.Post("/{id}/participants/{pid}/write", h.RequestWrite)
			sr.Delete("/{id}/participants/{pid}/write", h.RevokeWrite)

			sr.Get("/{id}/commands", h.ListCommands)
			sr.Post("/{id}/commands", h.SubmitCommand)

			sr.Post("/{id}/recording", h.CreateRecording)
			sr.Get("/{id}/recording", h.GetRecording)
		})

		pr.Post("/commands/{id}/complete", h.CompleteCommand)

		pr.Route("/policies", func(plr chi.Router) {
			plr.Get("/", h.ListPolicies)
			plr.Post("/", h.CreatePolicy)
			plr.Post("/check", h.CheckPolicy)
			plr.Patch("/{id}", h.UpdatePolicy)
			plr.Delete("/{id}", h.DeletePolicy)
		})

		pr.Route("/connections", func(cr chi.Router) {
			cr.Get("/", h.ListConnections)
			cr.Post("/", h.CreateConnection)
			cr.Patch("/{id}", h.UpdateConnection)
			cr.Delete("/{id}", h.DeleteConnection)
		})

		pr.Get("/audit", h.ListAudit)
		pr.Get("/mode", h.GetMode)
		pr.Put("/mode", h.SetMode)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("starting warden api", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
