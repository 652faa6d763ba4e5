package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"ysod-timeline/config"
	"ysod-timeline/core/auth"
	"ysod-timeline/core/incidents"
	"ysod-timeline/core/rbac"
	"ysod-timeline/core/store"
	"ysod-timeline/core/utils"

	"github.com/go-chi/chi/v5"
)

// BackgroundWorker is started with the server and stopped on shutdown.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context) error
	StopWithContext(ctx context.Context) error
}

type ServerDeps struct {
	Users        store.UsersStore
	Audits       store.AuditStore
	Authz        *rbac.Authorizer
	IncidentsSvc *incidents.Service
	Workers      []BackgroundWorker
}

type Server struct {
	cfg          *config.AppConfig
	logger       *utils.Logger
	router       chi.Router
	httpServer   *http.Server
	users        store.UsersStore
	audits       store.AuditStore
	authz        *rbac.Authorizer
	actors       *auth.ActorResolver
	incidentsSvc *incidents.Service
	workers      []BackgroundWorker
}

func NewServer(cfg *config.AppConfig, deps ServerDeps, logger *utils.Logger) *Server {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		router:       chi.NewRouter(),
		users:        deps.Users,
		audits:       deps.Audits,
		authz:        deps.Authz,
		actors:       auth.NewActorResolver(deps.Users),
		incidentsSvc: deps.IncidentsSvc,
		workers:      deps.Workers,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains connections and stops the
// background workers.
func (s *Server) Run(ctx context.Context) error {
	for _, w := range s.workers {
		if err := w.StartWithContext(ctx); err != nil {
			return err
		}
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.HTTP.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("HTTP listening on %s", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		s.stopWorkers()
		return err
	case <-ctx.Done():
	}
	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	timeout := s.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.stopWorkersWithContext(ctx)
	s.logger.Printf("HTTP server stopped")
	return err
}

func (s *Server) stopWorkers() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.stopWorkersWithContext(ctx)
}

func (s *Server) stopWorkersWithContext(ctx context.Context) {
	for _, w := range s.workers {
		if err := w.StopWithContext(ctx); err != nil {
			s.logger.Errorf("stop worker: %v", err)
		}
	}
}
