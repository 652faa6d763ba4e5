package api

import (
	"net/http"

	"ysod-timeline/api/handlers"
	"ysod-timeline/api/routegroups"

	"github.com/go-chi/chi/v5"
)

func (s *Server) registerRoutes() {
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.securityHeadersMiddleware)
	s.router.Use(s.bodyLimitMiddleware)

	s.router.MethodFunc("GET", "/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	timelineHandler := handlers.NewTimelineHandler(s.cfg, s.incidentsSvc, s.logger)
	guards := routegroups.Guards{
		WithActor:         s.withActor,
		RequirePermission: s.requirePermission,
	}
	s.router.Route("/api", func(apiRouter chi.Router) {
		routegroups.RegisterTimeline(apiRouter, guards, timelineHandler)
	})
}
