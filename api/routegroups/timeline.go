package routegroups

import (
	"ysod-timeline/api/handlers"
	"ysod-timeline/core/rbac"

	"github.com/go-chi/chi/v5"
)

func RegisterTimeline(apiRouter chi.Router, g Guards, tl *handlers.TimelineHandler) {
	apiRouter.Route("/incidents", func(incidentsRouter chi.Router) {
		incidentsRouter.MethodFunc("GET", "/", g.ActorPerm(rbac.ActView, tl.ListIncidents))
		incidentsRouter.MethodFunc("GET", "/{id}/timeline", g.ActorPerm(rbac.ActView, tl.Entries))
		incidentsRouter.MethodFunc("POST", "/{id}/timeline", g.ActorPerm(rbac.ActAppend, tl.Append))
		incidentsRouter.MethodFunc("GET", "/{id}/timeline/verify", g.ActorPerm(rbac.ActView, tl.Verify))
		incidentsRouter.MethodFunc("GET", "/{id}/timeline/export", g.ActorPerm(rbac.ActView, tl.Export))
	})
	apiRouter.MethodFunc("POST", "/timeline/verify", g.ActorPerm(rbac.ActVerify, tl.VerifyExternal))
}
