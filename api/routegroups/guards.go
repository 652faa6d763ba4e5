package routegroups

import "net/http"

type Guards struct {
	WithActor         func(http.HandlerFunc) http.HandlerFunc
	RequirePermission func(string) func(http.HandlerFunc) http.HandlerFunc
}

// ActorPerm resolves the calling actor and then checks perm.
func (g Guards) ActorPerm(perm string, h http.HandlerFunc) http.HandlerFunc {
	return g.WithActor(g.RequirePermission(perm)(h))
}
