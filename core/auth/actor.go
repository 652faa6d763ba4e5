package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"ysod-timeline/core/store"
)

// ActorHeader carries the caller's user id. Authentication happens in front
// of this service; the header is trusted.
const ActorHeader = "X-Actor-ID"

type ctxKey string

const ActorContextKey ctxKey = "actor"

var ErrNoActor = errors.New("actor header missing")
var ErrUnknownActor = errors.New("unknown or inactive actor")

type ActorResolver struct {
	users store.UsersStore
}

func NewActorResolver(users store.UsersStore) *ActorResolver {
	return &ActorResolver{users: users}
}

// Resolve looks up the user named by the actor header.
func (r *ActorResolver) Resolve(req *http.Request) (*store.User, error) {
	id := strings.TrimSpace(req.Header.Get(ActorHeader))
	if id == "" {
		return nil, ErrNoActor
	}
	u, err := r.users.Get(req.Context(), id)
	if err != nil {
		return nil, err
	}
	if u == nil || !u.Active {
		return nil, ErrUnknownActor
	}
	return u, nil
}

func WithActor(ctx context.Context, u *store.User) context.Context {
	return context.WithValue(ctx, ActorContextKey, u)
}

func ActorFromContext(ctx context.Context) *store.User {
	if u, ok := ctx.Value(ActorContextKey).(*store.User); ok {
		return u
	}
	return nil
}
