package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/joescharf/tracker/internal/models"
)

type actorKey struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor *models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by Middleware, or nil.
func ActorFromContext(ctx context.Context) *models.Actor {
	actor, _ := ctx.Value(actorKey{}).(*models.Actor)
	return actor
}

// Middleware resolves the request's bearer token into an actor. Requests
// without a valid token continue as anonymous; the policy decides later.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.ActorForToken(r.Context(), BearerToken(r))
		if err != nil {
			slog.ErrorContext(r.Context(), "resolve token", "error", err)
			http.Error(w, `{"error":"authentication backend unavailable"}`, http.StatusInternalServerError)
			return
		}
		if actor != nil {
			r = r.WithContext(WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}
