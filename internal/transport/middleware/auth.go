package middleware

import (
	"net/http"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/pkg/logger"
)

// ActorContext tags the request-scoped logger with the authenticated caller.
// It must run after the auth middleware.
func ActorContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := internal.ActorFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ctx := logger.With(r.Context(), "user_id", actor.UserID, "role", actor.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
