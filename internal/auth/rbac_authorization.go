package auth

import (
	"log/slog"
	"net/http"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/transport"
)

type RBACAuthorization struct {
	*transport.BaseHandler
	checker PermissionChecker
}

func NewRBACAuthorization(checker PermissionChecker, logger *slog.Logger) *RBACAuthorization {
	return &RBACAuthorization{
		BaseHandler: transport.NewBaseHandler(logger),
		checker:     checker,
	}
}

// RequirePermission allows the request through when the actor holds permission.
func (ra *RBACAuthorization) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ra.Actor(w, r)
			if !ok {
				return
			}

			allowed, err := ra.checker.HasPermission(r.Context(), actor, permission)
			if err != nil {
				ra.Logger.ErrorContext(r.Context(), "authorization check failed", "error", err, "user_id", actor.UserID, "permission", permission)
				ra.HandleServiceError(w, err)
				return
			}
			if !allowed {
				ra.Logger.WarnContext(r.Context(), "access denied: insufficient permissions",
					"user_id", actor.UserID,
					"required_permission", permission)
				ra.HandleError(w, internal.ErrUnauthorizedActor)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole allows the request through when the actor has one of roles.
func (ra *RBACAuthorization) RequireRole(roles ...internal.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ra.Actor(w, r)
			if !ok {
				return
			}

			allowed, err := ra.checker.HasRole(r.Context(), actor, roles...)
			if err != nil {
				ra.Logger.ErrorContext(r.Context(), "role check failed", "error", err, "user_id", actor.UserID)
				ra.HandleServiceError(w, err)
				return
			}
			if !allowed {
				ra.Logger.WarnContext(r.Context(), "access denied: role not allowed", "user_id", actor.UserID, "role", actor.Role)
				ra.HandleError(w, internal.ErrUnauthorizedActor)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (ra *RBACAuthorization) RequireAdmin() func(http.Handler) http.Handler {
	return ra.RequireRole(internal.RoleAdmin)
}
