package auth

import (
	"context"

	"github.com/frahmantamala/escrow-settlement/internal"
)

const (
	PermissionAdmin            = "admin"
	PermissionEscrowResolve    = "escrow:resolve"
	PermissionPaymentReconcile = "payments:reconcile"
)

// PermissionChecker answers role and permission questions about an actor.
type PermissionChecker interface {
	HasPermission(ctx context.Context, actor *internal.Actor, permission string) (bool, error)
	HasRole(ctx context.Context, actor *internal.Actor, roles ...internal.Role) (bool, error)
}

type DefaultPermissionChecker struct{}

func NewPermissionChecker() *DefaultPermissionChecker {
	return &DefaultPermissionChecker{}
}

// HasPermission treats admins and holders of the admin permission as
// having every permission.
func (c *DefaultPermissionChecker) HasPermission(_ context.Context, actor *internal.Actor, permission string) (bool, error) {
	if actor == nil {
		return false, nil
	}
	return actor.IsAdmin() || actor.HasPermission(PermissionAdmin) || actor.HasPermission(permission), nil
}

func (c *DefaultPermissionChecker) HasRole(_ context.Context, actor *internal.Actor, roles ...internal.Role) (bool, error) {
	if actor == nil {
		return false, nil
	}
	for _, r := range roles {
		if actor.Role == r {
			return true, nil
		}
	}
	return false, nil
}
