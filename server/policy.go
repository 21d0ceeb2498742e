package server

import (
	"fmt"

	"github.com/giantswarm/oauth-core/storage"
)

// Role is the coarse permission level of a principal.
type Role string

const (
	// RoleUser may manage clients it owns but not register new ones.
	RoleUser Role = "user"

	// RoleDeveloper may register clients and manage the clients it owns.
	RoleDeveloper Role = "developer"

	// RoleAdmin may manage every client and the scope catalog.
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleDeveloper, RoleAdmin:
		return true
	}
	return false
}

// Principal is the authenticated actor of an administrative operation.
type Principal struct {
	UserID string
	Role   Role
}

// Action is an administrative operation subject to Authorize.
type Action string

const (
	ActionRegisterClient Action = "client:register"
	ActionViewClient     Action = "client:view"
	ActionManageClient   Action = "client:manage" // redirect URIs, origins, secrets, deactivation
	ActionGrantScopes    Action = "client:grant_scopes"
	ActionManageCatalog  Action = "catalog:manage"
)

// Authorize decides whether p may perform action on client (nil for actions
// that do not target a client). It returns an error wrapping ErrForbidden.
//
// Owners view and manage their own clients. Granting API products or scopes
// to a client widens what it can ever obtain, so only admins may do it, as
// with catalog changes.
func Authorize(p Principal, action Action, client *storage.Client) error {
	if p.UserID == "" || !p.Role.Valid() {
		return fmt.Errorf("%w: unauthenticated principal", ErrForbidden)
	}
	if p.Role == RoleAdmin {
		return nil
	}

	switch action {
	case ActionRegisterClient:
		if p.Role == RoleDeveloper {
			return nil
		}
	case ActionViewClient, ActionManageClient:
		if client != nil && client.OwnerID == p.UserID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not perform %s", ErrForbidden, p.Role, action)
}
