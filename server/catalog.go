package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/storage"
)

// MaxCatalogNameLength bounds API product and scope names.
const MaxCatalogNameLength = 128

// validateScopeToken checks a name against the RFC 6749 §3.3 scope-token grammar:
// 1*( %x21 / %x23-5B / %x5D-7E )
func validateScopeToken(field, name string) error {
	if name == "" {
		return validationError(field, "name is required")
	}
	if len(name) > MaxCatalogNameLength {
		return validationError(field, "name must be at most %d characters", MaxCatalogNameLength)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x21 || c > 0x7e || c == '"' || c == '\\' {
			return validationError(field, "name contains invalid characters")
		}
	}
	return nil
}

// CreateAPIProduct adds a named scope bundle to the catalog.
func (s *Server) CreateAPIProduct(ctx context.Context, actor Principal, name, description string) (*storage.APIProduct, error) {
	if err := Authorize(actor, ActionManageCatalog, nil); err != nil {
		return nil, err
	}
	if err := validateScopeToken("api_product", name); err != nil {
		return nil, err
	}

	product := &storage.APIProduct{Name: name, Description: description, CreatedAt: s.now()}
	if err := s.store.CreateAPIProduct(ctx, product); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, validationError("api_product", "API product %q already exists", name)
		}
		return nil, storageError("create_api_product", err)
	}

	s.Logger.Info("Created API product", "api_product", name)
	return product, nil
}

// CreateScope adds a scope to the catalog. An empty product makes it a global
// scope (such as offline_access) that can only be granted individually.
func (s *Server) CreateScope(ctx context.Context, actor Principal, name, description, product string) (*storage.Scope, error) {
	if err := Authorize(actor, ActionManageCatalog, nil); err != nil {
		return nil, err
	}
	if err := validateScopeToken("scope", name); err != nil {
		return nil, err
	}
	if product != "" {
		if err := s.requireAPIProduct(ctx, product); err != nil {
			return nil, err
		}
	}

	scope := &storage.Scope{Name: name, Description: description, APIProduct: product, CreatedAt: s.now()}
	if err := s.store.CreateScope(ctx, scope); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, validationError("scope", "scope %q already exists", name)
		}
		return nil, storageError("create_scope", err)
	}

	s.Logger.Info("Created scope", "scope", name, "api_product", product)
	return scope, nil
}

func (s *Server) requireAPIProduct(ctx context.Context, name string) error {
	if _, err := s.store.GetAPIProduct(ctx, name); err != nil {
		if isNotFound(err) {
			return validationError("api_product", "unknown API product %q", name)
		}
		return storageError("get_api_product", err)
	}
	return nil
}

// EnableAPIProduct grants every scope currently in product to the client.
// Scopes later added to the product are granted too. Idempotent.
func (s *Server) EnableAPIProduct(ctx context.Context, actor Principal, clientID, product string) error {
	return s.setAPIProductEnabled(ctx, actor, clientID, product, true)
}

// DisableAPIProduct withdraws the product from the client. Idempotent.
// Live refresh tokens lose the product's scopes at their next rotation.
func (s *Server) DisableAPIProduct(ctx context.Context, actor Principal, clientID, product string) error {
	return s.setAPIProductEnabled(ctx, actor, clientID, product, false)
}

func (s *Server) setAPIProductEnabled(ctx context.Context, actor Principal, clientID, product string, enabled bool) error {
	if _, err := s.authorizedClient(ctx, actor, ActionGrantScopes, clientID); err != nil {
		return err
	}
	if enabled {
		if err := s.requireAPIProduct(ctx, product); err != nil {
			return err
		}
	}
	if err := s.store.SetAPIProductEnabled(ctx, clientID, product, enabled); err != nil {
		return storageError("set_api_product_enabled", err)
	}

	s.Logger.Info("Changed API product for client",
		"client_id", clientID,
		"api_product", product,
		"enabled", enabled)
	return nil
}

// AllowScope grants a single scope to the client, independent of products. Idempotent.
func (s *Server) AllowScope(ctx context.Context, actor Principal, clientID, scope string) error {
	return s.setScopeAllowed(ctx, actor, clientID, scope, true)
}

// DisallowScope withdraws an individually granted scope. Idempotent.
func (s *Server) DisallowScope(ctx context.Context, actor Principal, clientID, scope string) error {
	return s.setScopeAllowed(ctx, actor, clientID, scope, false)
}

func (s *Server) setScopeAllowed(ctx context.Context, actor Principal, clientID, scope string, allowed bool) error {
	if _, err := s.authorizedClient(ctx, actor, ActionGrantScopes, clientID); err != nil {
		return err
	}
	if allowed {
		if _, err := s.store.GetScope(ctx, scope); err != nil {
			if isNotFound(err) {
				return validationError("scope", "unknown scope %q", scope)
			}
			return storageError("get_scope", err)
		}
	}
	if err := s.store.SetScopeAllowed(ctx, clientID, scope, allowed); err != nil {
		return storageError("set_scope_allowed", err)
	}

	s.Logger.Info("Changed allowed scope for client",
		"client_id", clientID,
		"scope", scope,
		"allowed", allowed)
	return nil
}

// EffectiveAllowedScopes returns the individually allowed scopes plus every
// scope of every enabled API product, sorted. It is computed on each call.
func (s *Server) EffectiveAllowedScopes(ctx context.Context, clientID string) ([]string, error) {
	allowed, err := s.store.ListAllowedScopes(ctx, clientID)
	if err != nil {
		return nil, storageError("list_allowed_scopes", err)
	}
	products, err := s.store.ListEnabledAPIProducts(ctx, clientID)
	if err != nil {
		return nil, storageError("list_enabled_api_products", err)
	}

	scopes := append([]string(nil), allowed...)
	for _, product := range products {
		productScopes, err := s.store.ListScopesByProduct(ctx, product)
		if err != nil {
			return nil, storageError("list_scopes_by_product", err)
		}
		scopes = append(scopes, productScopes...)
	}
	return util.NormalizeScopes(scopes), nil
}
