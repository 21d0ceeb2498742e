package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/oauth-core/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient implements storage.ClientStore.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	defer s.observe(ctx, "create_client")(&err)

	if err := validateStringLength(client.ClientID, MaxIDLength, "client_id"); err != nil {
		return err
	}
	if err := s.setNX(ctx, s.key(segClient, client.ClientID), client, "client "+client.ClientID); err != nil {
		return err
	}
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.key(segOwner, client.OwnerID)).Member(client.ClientID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index client owner: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient implements storage.ClientStore.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	defer s.observe(ctx, "get_client")(&err)

	return getJSON[storage.Client](ctx, s, s.key(segClient, clientID),
		fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID))
}

// ListClientsByOwner implements storage.ClientStore.
func (s *Store) ListClientsByOwner(ctx context.Context, ownerID string) (_ []*storage.Client, err error) {
	defer s.observe(ctx, "list_clients_by_owner")(&err)

	ids, err := s.members(ctx, s.key(segOwner, ownerID))
	if err != nil {
		return nil, err
	}

	var out []*storage.Client
	for _, id := range ids {
		client, err := getJSON[storage.Client](ctx, s, s.key(segClient, id), storage.ErrNotFound)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, client)
	}
	slices.SortStableFunc(out, func(a, b *storage.Client) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// DeactivateClient implements storage.ClientStore.
func (s *Store) DeactivateClient(ctx context.Context, clientID, reason string, at time.Time) (_ int, err error) {
	defer s.observe(ctx, "deactivate_client")(&err)

	client, err := getJSON[storage.Client](ctx, s, s.key(segClient, clientID),
		fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID))
	if err != nil {
		return 0, err
	}
	client.Active = false
	client.UpdatedAt = at

	data, err := marshal(client)
	if err != nil {
		return 0, err
	}

	revoked, err := deactivateClientScript.Exec(ctx, s.client,
		[]string{
			s.key(segClient, clientID),
			s.key(segClientCodes, clientID),
			s.key(segClientTokens, clientID),
		},
		[]string{data, s.prefix + segCode, s.prefix + segToken, reason, formatTime(at)},
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate client: %w", err)
	}
	if revoked < 0 {
		return 0, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}

	s.logger.Debug("Deactivated client", "client_id", clientID, "tokens_revoked", revoked)
	return int(revoked), nil
}

// addMember adds one member to a set, failing with ErrAlreadyExists if it was
// already present.
func (s *Store) addMember(ctx context.Context, key, member, what string) error {
	added, err := s.client.Do(ctx, s.client.B().Sadd().Key(key).Member(member).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", what, err)
	}
	if added == 0 {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, what)
	}
	return nil
}

// AddRedirectURI implements storage.ClientStore.
func (s *Store) AddRedirectURI(ctx context.Context, uri *storage.RedirectURI) (err error) {
	defer s.observe(ctx, "add_redirect_uri")(&err)
	return s.addMember(ctx, s.key(segRedirect, uri.ClientID), uri.URI, "redirect uri")
}

// RemoveRedirectURI implements storage.ClientStore.
func (s *Store) RemoveRedirectURI(ctx context.Context, clientID, uri string) (err error) {
	defer s.observe(ctx, "remove_redirect_uri")(&err)

	removed, err := s.client.Do(ctx, s.client.B().Srem().Key(s.key(segRedirect, clientID)).Member(uri).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to remove redirect uri: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: redirect uri %s", storage.ErrNotFound, uri)
	}
	return nil
}

// ListRedirectURIs implements storage.ClientStore.
func (s *Store) ListRedirectURIs(ctx context.Context, clientID string) (_ []string, err error) {
	defer s.observe(ctx, "list_redirect_uris")(&err)
	return s.members(ctx, s.key(segRedirect, clientID))
}

// AddAuthorizedDomain implements storage.ClientStore.
func (s *Store) AddAuthorizedDomain(ctx context.Context, domain *storage.AuthorizedDomain) (err error) {
	defer s.observe(ctx, "add_authorized_domain")(&err)
	return s.addMember(ctx, s.key(segDomains, domain.ClientID), domain.Origin, "authorized domain")
}

// ListAuthorizedDomains implements storage.ClientStore.
func (s *Store) ListAuthorizedDomains(ctx context.Context, clientID string) (_ []string, err error) {
	defer s.observe(ctx, "list_authorized_domains")(&err)
	return s.members(ctx, s.key(segDomains, clientID))
}

// CreateClientSecret implements storage.ClientStore.
func (s *Store) CreateClientSecret(ctx context.Context, secret *storage.ClientSecret) (err error) {
	defer s.observe(ctx, "create_client_secret")(&err)

	data, err := marshal(secret)
	if err != nil {
		return err
	}
	added, err := s.client.Do(ctx,
		s.client.B().Hsetnx().Key(s.key(segSecrets, secret.ClientID)).Field(secret.ID).Value(data).Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to store client secret: %w", err)
	}
	if added == 0 {
		return fmt.Errorf("%w: client secret %s", storage.ErrAlreadyExists, secret.ID)
	}
	return nil
}

// ListClientSecrets implements storage.ClientStore.
func (s *Store) ListClientSecrets(ctx context.Context, clientID string) (_ []*storage.ClientSecret, err error) {
	defer s.observe(ctx, "list_client_secrets")(&err)

	values, err := s.client.Do(ctx, s.client.B().Hvals().Key(s.key(segSecrets, clientID)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list client secrets: %w", err)
	}

	out := make([]*storage.ClientSecret, 0, len(values))
	for _, v := range values {
		var secret storage.ClientSecret
		if err := json.Unmarshal([]byte(v), &secret); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client secret: %w", err)
		}
		out = append(out, &secret)
	}
	slices.SortStableFunc(out, func(a, b *storage.ClientSecret) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// DeactivateClientSecret implements storage.ClientStore.
func (s *Store) DeactivateClientSecret(ctx context.Context, clientID, secretID string) (err error) {
	defer s.observe(ctx, "deactivate_client_secret")(&err)

	key := s.key(segSecrets, clientID)
	v, err := s.client.Do(ctx, s.client.B().Hget().Key(key).Field(secretID).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: client secret %s", storage.ErrNotFound, secretID)
		}
		return fmt.Errorf("failed to get client secret: %w", err)
	}

	var secret storage.ClientSecret
	if err := json.Unmarshal([]byte(v), &secret); err != nil {
		return fmt.Errorf("failed to unmarshal client secret: %w", err)
	}
	secret.Active = false

	data, err := marshal(&secret)
	if err != nil {
		return err
	}
	if err := s.client.Do(ctx, s.client.B().Hset().Key(key).FieldValue().FieldValue(secretID, data).Build()).Error(); err != nil {
		return fmt.Errorf("failed to store client secret: %w", err)
	}
	return nil
}

// ============================================================
// CatalogStore Implementation
// ============================================================

// CreateAPIProduct implements storage.CatalogStore.
func (s *Store) CreateAPIProduct(ctx context.Context, product *storage.APIProduct) (err error) {
	defer s.observe(ctx, "create_api_product")(&err)
	return s.setNX(ctx, s.key(segProduct, product.Name), product, "api product "+product.Name)
}

// GetAPIProduct implements storage.CatalogStore.
func (s *Store) GetAPIProduct(ctx context.Context, name string) (_ *storage.APIProduct, err error) {
	defer s.observe(ctx, "get_api_product")(&err)
	return getJSON[storage.APIProduct](ctx, s, s.key(segProduct, name),
		fmt.Errorf("%w: api product %s", storage.ErrNotFound, name))
}

// CreateScope implements storage.CatalogStore.
func (s *Store) CreateScope(ctx context.Context, scope *storage.Scope) (err error) {
	defer s.observe(ctx, "create_scope")(&err)

	if err := s.setNX(ctx, s.key(segScope, scope.Name), scope, "scope "+scope.Name); err != nil {
		return err
	}
	if scope.APIProduct == "" {
		return nil
	}
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.key(segProductScopes, scope.APIProduct)).Member(scope.Name).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index scope product: %w", err)
	}
	return nil
}

// GetScope implements storage.CatalogStore.
func (s *Store) GetScope(ctx context.Context, name string) (_ *storage.Scope, err error) {
	defer s.observe(ctx, "get_scope")(&err)
	return getJSON[storage.Scope](ctx, s, s.key(segScope, name),
		fmt.Errorf("%w: scope %s", storage.ErrNotFound, name))
}

// ListScopesByProduct implements storage.CatalogStore.
func (s *Store) ListScopesByProduct(ctx context.Context, product string) (_ []string, err error) {
	defer s.observe(ctx, "list_scopes_by_product")(&err)
	return s.members(ctx, s.key(segProductScopes, product))
}

func (s *Store) setMembership(ctx context.Context, key, member string, add bool) error {
	cmd := s.client.B().Srem().Key(key).Member(member).Build()
	if add {
		cmd = s.client.B().Sadd().Key(key).Member(member).Build()
	}
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}
	return nil
}

// SetAPIProductEnabled implements storage.CatalogStore.
func (s *Store) SetAPIProductEnabled(ctx context.Context, clientID, product string, enabled bool) (err error) {
	defer s.observe(ctx, "set_api_product_enabled")(&err)
	return s.setMembership(ctx, s.key(segClientProducts, clientID), product, enabled)
}

// ListEnabledAPIProducts implements storage.CatalogStore.
func (s *Store) ListEnabledAPIProducts(ctx context.Context, clientID string) (_ []string, err error) {
	defer s.observe(ctx, "list_enabled_api_products")(&err)
	return s.members(ctx, s.key(segClientProducts, clientID))
}

// SetScopeAllowed implements storage.CatalogStore.
func (s *Store) SetScopeAllowed(ctx context.Context, clientID, scope string, allowed bool) (err error) {
	defer s.observe(ctx, "set_scope_allowed")(&err)
	return s.setMembership(ctx, s.key(segClientScopes, clientID), scope, allowed)
}

// ListAllowedScopes implements storage.CatalogStore.
func (s *Store) ListAllowedScopes(ctx context.Context, clientID string) (_ []string, err error) {
	defer s.observe(ctx, "list_allowed_scopes")(&err)
	return s.members(ctx, s.key(segClientScopes, clientID))
}
