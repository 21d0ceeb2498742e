package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/storage"
)

const (
	backendName = "memory"

	// tokenIDLogLength is the number of characters to include when logging hashes
	tokenIDLogLength = 8
)

// Store is an in-memory implementation of storage.Store.
// A single RWMutex guards every map, which makes each method one transaction.
type Store struct {
	mu sync.RWMutex

	clients           map[string]*storage.Client
	secrets           map[string][]*storage.ClientSecret // clientID -> secrets
	redirectURIs      map[string][]string                // clientID -> URIs, insertion order
	authorizedDomains map[string][]string                // clientID -> origins, insertion order

	products        map[string]*storage.APIProduct
	scopes          map[string]*storage.Scope
	enabledProducts map[string]map[string]struct{} // clientID -> product names
	allowedScopes   map[string]map[string]struct{} // clientID -> scope names

	consents map[string][]*storage.ConsentGrant // user+client -> grants, oldest first

	codes map[string]*storage.AuthorizationCode // code hash -> code

	refreshTokens map[string]*storage.RefreshToken // ID -> token
	tokensByHash  map[string]string                // token hash -> ID
	families      map[string][]string              // family ID -> token IDs, oldest first

	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// Compile-time interface checks
var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with a cleanup interval of one minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, background cleanup is disabled.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		clients:           make(map[string]*storage.Client),
		secrets:           make(map[string][]*storage.ClientSecret),
		redirectURIs:      make(map[string][]string),
		authorizedDomains: make(map[string][]string),
		products:          make(map[string]*storage.APIProduct),
		scopes:            make(map[string]*storage.Scope),
		enabledProducts:   make(map[string]map[string]struct{}),
		allowedScopes:     make(map[string]map[string]struct{}),
		consents:          make(map[string][]*storage.ConsentGrant),
		codes:             make(map[string]*storage.AuthorizationCode),
		refreshTokens:     make(map[string]*storage.RefreshToken),
		tokensByHash:      make(map[string]string),
		families:          make(map[string][]string),
		instrumentation:   instrumentation.NewNoop(),
		logger:            slog.Default(),
		cleanupInterval:   cleanupInterval,
		stopCleanup:       make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
}

// Stop stops the background cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Close implements storage.Store.
func (s *Store) Close() error {
	s.Stop()
	return nil
}

// observe opens a span for one storage call. Use as
// defer s.observe(ctx, "op")(&err).
func (s *Store) observe(ctx context.Context, operation string) func(*error) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	_, op := inst.StartStorageOperation(ctx, backendName, operation)
	return func(err *error) { op.End(*err, storage.ContractErrors...) }
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", storage.ErrNotFound, kind, id)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient implements storage.ClientStore.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	defer s.observe(ctx, "create_client")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("%w: client %s", storage.ErrAlreadyExists, client.ClientID)
	}
	s.clients[client.ClientID] = client.Clone()
	return nil
}

// GetClient implements storage.ClientStore.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	defer s.observe(ctx, "get_client")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, notFound("client", clientID)
	}
	return client.Clone(), nil
}

// ListClientsByOwner implements storage.ClientStore.
func (s *Store) ListClientsByOwner(ctx context.Context, ownerID string) (_ []*storage.Client, err error) {
	defer s.observe(ctx, "list_clients_by_owner")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Client
	for _, c := range s.clients {
		if c.OwnerID == ownerID {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *storage.Client) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// DeactivateClient implements storage.ClientStore.
func (s *Store) DeactivateClient(ctx context.Context, clientID, reason string, at time.Time) (_ int, err error) {
	defer s.observe(ctx, "deactivate_client")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return 0, notFound("client", clientID)
	}
	client.Active = false
	client.UpdatedAt = at

	for _, code := range s.codes {
		if code.ClientID == clientID && !code.Used {
			code.Revoked = true
		}
	}

	revoked := 0
	for _, token := range s.refreshTokens {
		if token.ClientID == clientID && token.Revoke(reason, at) {
			revoked++
		}
	}
	return revoked, nil
}

// AddRedirectURI implements storage.ClientStore.
func (s *Store) AddRedirectURI(ctx context.Context, uri *storage.RedirectURI) (err error) {
	defer s.observe(ctx, "add_redirect_uri")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.redirectURIs[uri.ClientID], uri.URI) {
		return fmt.Errorf("%w: redirect uri", storage.ErrAlreadyExists)
	}
	s.redirectURIs[uri.ClientID] = append(s.redirectURIs[uri.ClientID], uri.URI)
	return nil
}

// RemoveRedirectURI implements storage.ClientStore.
func (s *Store) RemoveRedirectURI(ctx context.Context, clientID, uri string) (err error) {
	defer s.observe(ctx, "remove_redirect_uri")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	uris := s.redirectURIs[clientID]
	idx := slices.Index(uris, uri)
	if idx < 0 {
		return notFound("redirect uri", uri)
	}
	s.redirectURIs[clientID] = slices.Delete(uris, idx, idx+1)
	return nil
}

// ListRedirectURIs implements storage.ClientStore.
func (s *Store) ListRedirectURIs(ctx context.Context, clientID string) (_ []string, err error) {
	defer s.observe(ctx, "list_redirect_uris")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.redirectURIs[clientID]), nil
}

// AddAuthorizedDomain implements storage.ClientStore.
func (s *Store) AddAuthorizedDomain(ctx context.Context, domain *storage.AuthorizedDomain) (err error) {
	defer s.observe(ctx, "add_authorized_domain")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.authorizedDomains[domain.ClientID], domain.Origin) {
		return fmt.Errorf("%w: authorized domain", storage.ErrAlreadyExists)
	}
	s.authorizedDomains[domain.ClientID] = append(s.authorizedDomains[domain.ClientID], domain.Origin)
	return nil
}

// ListAuthorizedDomains implements storage.ClientStore.
func (s *Store) ListAuthorizedDomains(ctx context.Context, clientID string) (_ []string, err error) {
	defer s.observe(ctx, "list_authorized_domains")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.authorizedDomains[clientID]), nil
}

// CreateClientSecret implements storage.ClientStore.
func (s *Store) CreateClientSecret(ctx context.Context, secret *storage.ClientSecret) (err error) {
	defer s.observe(ctx, "create_client_secret")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.secrets[secret.ClientID] {
		if existing.ID == secret.ID {
			return fmt.Errorf("%w: client secret %s", storage.ErrAlreadyExists, secret.ID)
		}
	}
	s.secrets[secret.ClientID] = append(s.secrets[secret.ClientID], secret.Clone())
	return nil
}

// ListClientSecrets implements storage.ClientStore.
func (s *Store) ListClientSecrets(ctx context.Context, clientID string) (_ []*storage.ClientSecret, err error) {
	defer s.observe(ctx, "list_client_secrets")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.ClientSecret, 0, len(s.secrets[clientID]))
	for _, secret := range s.secrets[clientID] {
		out = append(out, secret.Clone())
	}
	return out, nil
}

// DeactivateClientSecret implements storage.ClientStore.
func (s *Store) DeactivateClientSecret(ctx context.Context, clientID, secretID string) (err error) {
	defer s.observe(ctx, "deactivate_client_secret")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, secret := range s.secrets[clientID] {
		if secret.ID == secretID {
			secret.Active = false
			return nil
		}
	}
	return notFound("client secret", secretID)
}

// ============================================================
// CatalogStore Implementation
// ============================================================

// CreateAPIProduct implements storage.CatalogStore.
func (s *Store) CreateAPIProduct(ctx context.Context, product *storage.APIProduct) (err error) {
	defer s.observe(ctx, "create_api_product")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.Name]; exists {
		return fmt.Errorf("%w: api product %s", storage.ErrAlreadyExists, product.Name)
	}
	cp := *product
	s.products[product.Name] = &cp
	return nil
}

// GetAPIProduct implements storage.CatalogStore.
func (s *Store) GetAPIProduct(ctx context.Context, name string) (_ *storage.APIProduct, err error) {
	defer s.observe(ctx, "get_api_product")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[name]
	if !ok {
		return nil, notFound("api product", name)
	}
	cp := *product
	return &cp, nil
}

// CreateScope implements storage.CatalogStore.
func (s *Store) CreateScope(ctx context.Context, scope *storage.Scope) (err error) {
	defer s.observe(ctx, "create_scope")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scopes[scope.Name]; exists {
		return fmt.Errorf("%w: scope %s", storage.ErrAlreadyExists, scope.Name)
	}
	cp := *scope
	s.scopes[scope.Name] = &cp
	return nil
}

// GetScope implements storage.CatalogStore.
func (s *Store) GetScope(ctx context.Context, name string) (_ *storage.Scope, err error) {
	defer s.observe(ctx, "get_scope")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, ok := s.scopes[name]
	if !ok {
		return nil, notFound("scope", name)
	}
	cp := *scope
	return &cp, nil
}

// ListScopesByProduct implements storage.CatalogStore.
func (s *Store) ListScopesByProduct(ctx context.Context, product string) (_ []string, err error) {
	defer s.observe(ctx, "list_scopes_by_product")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []string{}
	for name, scope := range s.scopes {
		if scope.APIProduct == product {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

// SetAPIProductEnabled implements storage.CatalogStore.
func (s *Store) SetAPIProductEnabled(ctx context.Context, clientID, product string, enabled bool) (err error) {
	defer s.observe(ctx, "set_api_product_enabled")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()
	setMembership(s.enabledProducts, clientID, product, enabled)
	return nil
}

// ListEnabledAPIProducts implements storage.CatalogStore.
func (s *Store) ListEnabledAPIProducts(ctx context.Context, clientID string) (_ []string, err error) {
	defer s.observe(ctx, "list_enabled_api_products")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return membership(s.enabledProducts, clientID), nil
}

// SetScopeAllowed implements storage.CatalogStore.
func (s *Store) SetScopeAllowed(ctx context.Context, clientID, scope string, allowed bool) (err error) {
	defer s.observe(ctx, "set_scope_allowed")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()
	setMembership(s.allowedScopes, clientID, scope, allowed)
	return nil
}

// ListAllowedScopes implements storage.CatalogStore.
func (s *Store) ListAllowedScopes(ctx context.Context, clientID string) (_ []string, err error) {
	defer s.observe(ctx, "list_allowed_scopes")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return membership(s.allowedScopes, clientID), nil
}

func setMembership(m map[string]map[string]struct{}, clientID, name string, member bool) {
	if !member {
		delete(m[clientID], name)
		return
	}
	if m[clientID] == nil {
		m[clientID] = make(map[string]struct{})
	}
	m[clientID][name] = struct{}{}
}

func membership(m map[string]map[string]struct{}, clientID string) []string {
	out := make([]string, 0, len(m[clientID]))
	for name := range m[clientID] {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// ============================================================
// ConsentStore Implementation
// ============================================================

func consentKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

// GetActiveConsent implements storage.ConsentStore.
func (s *Store) GetActiveConsent(ctx context.Context, userID, clientID string) (_ *storage.ConsentGrant, err error) {
	defer s.observe(ctx, "get_active_consent")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if grant := activeConsent(s.consents[consentKey(userID, clientID)]); grant != nil {
		return grant.Clone(), nil
	}
	return nil, notFound("consent", userID+"/"+clientID)
}

// UpsertConsent implements storage.ConsentStore.
func (s *Store) UpsertConsent(ctx context.Context, grant *storage.ConsentGrant) (_ *storage.ConsentGrant, err error) {
	defer s.observe(ctx, "upsert_consent")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey(grant.UserID, grant.ClientID)
	if active := activeConsent(s.consents[key]); active != nil {
		active.GrantedScopes = slices.Clone(grant.GrantedScopes)
		active.UpdatedAt = grant.UpdatedAt
		return active.Clone(), nil
	}

	stored := grant.Clone()
	stored.Active = true
	s.consents[key] = append(s.consents[key], stored)
	return stored.Clone(), nil
}

// RevokeConsent implements storage.ConsentStore.
func (s *Store) RevokeConsent(ctx context.Context, userID, clientID string, at time.Time) (err error) {
	defer s.observe(ctx, "revoke_consent")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	active := activeConsent(s.consents[consentKey(userID, clientID)])
	if active == nil {
		return notFound("consent", userID+"/"+clientID)
	}
	active.Active = false
	active.RevokedAt = at
	active.UpdatedAt = at
	return nil
}

// ListConsentHistory implements storage.ConsentStore.
func (s *Store) ListConsentHistory(ctx context.Context, userID, clientID string) (_ []*storage.ConsentGrant, err error) {
	defer s.observe(ctx, "list_consent_history")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	grants := s.consents[consentKey(userID, clientID)]
	out := make([]*storage.ConsentGrant, 0, len(grants))
	for _, g := range grants {
		out = append(out, g.Clone())
	}
	return out, nil
}

func activeConsent(grants []*storage.ConsentGrant) *storage.ConsentGrant {
	for _, g := range grants {
		if g.Active {
			return g
		}
	}
	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode implements storage.CodeStore.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	defer s.observe(ctx, "save_authorization_code")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.CodeHash]; exists {
		return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
	}
	s.codes[code.CodeHash] = code.Clone()
	return nil
}

// GetAuthorizationCode implements storage.CodeStore.
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (_ *storage.AuthorizationCode, err error) {
	defer s.observe(ctx, "get_authorization_code")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return nil, notFound("authorization code", util.SafeTruncate(codeHash, tokenIDLogLength))
	}
	return code.Clone(), nil
}

// RedeemAuthorizationCode implements storage.CodeStore.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, codeHash string, root *storage.RefreshToken, at time.Time) (err error) {
	defer s.observe(ctx, "redeem_authorization_code")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return notFound("authorization code", util.SafeTruncate(codeHash, tokenIDLogLength))
	}
	if code.Used || code.Revoked {
		return storage.ErrAuthorizationCodeUsed
	}
	if err := s.checkNewTokenLocked(root); err != nil {
		return err
	}

	code.Used = true
	code.UsedAt = at
	code.FamilyID = root.FamilyID
	s.insertTokenLocked(root)

	s.logger.Debug("Authorization code redeemed",
		"code_hash_prefix", util.SafeTruncate(codeHash, tokenIDLogLength),
		"family_id", root.FamilyID)
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

func (s *Store) checkNewTokenLocked(token *storage.RefreshToken) error {
	if _, exists := s.refreshTokens[token.ID]; exists {
		return fmt.Errorf("%w: refresh token %s", storage.ErrAlreadyExists, token.ID)
	}
	if _, exists := s.tokensByHash[token.TokenHash]; exists {
		return fmt.Errorf("%w: refresh token hash", storage.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) insertTokenLocked(token *storage.RefreshToken) {
	s.refreshTokens[token.ID] = token.Clone()
	s.tokensByHash[token.TokenHash] = token.ID
	s.families[token.FamilyID] = append(s.families[token.FamilyID], token.ID)
}

// SaveRefreshToken implements storage.RefreshTokenStore.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	defer s.observe(ctx, "save_refresh_token")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkNewTokenLocked(token); err != nil {
		return err
	}
	s.insertTokenLocked(token)
	return nil
}

// GetRefreshToken implements storage.RefreshTokenStore.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (_ *storage.RefreshToken, err error) {
	defer s.observe(ctx, "get_refresh_token")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[id]
	if !ok {
		return nil, notFound("refresh token", id)
	}
	return token.Clone(), nil
}

// GetRefreshTokenByHash implements storage.RefreshTokenStore.
func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	defer s.observe(ctx, "get_refresh_token_by_hash")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokensByHash[tokenHash]
	if !ok {
		return nil, notFound("refresh token", util.SafeTruncate(tokenHash, tokenIDLogLength))
	}
	return s.refreshTokens[id].Clone(), nil
}

// RotateRefreshToken implements storage.RefreshTokenStore.
func (s *Store) RotateRefreshToken(ctx context.Context, currentID string, child *storage.RefreshToken, at time.Time) (err error) {
	defer s.observe(ctx, "rotate_refresh_token")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.refreshTokens[currentID]
	if !ok {
		return notFound("refresh token", currentID)
	}
	if current.Revoked {
		return storage.ErrRefreshTokenRevoked
	}
	if current.Used {
		return storage.ErrRefreshTokenUsed
	}
	if err := s.checkNewTokenLocked(child); err != nil {
		return err
	}

	current.Used = true
	current.UsedAt = at
	s.insertTokenLocked(child)
	return nil
}

// RevokeRefreshTokenFamily implements storage.RefreshTokenStore.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string, at time.Time) (_ int, err error) {
	defer s.observe(ctx, "revoke_refresh_token_family")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, id := range s.families[familyID] {
		if s.refreshTokens[id].Revoke(reason, at) {
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Debug("Revoked refresh token family",
			"family_id", familyID,
			"reason", reason,
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// ListRefreshTokenFamily implements storage.RefreshTokenStore.
func (s *Store) ListRefreshTokenFamily(ctx context.Context, familyID string) (_ []*storage.RefreshToken, err error) {
	defer s.observe(ctx, "list_refresh_token_family")(&err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.families[familyID]
	out := make([]*storage.RefreshToken, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.refreshTokens[id].Clone())
	}
	return out, nil
}

// ============================================================
// Janitor Implementation
// ============================================================

// DeleteExpired implements storage.Janitor.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (_ int, err error) {
	defer s.observe(ctx, "delete_expired")(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for familyID, ids := range s.families {
		members := make([]*storage.RefreshToken, 0, len(ids))
		for _, id := range ids {
			members = append(members, s.refreshTokens[id])
		}
		if !storage.FamilyExpired(members, before) {
			continue
		}
		for _, token := range members {
			delete(s.refreshTokens, token.ID)
			delete(s.tokensByHash, token.TokenHash)
			removed++
		}
		delete(s.families, familyID)
	}

	for hash, code := range s.codes {
		_, familyExists := s.families[code.FamilyID]
		if storage.CodeExpired(code, before, familyExists) {
			delete(s.codes, hash)
			removed++
		}
	}

	return removed, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case now := <-ticker.C:
			removed, err := s.DeleteExpired(context.Background(), now)
			if err != nil {
				s.logger.Warn("Storage cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Debug("Storage cleanup completed", "removed", removed)
			}
		}
	}
}
