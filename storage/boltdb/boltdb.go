// Package boltdb implements storage.Store on a single bbolt database file.
//
// Every record is stored as JSON. Secondary indexes (token hash, family
// membership, consent history) live in their own buckets and are written in
// the same transaction as the record they point to. bbolt serialises write
// transactions, so each compare-and-swap in the storage contract is a plain
// read-check-write inside db.Update.
package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/storage"
)

const (
	backendName = "bolt"

	// dbDirPerm is the permission mode for the directory holding the database.
	dbDirPerm = fs.FileMode(0o700)

	// dbFilePerm is the permission mode for the database file.
	dbFilePerm = fs.FileMode(0o600)

	// DefaultOpenTimeout is the maximum time to wait for the bolt file lock.
	DefaultOpenTimeout = 5 * time.Second

	tokenIDLogLength = 8
)

var (
	clientsBucket           = []byte("clients")
	clientSecretsBucket     = []byte("client_secrets")      // clientID\x00secretID
	redirectURIsBucket      = []byte("redirect_uris")       // clientID\x00uri
	authorizedDomainsBucket = []byte("authorized_domains")  // clientID\x00origin
	apiProductsBucket       = []byte("api_products")        // name
	scopesBucket            = []byte("scopes")              // name
	enabledProductsBucket   = []byte("client_api_products") // clientID\x00product
	allowedScopesBucket     = []byte("client_scopes")       // clientID\x00scope
	consentsBucket          = []byte("consents")            // userID\x00clientID\x00seq
	codesBucket             = []byte("authorization_codes") // code hash
	refreshTokensBucket     = []byte("refresh_tokens")      // token ID
	tokenHashesBucket       = []byte("refresh_token_hashes")
	familiesBucket          = []byte("refresh_token_families") // familyID\x00tokenID

	allBuckets = [][]byte{
		clientsBucket, clientSecretsBucket, redirectURIsBucket, authorizedDomainsBucket,
		apiProductsBucket, scopesBucket, enabledProductsBucket, allowedScopesBucket,
		consentsBucket, codesBucket, refreshTokensBucket, tokenHashesBucket, familiesBucket,
	}
)

// Config holds the bolt store options.
type Config struct {
	// Path is the database file. Its directory is created if missing.
	Path string

	// OpenTimeout bounds the wait for the file lock (default: 5s).
	OpenTimeout time.Duration

	// Logger for debug output (default: slog.Default()).
	Logger *slog.Logger
}

// Store is a bbolt-backed storage.Store.
type Store struct {
	db              *bolt.DB
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// Compile-time interface checks
var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at cfg.Path and ensures every bucket
// exists.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("bolt path is required")
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, dbFilePerm, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing bolt db: %w", err)
	}

	cfg.Logger.Debug("Opened bolt storage", "path", cfg.Path)

	return &Store{
		db:              db,
		logger:          cfg.Logger,
		instrumentation: instrumentation.NewNoop(),
	}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// It must be called before the store is shared between goroutines.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.instrumentation = inst
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) observe(ctx context.Context, operation string) func(*error) {
	_, op := s.instrumentation.StartStorageOperation(ctx, backendName, operation)
	return func(err *error) { op.End(*err, storage.ContractErrors...) }
}

// ============================================================
// Encoding helpers
// ============================================================

func key(parts ...string) []byte {
	return []byte(joinKey(parts...))
}

func joinKey(parts ...string) string {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(p)
	}
	return b.String()
}

// prefix returns parts joined and terminated by the separator, for cursor scans.
func prefix(parts ...string) []byte {
	return append(key(parts...), 0)
}

func seqKey(p []byte, seq uint64) []byte {
	out := make([]byte, len(p)+8)
	copy(out, p)
	binary.BigEndian.PutUint64(out[len(p):], seq)
	return out
}

func get[T any](b *bolt.Bucket, k []byte, kind, id string) (*T, error) {
	raw := b.Get(k)
	if raw == nil {
		return nil, fmt.Errorf("%w: %s %s", storage.ErrNotFound, kind, id)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, err)
	}
	return &v, nil
}

func put(b *bolt.Bucket, k []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return b.Put(k, raw)
}

// scan calls fn for every key under p, in key order.
func scan(b *bolt.Bucket, p []byte, fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// suffixes collects the key remainder after p for every key under p.
func suffixes(b *bolt.Bucket, p []byte) []string {
	out := []string{}
	_ = scan(b, p, func(k, _ []byte) error {
		out = append(out, string(k[len(p):]))
		return nil
	})
	return out
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient implements storage.ClientStore.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	defer s.observe(ctx, "create_client")(&err)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Get(key(client.ClientID)) != nil {
			return fmt.Errorf("%w: client %s", storage.ErrAlreadyExists, client.ClientID)
		}
		return put(b, key(client.ClientID), client)
	})
}

// GetClient implements storage.ClientStore.
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	defer s.observe(ctx, "get_client")(&err)

	err = s.db.View(func(tx *bolt.Tx) error {
		client, err = get[storage.Client](tx.Bucket(clientsBucket), key(clientID), "client", clientID)
		return err
	})
	return client, err
}

// ListClientsByOwner implements storage.ClientStore.
func (s *Store) ListClientsByOwner(ctx context.Context, ownerID string) (_ []*storage.Client, err error) {
	defer s.observe(ctx, "list_clients_by_owner")(&err)

	var out []*storage.Client
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(_, v []byte) error {
			var c storage.Client
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decoding client: %w", err)
			}
			if c.OwnerID == ownerID {
				out = append(out, &c)
			}
			return nil
		})
	})
	slices.SortStableFunc(out, func(a, b *storage.Client) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, err
}

// DeactivateClient implements storage.ClientStore.
func (s *Store) DeactivateClient(ctx context.Context, clientID, reason string, at time.Time) (revoked int, err error) {
	defer s.observe(ctx, "deactivate_client")(&err)

	err = s.db.Update(func(tx *bolt.Tx) error {
		clients := tx.Bucket(clientsBucket)
		client, err := get[storage.Client](clients, key(clientID), "client", clientID)
		if err != nil {
			return err
		}
		client.Active = false
		client.UpdatedAt = at
		if err := put(clients, key(clientID), client); err != nil {
			return err
		}

		codes := tx.Bucket(codesBucket)
		var pending []*storage.AuthorizationCode
		err = codes.ForEach(func(_, v []byte) error {
			var code storage.AuthorizationCode
			if err := json.Unmarshal(v, &code); err != nil {
				return fmt.Errorf("decoding authorization code: %w", err)
			}
			if code.ClientID == clientID && !code.Used && !code.Revoked {
				pending = append(pending, &code)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, code := range pending {
			code.Revoked = true
			if err := put(codes, key(code.CodeHash), code); err != nil {
				return err
			}
		}

		tokens := tx.Bucket(refreshTokensBucket)
		var changed []*storage.RefreshToken
		err = tokens.ForEach(func(_, v []byte) error {
			var token storage.RefreshToken
			if err := json.Unmarshal(v, &token); err != nil {
				return fmt.Errorf("decoding refresh token: %w", err)
			}
			if token.ClientID == clientID && token.Revoke(reason, at) {
				changed = append(changed, &token)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, token := range changed {
			if err := put(tokens, key(token.ID), token); err != nil {
				return err
			}
		}
		revoked = len(changed)
		return nil
	})
	return revoked, err
}

func (s *Store) addUnique(bucket []byte, k []byte, v any, what string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get(k) != nil {
			return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, what)
		}
		return put(b, k, v)
	})
}

// AddRedirectURI implements storage.ClientStore.
func (s *Store) AddRedirectURI(ctx context.Context, uri *storage.RedirectURI) (err error) {
	defer s.observe(ctx, "add_redirect_uri")(&err)
	return s.addUnique(redirectURIsBucket, key(uri.ClientID, uri.URI), uri, "redirect uri")
}

// RemoveRedirectURI implements storage.ClientStore.
func (s *Store) RemoveRedirectURI(ctx context.Context, clientID, uri string) (err error) {
	defer s.observe(ctx, "remove_redirect_uri")(&err)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(redirectURIsBucket)
		k := key(clientID, uri)
		if b.Get(k) == nil {
			return fmt.Errorf("%w: redirect uri %s", storage.ErrNotFound, uri)
		}
		return b.Delete(k)
	})
}

// ListRedirectURIs implements storage.ClientStore.
func (s *Store) ListRedirectURIs(ctx context.Context, clientID string) (uris []string, err error) {
	defer s.observe(ctx, "list_redirect_uris")(&err)

	err = s.db.View(func(tx *bolt.Tx) error {
		uris = suffixes(tx.Bucket(redirectURIsBucket), prefix(clientID))
		return nil
	})
	return uris, err
}

// AddAuthorizedDomain implements storage.ClientStore.
func (s *Store) AddAuthorizedDomain(ctx context.Context, domain *storage.AuthorizedDomain) (err error) {
	defer s.observe(ctx, "add_authorized_domain")(&err)
	return s.addUnique(authorizedDomainsBucket, key(domain.ClientID, domain.Origin), domain, "authorized domain")
}

// ListAuthorizedDomains implements storage.ClientStore.
func (s *Store) ListAuthorizedDomains(ctx context.Context, clientID string) (origins []string, err error) {
	defer s.observe(ctx, "list_authorized_domains")(&err)

	err = s.db.View(func(tx *bolt.Tx) error {
		origins = suffixes(tx.Bucket(authorizedDomainsBucket), prefix(clientID))
		return nil
	})
	return origins, err
}

// CreateClientSecret implements storage.ClientStore.
func (s *Store) CreateClientSecret(ctx context.Context, secret *storage.ClientSecret) (err error) {
	defer s.observe(ctx, "create_client_secret")(&err)
	return s.addUnique(clientSecretsBucket, key(secret.ClientID, secret.ID), secret, "client secret "+secret.ID)
}

// ListClientSecrets implements storage.ClientStore.
func (s *Store) ListClientSecrets(ctx context.Context, clientID string) (_ []*storage.ClientSecret, err error) {
	defer s.observe(ctx, "list_client_secrets")(&err)

	out := []*storage.ClientSecret{}
	err = s.db.View(func(tx *bolt.Tx) error {
		return scan(tx.Bucket(clientSecretsBucket), prefix(clientID), func(_, v []byte) error {
			var secret storage.ClientSecret
			if err := json.Unmarshal(v, &secret); err != nil {
				return fmt.Errorf("decoding client secret: %w", err)
			}
			out = append(out, &secret)
			return nil
		})
	})
	slices.SortStableFunc(out, func(a, b *storage.ClientSecret) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, err
}

// DeactivateClientSecret implements storage.ClientStore.
func (s *Store) DeactivateClientSecret(ctx context.Context, clientID, secretID string) (err error) {
	defer s.observe(ctx, "deactivate_client_secret")(&err)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientSecretsBucket)
		k := key(clientID, secretID)
		secret, err := get[storage.ClientSecret](b, k, "client secret", secretID)
		if err != nil {
			return err
		}
		secret.Active = false
		return put(b, k, secret)
	})
}

// ============================================================
// CatalogStore Implementation
// ============================================================

// CreateAPIProduct implements storage.CatalogStore.
func (s *Store) CreateAPIProduct(ctx context.Context, product *storage.APIProduct) (err error) {
	defer s.observe(ctx, "create_api_product")(&err)
	return s.addUnique(apiProductsBucket, key(product.Name), product, "api product "+product.Name)
}

// GetAPIProduct implements storage.CatalogStore.
func (s *Store) GetAPIProduct(ctx context.Context, name string) (product *storage.APIProduct, err error) {
	defer s.observe(ctx, "get_api_product")(&err)

	err = s.db.View(func(tx *bolt.Tx) error {
		product, err = get[storage.APIProduct](tx.Bucket(apiProductsBucket), key(name), "api product", name)
		return err
	})
	return product, err
}

// CreateScope implements storage.CatalogStore.
func (s *Store) CreateScope(ctx context.Context, scope *storage.Scope) (err error) {
	defer s.observe(ctx, "create_scope")(&err)
	return s.addUnique(scopesBucket, key(scope.Name), scope, "scope "+scope.Name)
}

// GetScope implements storage.CatalogStore.
func (s *Store) GetScope(ctx context.Context, name string) (scope *storage.Scope, err error) {
	defer s.observe(ctx, "get_scope")(&err)

	err = s.db.View(func(tx *bolt.Tx) error {
		scope, err = get[storage.Scope](tx.Bucket(scopesBucket), key(name), "scope", name)
		return err
	})
	return scope, err
}

// ListScopesByProduct implements storage.CatalogStore.
func (s *Store) ListScopesByProduct(ctx context.Context, product string) (_ []string, err error) {
	defer s.observe(ctx, "list_scopes_by_product")(&err)

	out := []string{}
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(scopesBucket).ForEach(func(_, v []byte) error {
			var scope storage.Scope
			if err := json.Unmarshal(v, &scope); err != nil {
				return fmt.Errorf("decoding scope: %w", err)
			}
			if scope.APIProduct == product {
				out = append(out, scope.Name)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) setMembership(bucket []byte, clientID, name string, member bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if member {
			return b.Put(key(clientID, name), []byte{})
		}
		return b.Delete(key(clientID, name))
	})
}

func (s *Store) membership(bucket []byte, clientID string) (out []string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		out = suffixes(tx.Bucket(bucket), prefix(clientID))
		return nil
	})
	return out, err
}

// SetAPIProductEnabled implements storage.CatalogStore.
func (s *Store) SetAPIProductEnabled(ctx context.Context, clientID, product string, enabled bool) (err error) {
	defer s.observe(ctx, "set_api_product_enabled")(&err)
	return s.setMembership(enabledProductsBucket, clientID, product, enabled)
}

// ListEnabledAPIProducts implements storage.CatalogStore.
func (s *Store) ListEnabledAPIProducts(ctx context.Context, clientID string) (_ []string, err error) {
	defer s.observe(ctx, "list_enabled_api_products")(&err)
	return s.membership(enabledProductsBucket, clientID)
}

// SetScopeAllowed implements storage.CatalogStore.
func (s *Store) SetScopeAllowed(ctx context.Context, clientID, scope string, allowed bool) (err error) {
	defer s.observe(ctx, "set_scope_allowed")(&err)
	return s.setMembership(allowedScopesBucket, clientID, scope, allowed)
}

// ListAllowedScopes implements storage.CatalogStore.
func (s *Store) ListAllowedScopes(ctx context.Context, clientID string) (_ []string, err error) {
	defer s.observe(ctx, "list_allowed_scopes")(&err)
	return s.membership(allowedScopesBucket, clientID)
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// activeConsent returns the key and value of the active grant for the pair.
func activeConsent(b *bolt.Bucket, userID, clientID string) ([]byte, *storage.ConsentGrant, error) {
	var (
		foundKey []byte
		found    *storage.ConsentGrant
	)
	err := scan(b, prefix(userID, clientID), func(k, v []byte) error {
		var g storage.ConsentGrant
		if err := json.Unmarshal(v, &g); err != nil {
			return fmt.Errorf("decoding consent: %w", err)
		}
		if g.Active {
			foundKey = slices.Clone(k)
			found = &g
		}
		return nil
	})
	return foundKey, found, err
}

// GetActiveConsent implements storage.ConsentStore.
func (s *Store) GetActiveConsent(ctx context.Context, userID, clientID string) (grant *storage.ConsentGrant, err error) {
	defer s.observe(ctx, "get_active_consent")(&err)

	err = s.db.View(func(tx *bolt.Tx) error {
		_, grant, err = activeConsent(tx.Bucket(consentsBucket), userID, clientID)
		if err == nil && grant == nil {
			err = fmt.Errorf("%w: consent %s/%s", storage.ErrNotFound, userID, clientID)
		}
		return err
	})
	return grant, err
}

// UpsertConsent implements storage.ConsentStore.
func (s *Store) UpsertConsent(ctx context.Context, grant *storage.ConsentGrant) (stored *storage.ConsentGrant, err error) {
	defer s.observe(ctx, "upsert_consent")(&err)

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(consentsBucket)
		k, active, err := activeConsent(b, grant.UserID, grant.ClientID)
		if err != nil {
			return err
		}
		if active != nil {
			active.GrantedScopes = slices.Clone(grant.GrantedScopes)
			active.UpdatedAt = grant.UpdatedAt
			stored = active
			return put(b, k, active)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		stored = grant.Clone()
		stored.Active = true
		return put(b, seqKey(prefix(grant.UserID, grant.ClientID), seq), stored)
	})
	return stored, err
}

// RevokeConsent implements storage.ConsentStore.
func (s *Store) RevokeConsent(ctx context.Context, userID, clientID string, at time.Time) (err error) {
	defer s.observe(ctx, "revoke_consent")(&err)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(consentsBucket)
		k, active, err := activeConsent(b, userID, clientID)
		if err != nil {
			return err
		}
		if active == nil {
			return fmt.Errorf("%w: consent %s/%s", storage.ErrNotFound, userID, clientID)
		}
		active.Active = false
		active.RevokedAt = at
		active.UpdatedAt = at
		return put(b, k, active)
	})
}

// ListConsentHistory implements storage.ConsentStore.
func (s *Store) ListConsentHistory(ctx context.Context, userID, clientID string) (_ []*storage.ConsentGrant, err error) {
	defer s.observe(ctx, "list_consent_history")(&err)

	out := []*storage.ConsentGrant{}
	err = s.db.View(func(tx *bolt.Tx) error {
		return scan(tx.Bucket(consentsBucket), prefix(userID, clientID), func(_, v []byte) error {
			var g storage.ConsentGrant
			if err := json.Unmarshal(v, &g); err != nil {
				return fmt.Errorf("decoding consent: %w", err)
			}
			out = append(out, &g)
			return nil
		})
	})
	return out, err
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode implements storage.CodeStore.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	defer s.observe(ctx, "save_authorization_code")(&err)
	return s.addUnique(codesBucket, key(code.CodeHash), code, "authorization code")
}

// GetAuthorizationCode implements storage.CodeStore.
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (code *storage.AuthorizationCode, err error) {
	defer s.observe(ctx, "get_authorization_code")(&err)

	err = s.db.View(func(tx *bolt.Tx) error {
		code, err = get[storage.AuthorizationCode](tx.Bucket(codesBucket), key(codeHash),
			"authorization code", util.SafeTruncate(codeHash, tokenIDLogLength))
		return err
	})
	return code, err
}

// RedeemAuthorizationCode implements storage.CodeStore.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, codeHash string, root *storage.RefreshToken, at time.Time) (err error) {
	defer s.observe(ctx, "redeem_authorization_code")(&err)

	return s.db.Update(func(tx *bolt.Tx) error {
		codes := tx.Bucket(codesBucket)
		code, err := get[storage.AuthorizationCode](codes, key(codeHash),
			"authorization code", util.SafeTruncate(codeHash, tokenIDLogLength))
		if err != nil {
			return err
		}
		if code.Used || code.Revoked {
			return storage.ErrAuthorizationCodeUsed
		}

		code.Used = true
		code.UsedAt = at
		code.FamilyID = root.FamilyID
		if err := put(codes, key(codeHash), code); err != nil {
			return err
		}
		return insertToken(tx, root)
	})
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

func insertToken(tx *bolt.Tx, token *storage.RefreshToken) error {
	tokens := tx.Bucket(refreshTokensBucket)
	hashes := tx.Bucket(tokenHashesBucket)

	if tokens.Get(key(token.ID)) != nil {
		return fmt.Errorf("%w: refresh token %s", storage.ErrAlreadyExists, token.ID)
	}
	if hashes.Get(key(token.TokenHash)) != nil {
		return fmt.Errorf("%w: refresh token hash", storage.ErrAlreadyExists)
	}

	if err := put(tokens, key(token.ID), token); err != nil {
		return err
	}
	if err := hashes.Put(key(token.TokenHash), key(token.ID)); err != nil {
		return err
	}
	return tx.Bucket(familiesBucket).Put(key(token.FamilyID, token.ID), []byte{})
}

// SaveRefreshToken implements storage.RefreshTokenStore.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	defer s.observe(ctx, "save_refresh_token")(&err)

	return s.db.Update(func(tx *bolt.Tx) error {
		return insertToken(tx, token)
	})
}

// GetRefreshToken implements storage.RefreshTokenStore.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (token *storage.RefreshToken, err error) {
	defer s.observe(ctx, "get_refresh_token")(&err)

	err = s.db.View(func(tx *bolt.Tx) error {
		token, err = get[storage.RefreshToken](tx.Bucket(refreshTokensBucket), key(id), "refresh token", id)
		return err
	})
	return token, err
}

// GetRefreshTokenByHash implements storage.RefreshTokenStore.
func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (token *storage.RefreshToken, err error) {
	defer s.observe(ctx, "get_refresh_token_by_hash")(&err)

	err = s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(tokenHashesBucket).Get(key(tokenHash))
		if id == nil {
			return fmt.Errorf("%w: refresh token %s", storage.ErrNotFound, util.SafeTruncate(tokenHash, tokenIDLogLength))
		}
		token, err = get[storage.RefreshToken](tx.Bucket(refreshTokensBucket), id, "refresh token", string(id))
		return err
	})
	return token, err
}

// RotateRefreshToken implements storage.RefreshTokenStore.
func (s *Store) RotateRefreshToken(ctx context.Context, currentID string, child *storage.RefreshToken, at time.Time) (err error) {
	defer s.observe(ctx, "rotate_refresh_token")(&err)

	return s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(refreshTokensBucket)
		current, err := get[storage.RefreshToken](tokens, key(currentID), "refresh token", currentID)
		if err != nil {
			return err
		}
		if current.Revoked {
			return storage.ErrRefreshTokenRevoked
		}
		if current.Used {
			return storage.ErrRefreshTokenUsed
		}

		current.Used = true
		current.UsedAt = at
		if err := put(tokens, key(currentID), current); err != nil {
			return err
		}
		return insertToken(tx, child)
	})
}

func familyTokens(tx *bolt.Tx, familyID string) ([]*storage.RefreshToken, error) {
	tokens := tx.Bucket(refreshTokensBucket)
	var out []*storage.RefreshToken
	for _, id := range suffixes(tx.Bucket(familiesBucket), prefix(familyID)) {
		token, err := get[storage.RefreshToken](tokens, key(id), "refresh token", id)
		if err != nil {
			return nil, err
		}
		out = append(out, token)
	}
	slices.SortStableFunc(out, func(a, b *storage.RefreshToken) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// RevokeRefreshTokenFamily implements storage.RefreshTokenStore.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string, at time.Time) (revoked int, err error) {
	defer s.observe(ctx, "revoke_refresh_token_family")(&err)

	err = s.db.Update(func(tx *bolt.Tx) error {
		members, err := familyTokens(tx, familyID)
		if err != nil {
			return err
		}
		tokens := tx.Bucket(refreshTokensBucket)
		for _, token := range members {
			if !token.Revoke(reason, at) {
				continue
			}
			if err := put(tokens, key(token.ID), token); err != nil {
				return err
			}
			revoked++
		}
		return nil
	})

	if err == nil && revoked > 0 {
		s.logger.Debug("Revoked refresh token family",
			"family_id", familyID,
			"reason", reason,
			"tokens_revoked", revoked)
	}
	return revoked, err
}

// ListRefreshTokenFamily implements storage.RefreshTokenStore.
func (s *Store) ListRefreshTokenFamily(ctx context.Context, familyID string) (out []*storage.RefreshToken, err error) {
	defer s.observe(ctx, "list_refresh_token_family")(&err)

	err = s.db.View(func(tx *bolt.Tx) error {
		out, err = familyTokens(tx, familyID)
		return err
	})
	if out == nil {
		out = []*storage.RefreshToken{}
	}
	return out, err
}

// ============================================================
// Janitor Implementation
// ============================================================

// DeleteExpired implements storage.Janitor.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (removed int, err error) {
	defer s.observe(ctx, "delete_expired")(&err)

	err = s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(refreshTokensBucket)
		families := make(map[string][]*storage.RefreshToken)
		err := tokens.ForEach(func(_, v []byte) error {
			var token storage.RefreshToken
			if err := json.Unmarshal(v, &token); err != nil {
				return fmt.Errorf("decoding refresh token: %w", err)
			}
			families[token.FamilyID] = append(families[token.FamilyID], &token)
			return nil
		})
		if err != nil {
			return err
		}

		for familyID, members := range families {
			if !storage.FamilyExpired(members, before) {
				continue
			}
			for _, token := range members {
				if err := tokens.Delete(key(token.ID)); err != nil {
					return err
				}
				if err := tx.Bucket(tokenHashesBucket).Delete(key(token.TokenHash)); err != nil {
					return err
				}
				if err := tx.Bucket(familiesBucket).Delete(key(token.FamilyID, token.ID)); err != nil {
					return err
				}
				removed++
			}
			delete(families, familyID)
		}

		codes := tx.Bucket(codesBucket)
		var expiredCodes [][]byte
		err = codes.ForEach(func(k, v []byte) error {
			var code storage.AuthorizationCode
			if err := json.Unmarshal(v, &code); err != nil {
				return fmt.Errorf("decoding authorization code: %w", err)
			}
			_, familyExists := families[code.FamilyID]
			if storage.CodeExpired(&code, before, familyExists) {
				expiredCodes = append(expiredCodes, slices.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expiredCodes {
			if err := codes.Delete(k); err != nil {
				return err
			}
		}

		removed += len(expiredCodes)
		return nil
	})
	return removed, err
}
