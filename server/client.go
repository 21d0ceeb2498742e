package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// clientAuthFailedMessage is the only description ever returned for a failed
// client authentication, whichever check failed.
const clientAuthFailedMessage = "client authentication failed"

// RegisterClientRequest describes a new client.
type RegisterClientRequest struct {
	Name     string
	Type     storage.ClientType
	Metadata storage.ClientMetadata
}

// ClientCredentials is what a client presents at the token endpoint.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string

	// IPAddress is recorded in audit events only.
	IPAddress string
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func errInvalidClient() error {
	return fmt.Errorf("%w: %s", ErrInvalidClient, clientAuthFailedMessage)
}

// RegisterClient registers a new client owned by actor.
func (s *Server) RegisterClient(ctx context.Context, actor Principal, req RegisterClientRequest) (*storage.Client, error) {
	if err := Authorize(actor, ActionRegisterClient, nil); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, validationError("name", "client name is required")
	}
	if len(name) > MaxClientNameLength {
		return nil, validationError("name", "client name must be at most %d characters", MaxClientNameLength)
	}
	if !req.Type.Valid() {
		return nil, validationError("type", "client type must be %q or %q", storage.ClientTypePublic, storage.ClientTypeConfidential)
	}
	if err := validateClientMetadata(req.Metadata); err != nil {
		return nil, err
	}

	now := s.now()
	client := &storage.Client{
		ClientID:  uuid.NewString(),
		OwnerID:   actor.UserID,
		Name:      name,
		Metadata:  req.Metadata,
		Type:      req.Type,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateClient(ctx, client); err != nil {
		return nil, storageError("create_client", err)
	}

	s.Auditor.LogClientRegistered(actor.UserID, client.ClientID, string(client.Type))
	s.Logger.Info("Registered client",
		"client_id", client.ClientID,
		"client_type", client.Type)
	return client, nil
}

// GetClient returns a client by ID. Unknown clients wrap storage.ErrNotFound.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if isNotFound(err) {
			return nil, err
		}
		return nil, storageError("get_client", err)
	}
	return client, nil
}

// ListClients returns the clients owned by actor.
func (s *Server) ListClients(ctx context.Context, actor Principal) ([]*storage.Client, error) {
	if err := Authorize(actor, ActionViewClient, &storage.Client{OwnerID: actor.UserID}); err != nil {
		return nil, err
	}
	clients, err := s.store.ListClientsByOwner(ctx, actor.UserID)
	if err != nil {
		return nil, storageError("list_clients", err)
	}
	return clients, nil
}

// authorizedClient loads a client and checks actor may perform action on it.
func (s *Server) authorizedClient(ctx context.Context, actor Principal, action Action, clientID string) (*storage.Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if isNotFound(err) {
			return nil, validationError("client_id", "unknown client")
		}
		return nil, err
	}
	if err := Authorize(actor, action, client); err != nil {
		return nil, err
	}
	return client, nil
}

// AddRedirectURI whitelists a redirect URI for the client.
func (s *Server) AddRedirectURI(ctx context.Context, actor Principal, clientID, uri string) error {
	client, err := s.authorizedClient(ctx, actor, ActionManageClient, clientID)
	if err != nil {
		return err
	}

	if err := ValidateRedirectURI(uri, client.Type); err != nil {
		var secErr *RedirectURISecurityError
		if errors.As(err, &secErr) {
			s.Logger.Warn("Rejected redirect URI",
				"client_id", clientID,
				"category", secErr.Category,
				"uri", secErr.URI,
				"reason", secErr.Reason)
		}
		return err
	}

	err = s.store.AddRedirectURI(ctx, &storage.RedirectURI{ClientID: clientID, URI: uri, CreatedAt: s.now()})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return validationError("redirect_uri", "redirect URI is already registered")
		}
		return storageError("add_redirect_uri", err)
	}
	return nil
}

// RemoveRedirectURI removes a redirect URI. Codes already issued for it can
// still be redeemed, since redemption compares against the URI stored on the code.
func (s *Server) RemoveRedirectURI(ctx context.Context, actor Principal, clientID, uri string) error {
	if _, err := s.authorizedClient(ctx, actor, ActionManageClient, clientID); err != nil {
		return err
	}
	if err := s.store.RemoveRedirectURI(ctx, clientID, uri); err != nil {
		if isNotFound(err) {
			return validationError("redirect_uri", "redirect URI is not registered")
		}
		return storageError("remove_redirect_uri", err)
	}
	return nil
}

// AddAuthorizedDomain whitelists a browser origin for the client.
func (s *Server) AddAuthorizedDomain(ctx context.Context, actor Principal, clientID, origin string) error {
	if _, err := s.authorizedClient(ctx, actor, ActionManageClient, clientID); err != nil {
		return err
	}
	normalized, err := NormalizeOrigin(origin)
	if err != nil {
		return err
	}

	err = s.store.AddAuthorizedDomain(ctx, &storage.AuthorizedDomain{ClientID: clientID, Origin: normalized, CreatedAt: s.now()})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return validationError("origin", "origin is already registered")
		}
		return storageError("add_authorized_domain", err)
	}
	return nil
}

// IsAuthorizedOrigin reports whether origin exactly matches one of the
// client's authorized domains.
func (s *Server) IsAuthorizedOrigin(ctx context.Context, clientID, origin string) (bool, error) {
	normalized, err := NormalizeOrigin(origin)
	if err != nil {
		return false, nil
	}
	domains, err := s.store.ListAuthorizedDomains(ctx, clientID)
	if err != nil {
		return false, storageError("list_authorized_domains", err)
	}
	for _, d := range domains {
		if d == normalized {
			return true, nil
		}
	}
	return false, nil
}

// IssueSecret creates a new secret for a confidential client and returns the
// raw value exactly once. Existing secrets stay valid until deactivated.
// A zero expiresAt means the secret does not expire.
func (s *Server) IssueSecret(ctx context.Context, actor Principal, clientID string, expiresAt time.Time) (string, *storage.ClientSecret, error) {
	client, err := s.authorizedClient(ctx, actor, ActionManageClient, clientID)
	if err != nil {
		return "", nil, err
	}
	if client.IsPublic() {
		return "", nil, validationError("client_id", "public clients cannot hold secrets")
	}
	if !client.Active {
		return "", nil, validationError("client_id", "client is deactivated")
	}
	now := s.now()
	if !expiresAt.IsZero() && !expiresAt.After(now) {
		return "", nil, validationError("expires_at", "expiry must be in the future")
	}

	raw := security.GenerateToken()
	hash, err := s.hasher.Hash(ctx, raw)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash client secret: %w", err)
	}

	secret := &storage.ClientSecret{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Hash:      hash,
		Hint:      util.Hint(raw),
		Active:    true,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	if err := s.store.CreateClientSecret(ctx, secret); err != nil {
		return "", nil, storageError("create_client_secret", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventClientSecretIssued,
		UserID:   actor.UserID,
		ClientID: clientID,
		Details:  map[string]any{"secret_id": secret.ID, "hint": secret.Hint},
	})
	s.Logger.Info("Issued client secret",
		"client_id", clientID,
		"secret_id", secret.ID,
		"hint", secret.Hint)
	return raw, redactSecret(secret), nil
}

// ListSecrets returns the client's secrets with their hashes removed.
func (s *Server) ListSecrets(ctx context.Context, actor Principal, clientID string) ([]*storage.ClientSecret, error) {
	if _, err := s.authorizedClient(ctx, actor, ActionViewClient, clientID); err != nil {
		return nil, err
	}
	secrets, err := s.store.ListClientSecrets(ctx, clientID)
	if err != nil {
		return nil, storageError("list_client_secrets", err)
	}
	out := make([]*storage.ClientSecret, 0, len(secrets))
	for _, secret := range secrets {
		out = append(out, redactSecret(secret))
	}
	return out, nil
}

func redactSecret(secret *storage.ClientSecret) *storage.ClientSecret {
	cp := secret.Clone()
	cp.Hash = ""
	return cp
}

// DeactivateSecret stops a secret from authenticating.
func (s *Server) DeactivateSecret(ctx context.Context, actor Principal, clientID, secretID string) error {
	if _, err := s.authorizedClient(ctx, actor, ActionManageClient, clientID); err != nil {
		return err
	}
	if err := s.store.DeactivateClientSecret(ctx, clientID, secretID); err != nil {
		if isNotFound(err) {
			return validationError("secret_id", "unknown secret")
		}
		return storageError("deactivate_client_secret", err)
	}
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventClientSecretDeactivated,
		UserID:   actor.UserID,
		ClientID: clientID,
		Details:  map[string]any{"secret_id": secretID},
	})
	s.Logger.Info("Deactivated client secret", "client_id", clientID, "secret_id", secretID)
	return nil
}

// DeactivateClient marks the client inactive and, in the same transaction,
// revokes its unredeemed authorization codes and every refresh token it holds.
// Access tokens already issued stop validating because ValidateAccessToken
// checks that the client is active. Returns the number of refresh tokens revoked.
func (s *Server) DeactivateClient(ctx context.Context, actor Principal, clientID string) (int, error) {
	if _, err := s.authorizedClient(ctx, actor, ActionManageClient, clientID); err != nil {
		return 0, err
	}

	revoked, err := s.store.DeactivateClient(ctx, clientID, storage.RevokedReasonClientDeactivated, s.now())
	if err != nil {
		return 0, storageError("deactivate_client", err)
	}

	s.Auditor.LogClientDeactivated(actor.UserID, clientID, revoked)
	s.Logger.Info("Deactivated client",
		"client_id", clientID,
		"tokens_revoked", revoked)
	return revoked, nil
}

// VerifyClientAuth authenticates a client at the token endpoint.
// Confidential clients must present a secret matching an active, unexpired
// hash. Public clients must not present a secret; PKCE stands in for client
// authentication when their code is redeemed.
//
// Every failure returns the same ErrInvalidClient error. Unknown clients
// still cost one bcrypt comparison so response timing does not reveal
// whether a client ID exists.
func (s *Server) VerifyClientAuth(ctx context.Context, creds ClientCredentials) (*storage.Client, error) {
	client, reason, err := s.verifyClientAuth(ctx, creds)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		s.metrics().RecordClientAuthFailed(ctx)
		if s.allowSecurityLog("auth_failure:" + creds.ClientID) {
			s.Auditor.LogAuthFailure(creds.ClientID, creds.IPAddress, reason)
		}
		s.Logger.Debug("Client authentication failed",
			"client_id", util.SafeTruncate(creds.ClientID, 64),
			"reason", reason)
		return nil, errInvalidClient()
	}
	return client, nil
}

// verifyClientAuth returns the client, or a non-empty internal failure reason.
// err is only set for back-end failures.
func (s *Server) verifyClientAuth(ctx context.Context, creds ClientCredentials) (*storage.Client, string, error) {
	if creds.ClientID == "" {
		return nil, "missing client_id", nil
	}

	client, err := s.store.GetClient(ctx, creds.ClientID)
	if err != nil {
		if !isNotFound(err) {
			return nil, "", storageError("get_client", err)
		}
		if err := s.hasher.CompareDummy(ctx, creds.ClientSecret); err != nil {
			return nil, "", err
		}
		return nil, "unknown client", nil
	}

	if !client.Active {
		if err := s.hasher.CompareDummy(ctx, creds.ClientSecret); err != nil {
			return nil, "", err
		}
		return nil, "client deactivated", nil
	}

	if client.IsPublic() {
		if creds.ClientSecret != "" {
			return nil, "public client presented a secret", nil
		}
		return client, "", nil
	}

	if creds.ClientSecret == "" {
		return nil, "missing client secret", nil
	}

	secrets, err := s.store.ListClientSecrets(ctx, client.ClientID)
	if err != nil {
		return nil, "", storageError("list_client_secrets", err)
	}

	now := s.now()
	compared := false
	for _, secret := range secrets {
		if !secret.Active || (!secret.ExpiresAt.IsZero() && security.IsExpired(secret.ExpiresAt, now)) {
			continue
		}
		compared = true
		ok, err := s.hasher.Compare(ctx, secret.Hash, creds.ClientSecret)
		if err != nil {
			return nil, "", err
		}
		if ok {
			return client, "", nil
		}
	}
	if !compared {
		if err := s.hasher.CompareDummy(ctx, creds.ClientSecret); err != nil {
			return nil, "", err
		}
		return nil, "no active secret", nil
	}
	return nil, "secret mismatch", nil
}
