package storage

import (
	"slices"
	"time"
)

// ClientType distinguishes clients that can keep a secret from those that cannot.
type ClientType string

const (
	// ClientTypePublic is a native or browser client. It authenticates with PKCE only.
	ClientTypePublic ClientType = "public"

	// ClientTypeConfidential is a server-side client holding one or more secrets.
	ClientTypeConfidential ClientType = "confidential"
)

// Valid reports whether t is a known client type.
func (t ClientType) Valid() bool {
	return t == ClientTypePublic || t == ClientTypeConfidential
}

// ClientMetadata is the display information shown on consent pages.
type ClientMetadata struct {
	Description       string `json:"description,omitempty"`
	HomepageURL       string `json:"homepage_url,omitempty"`
	LogoURL           string `json:"logo_url,omitempty"`
	PolicyURL         string `json:"policy_url,omitempty"`
	TermsOfServiceURL string `json:"tos_url,omitempty"`
}

// Client is a registered OAuth client.
type Client struct {
	ClientID  string         `json:"client_id"`
	OwnerID   string         `json:"owner_id"`
	Name      string         `json:"name"`
	Metadata  ClientMetadata `json:"metadata"`
	Type      ClientType     `json:"type"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsPublic reports whether the client cannot hold a secret.
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// Clone returns a copy safe to hand out of a store.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// ClientSecret is a bcrypt hash of a confidential client's secret. The raw
// secret is never stored; Hint holds its last few characters for display.
type ClientSecret struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Hash      string    `json:"hash"`
	Hint      string    `json:"hint"`
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a copy safe to hand out of a store.
func (s *ClientSecret) Clone() *ClientSecret {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// RedirectURI is a whitelisted callback. Requests must match URI exactly.
type RedirectURI struct {
	ClientID  string    `json:"client_id"`
	URI       string    `json:"uri"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthorizedDomain is a whitelisted browser origin (scheme://host[:port]).
type AuthorizedDomain struct {
	ClientID  string    `json:"client_id"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// APIProduct is a named bundle of scopes enabled for a client as a unit.
type APIProduct struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Scope is a permission string. APIProduct is empty for global scopes such as
// offline_access.
type Scope struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	APIProduct  string    `json:"api_product,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConsentGrant records the scopes a user approved for a client.
type ConsentGrant struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	ClientID      string    `json:"client_id"`
	GrantedScopes []string  `json:"granted_scopes"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	RevokedAt     time.Time `json:"revoked_at,omitzero"`
}

// Clone returns a deep copy safe to hand out of a store.
func (g *ConsentGrant) Clone() *ConsentGrant {
	if g == nil {
		return nil
	}
	cp := *g
	cp.GrantedScopes = slices.Clone(g.GrantedScopes)
	return &cp
}
