package server

import (
	"crypto/subtle"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-core/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// Client registration limits
const (
	MaxClientNameLength  = 256
	MaxMetadataURLLength = 2048
)

// isUnreservedString reports whether s consists only of RFC 3986 unreserved
// characters: [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
func isUnreservedString(s string) bool {
	for _, ch := range s {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return false
		}
	}
	return true
}

// validateCodeChallenge checks the PKCE parameters of an authorization
// request against the client type. Public clients must send an S256
// challenge; confidential clients may omit PKCE, and may use plain only when
// AllowPKCEPlain is set.
func (s *Server) validateCodeChallenge(client *storage.Client, challenge, method string) error {
	if challenge == "" {
		if method != "" {
			return validationError("code_challenge_method", "code_challenge_method without code_challenge")
		}
		if client.IsPublic() {
			return validationError("code_challenge", "PKCE is required for public clients")
		}
		return nil
	}

	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if client.IsPublic() {
			return validationError("code_challenge_method", "public clients must use S256")
		}
		if !s.Config.AllowPKCEPlain {
			return validationError("code_challenge_method", "'%s' is not allowed", PKCEMethodPlain)
		}
	case "":
		return validationError("code_challenge_method", "code_challenge_method is required")
	default:
		return validationError("code_challenge_method", "unsupported code_challenge_method")
	}

	// Both an S256 challenge (43 base64url chars) and a plain challenge (the
	// verifier itself) fall in the verifier's length and alphabet.
	if len(challenge) < MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength || !isUnreservedString(challenge) {
		return validationError("code_challenge", "code_challenge must be %d-%d unreserved characters",
			MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	return nil
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// A verifier for a code issued without a challenge is a downgrade attempt
		if verifier != "" {
			return fmt.Errorf("code_verifier sent for a code issued without code_challenge")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}
	if !isUnreservedString(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}

	var computedChallenge string
	switch method {
	case PKCEMethodS256:
		computedChallenge = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		// Checked again at redemption in case the configuration changed
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
		computedChallenge = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateMetadataURL accepts an empty value or an absolute http(s) URL.
func validateMetadataURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > MaxMetadataURLLength {
		return validationError(field, "URL is too long")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != SchemeHTTP && u.Scheme != SchemeHTTPS) || u.Host == "" {
		return validationError(field, "must be an absolute http or https URL")
	}
	return nil
}

func validateClientMetadata(m storage.ClientMetadata) error {
	for _, f := range []struct{ field, raw string }{
		{"homepage_url", m.HomepageURL},
		{"logo_url", m.LogoURL},
		{"policy_url", m.PolicyURL},
		{"tos_url", m.TermsOfServiceURL},
	} {
		if err := validateMetadataURL(f.field, f.raw); err != nil {
			return err
		}
	}
	return nil
}
