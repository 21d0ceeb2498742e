package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/giantswarm/oauth-core/storage"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// MaxRedirectURILength bounds registered redirect URIs and origins.
const MaxRedirectURILength = 2048

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about", "blob"}

	// customSchemePattern is the RFC 3986 scheme grammar:
	// ALPHA *( ALPHA / DIGIT / "+" / "-" / "." )
	customSchemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)
)

// RedirectURISecurityError represents a redirect URI validation error
// with detailed information for operators while keeping error messages generic for clients.
type RedirectURISecurityError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason (for logs, not returned to client)
	Reason string
	// ClientMessage is the message safe to return to clients
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Unwrap lets errors.Is match ErrInvalidRequest.
func (e *RedirectURISecurityError) Unwrap() error {
	return ErrInvalidRequest
}

// Redirect URI security error categories for metrics and logging.
const (
	RedirectURIErrorCategoryBlockedScheme  = "blocked_scheme"
	RedirectURIErrorCategoryHTTPNotAllowed = "http_not_allowed"
	RedirectURIErrorCategoryCustomScheme   = "custom_scheme_not_allowed"
	RedirectURIErrorCategoryInvalidFormat  = "invalid_format"
	RedirectURIErrorCategoryFragment       = "fragment_not_allowed"
)

// ValidateRedirectURI applies the redirect URI registration policy for a
// client of the given type:
//
//   - fragments and dangerous schemes are always rejected
//   - https is always allowed
//   - http is allowed only on a loopback host and only for public clients
//   - private-use custom schemes (RFC 8252 native apps) are allowed only for
//     public clients
func ValidateRedirectURI(redirectURI string, clientType storage.ClientType) error {
	if redirectURI == "" || len(redirectURI) > MaxRedirectURILength {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        fmt.Sprintf("length %d outside 1-%d", len(redirectURI), MaxRedirectURILength),
			ClientMessage: "redirect_uri: invalid URI format",
		}
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" {
		reason := "URI is not absolute"
		if err != nil {
			reason = fmt.Sprintf("URL parse error: %v", err)
		}
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        reason,
			ClientMessage: "redirect_uri: invalid URI format",
		}
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments.
	// An empty trailing "#" is rejected too.
	if strings.Contains(redirectURI, "#") {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryFragment,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI contains fragment which is prohibited by OAuth 2.0 Security BCP",
			ClientMessage: "redirect_uri: fragments are not allowed",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, dangerous := range DangerousSchemes {
		if scheme == dangerous {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryBlockedScheme,
				URI:           sanitizeURIForLogging(redirectURI),
				Reason:        fmt.Sprintf("scheme %q is blocked", scheme),
				ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is not allowed", scheme),
			}
		}
	}

	switch scheme {
	case SchemeHTTPS:
		if parsed.Hostname() == "" {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryInvalidFormat,
				URI:           sanitizeURIForLogging(redirectURI),
				Reason:        "https URI without host",
				ClientMessage: "redirect_uri: host is required",
			}
		}
		return nil

	case SchemeHTTP:
		if clientType == storage.ClientTypePublic && isLoopbackAddress(parsed.Hostname()) {
			return nil
		}
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryHTTPNotAllowed,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        fmt.Sprintf("http redirect for %s client on host %q", clientType, parsed.Hostname()),
			ClientMessage: "redirect_uri: must use https (http is only allowed on loopback for public clients)",
		}

	default:
		if clientType != storage.ClientTypePublic {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryCustomScheme,
				URI:           sanitizeURIForLogging(redirectURI),
				Reason:        fmt.Sprintf("custom scheme %q for %s client", scheme, clientType),
				ClientMessage: "redirect_uri: confidential clients must use https",
			}
		}
		if !customSchemePattern.MatchString(scheme) {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryInvalidFormat,
				URI:           sanitizeURIForLogging(redirectURI),
				Reason:        fmt.Sprintf("scheme %q does not follow RFC 3986", scheme),
				ClientMessage: "redirect_uri: invalid scheme",
			}
		}
		return nil
	}
}

// NormalizeOrigin validates a browser origin and returns it in canonical
// form (lowercase scheme://host[:port]). Paths, queries, fragments and
// userinfo are rejected; http is only accepted on loopback hosts.
func NormalizeOrigin(origin string) (string, error) {
	if origin == "" || len(origin) > MaxRedirectURILength {
		return "", validationError("origin", "invalid origin")
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", validationError("origin", "invalid origin")
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)
	switch {
	case scheme != SchemeHTTPS && scheme != SchemeHTTP:
		return "", validationError("origin", "origin must use http or https")
	case host == "" || parsed.User != nil:
		return "", validationError("origin", "origin must be scheme://host[:port]")
	case (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" || strings.Contains(origin, "#"):
		return "", validationError("origin", "origin must not contain a path, query or fragment")
	case scheme == SchemeHTTP && !isLoopbackAddress(parsed.Hostname()):
		return "", validationError("origin", "http origins are only allowed on loopback")
	}
	return scheme + "://" + host, nil
}

// isLoopbackAddress checks if a hostname is a loopback address
func isLoopbackAddress(hostname string) bool {
	hostname = strings.TrimSpace(strings.Trim(hostname, "[]"))
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// sanitizeURIForLogging removes potentially sensitive information from URIs for logging.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil

	s := parsed.String()
	if len(s) > 100 {
		return s[:100] + "...[truncated]"
	}
	return s
}

// IsRedirectURISecurityError checks if an error is a redirect URI security validation error.
func IsRedirectURISecurityError(err error) bool {
	var target *RedirectURISecurityError
	return errors.As(err, &target)
}
