package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP address used for rate limiting and audit.
//
// X-Forwarded-For is only honoured when trustedProxyCount > 0. The header is
// read from the right: the last trustedProxyCount entries were appended by our
// own proxies, the entry before them is the client. Anything further left is
// client-controlled and ignored.
func GetClientIP(r *http.Request, trustedProxyCount int) string {
	if trustedProxyCount > 0 {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	idx := len(ips) - trustedProxyCount
	if idx < 0 {
		idx = 0
	}

	candidate := strings.TrimSpace(ips[idx])
	if net.ParseIP(candidate) == nil {
		return ""
	}
	return candidate
}
