package security

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// RequestIDHeader is the HTTP header carrying the request ID
const RequestIDHeader = "X-Request-ID"

// Upstream IDs are accepted only in this shape so they can be echoed into
// headers and logs safely.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

// EnsureRequestID returns the request's valid upstream X-Request-ID or a new
// random one, and echoes it on the response.
func EnsureRequestID(w http.ResponseWriter, r *http.Request) string {
	requestID := r.Header.Get(RequestIDHeader)
	if !requestIDPattern.MatchString(requestID) {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)
	return requestID
}
