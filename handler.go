package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/server"
)

// Grant types accepted by the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Default endpoint paths used by RegisterRoutes
const (
	TokenPath      = "/oauth/token"
	RevocationPath = "/oauth/revoke"
)

// singleValueParams must appear at most once in a request (RFC 6749 §3.2).
var singleValueParams = []string{
	"grant_type", "code", "redirect_uri", "code_verifier", "refresh_token",
	"scope", "client_id", "client_secret", "token", "token_type_hint",
}

// Handler is a thin HTTP adapter for the authorization server.
// It parses requests, authenticates nothing itself and delegates every
// decision to server.Server.
type Handler struct {
	server      *server.Server
	config      Config
	logger      *slog.Logger
	tracer      trace.Tracer
	rateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
		tracer: srv.Instrumentation().Tracer("http"),
	}
	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
	}
	return h
}

// Close stops background work of the handler.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes registers the token and revocation endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(TokenPath, h.ServeToken)
	mux.HandleFunc(RevocationPath, h.ServeTokenRevocation)
}

// log returns the handler logger tagged with the request ID.
func (h *Handler) log(ctx context.Context) *slog.Logger {
	return h.logger.With("request_id", security.GetRequestID(ctx))
}

// statusWriter remembers the status code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ServeToken handles the token endpoint (RFC 6749 §3.2) for the
// authorization_code and refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "token", h.handleToken)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "revoke", h.handleRevocation)
}

// serve runs the steps every endpoint shares: tracing, metrics, method
// check, rate limiting and form parsing.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, endpoint string, next func(http.ResponseWriter, *http.Request, string)) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
	defer span.End()

	requestID := security.EnsureRequestID(w, r)
	ctx = security.WithRequestID(ctx, requestID)
	instrumentation.SetSpanAttributes(span, attribute.String("http.request_id", requestID))
	r = r.WithContext(ctx)

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		duration := float64(time.Since(startTime).Microseconds()) / 1000
		h.server.Instrumentation().Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, sw.status, duration)
		instrumentation.SetSpanAttributes(span, attribute.Int("http.status_code", sw.status))
	}()

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(sw, r)
		return
	}
	if r.Method != http.MethodPost {
		sw.Header().Set("Allow", "POST, OPTIONS")
		http.Error(sw, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustedProxyCount)
	if !h.allowRequest(ctx, clientIP, endpoint) {
		sw.Header().Set("Retry-After", "1")
		h.writeError(sw, ErrRateLimitExceeded("Too many requests"))
		return
	}

	r.Body = http.MaxBytesReader(sw, r.Body, h.config.MaxRequestBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(sw, ErrInvalidRequest("Failed to parse request"))
		return
	}
	for _, name := range singleValueParams {
		if len(r.PostForm[name]) > 1 {
			h.writeError(sw, ErrInvalidRequest(fmt.Sprintf("Parameter '%s' included more than once", name)))
			return
		}
	}

	next(sw, r, clientIP)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request, clientIP string) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	grantType := r.PostForm.Get("grant_type")
	if grantType == "" {
		h.writeError(w, ErrInvalidRequest("Required parameter 'grant_type' missing"))
		return
	}
	if grantType != GrantTypeAuthorizationCode && grantType != GrantTypeRefreshToken {
		h.writeError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %s not supported", grantType)))
		return
	}

	creds, oauthErr := h.clientCredentials(r, clientIP)
	if oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}
	h.setCORSHeaders(ctx, w, r, creds.ClientID)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, creds.ClientID),
		attribute.String("oauth.grant_type", grantType))

	var (
		resp *server.TokenResponse
		err  error
	)
	switch grantType {
	case GrantTypeAuthorizationCode:
		resp, err = h.handleAuthorizationCodeGrant(ctx, r, creds)
	case GrantTypeRefreshToken:
		resp, err = h.handleRefreshTokenGrant(ctx, r, creds)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(ctx, w, err, "token", creds.ClientID, clientIP)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.log(ctx).Info("Token issued",
		"grant_type", grantType,
		"client_id", creds.ClientID,
		"ip", clientIP)
	h.writeTokenResponse(w, resp)
}

func (h *Handler) handleAuthorizationCodeGrant(ctx context.Context, r *http.Request, creds server.ClientCredentials) (*server.TokenResponse, error) {
	code := r.PostForm.Get("code")
	if code == "" {
		return nil, ErrInvalidRequest("Required parameter 'code' missing")
	}
	redirectURI := r.PostForm.Get("redirect_uri")
	if redirectURI == "" {
		return nil, ErrInvalidRequest("Required parameter 'redirect_uri' missing")
	}

	return h.server.RedeemCode(ctx, server.RedeemCodeRequest{
		Code:         code,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURI:  redirectURI,
		CodeVerifier: r.PostForm.Get("code_verifier"),
		IPAddress:    creds.IPAddress,
	})
}

func (h *Handler) handleRefreshTokenGrant(ctx context.Context, r *http.Request, creds server.ClientCredentials) (*server.TokenResponse, error) {
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		return nil, ErrInvalidRequest("Required parameter 'refresh_token' missing")
	}
	return h.server.RefreshGrant(ctx, creds, refreshToken, strings.Fields(r.PostForm.Get("scope")))
}

func (h *Handler) handleRevocation(w http.ResponseWriter, r *http.Request, clientIP string) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, ErrInvalidRequest("Required parameter 'token' missing"))
		return
	}

	creds, oauthErr := h.clientCredentials(r, clientIP)
	if oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}
	h.setCORSHeaders(ctx, w, r, creds.ClientID)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, creds.ClientID))

	// token_type_hint is ignored: only refresh tokens are stateful, and
	// unknown tokens are accepted silently either way.
	if err := h.server.RevokeToken(ctx, creds, token); err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(ctx, w, err, "revoke", creds.ClientID, clientIP)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// clientCredentials reads client_secret_basic or client_secret_post
// credentials. Using both at once is rejected (RFC 6749 §2.3).
func (h *Handler) clientCredentials(r *http.Request, clientIP string) (server.ClientCredentials, *Error) {
	creds := server.ClientCredentials{
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		IPAddress:    clientIP,
	}

	if user, pass, ok := r.BasicAuth(); ok {
		if creds.ClientSecret != "" {
			return creds, ErrInvalidRequest("Multiple client authentication methods used")
		}
		// RFC 6749 §2.3.1: both parts are form-urlencoded before base64
		clientID, err := url.QueryUnescape(user)
		if err != nil {
			return creds, ErrInvalidClient(descClientAuthFailed)
		}
		secret, err := url.QueryUnescape(pass)
		if err != nil {
			return creds, ErrInvalidClient(descClientAuthFailed)
		}
		if creds.ClientID != "" && creds.ClientID != clientID {
			return creds, ErrInvalidRequest("client_id does not match the Authorization header")
		}
		creds.ClientID, creds.ClientSecret = clientID, secret
	}

	if creds.ClientID == "" {
		return creds, ErrInvalidRequest("Required parameter 'client_id' missing")
	}
	return creds, nil
}

// allowRequest applies the per-IP rate limit.
func (h *Handler) allowRequest(ctx context.Context, clientIP, endpoint string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return true
	}
	h.server.Instrumentation().Metrics().RecordRateLimitExceeded(ctx, "ip")
	if h.server.SecurityEventRateLimiter == nil || h.server.SecurityEventRateLimiter.Allow("rate_limit:"+clientIP) {
		h.server.Auditor.LogRateLimitExceeded(clientIP)
		h.log(ctx).Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	}
	return false
}

// setCORSHeaders allows the request's Origin to read the response when it
// is one of the client's authorized domains.
func (h *Handler) setCORSHeaders(ctx context.Context, w http.ResponseWriter, r *http.Request, clientID string) {
	origin := r.Header.Get("Origin")
	if origin == "" || clientID == "" {
		return
	}

	allowed, err := h.server.IsAuthorizedOrigin(ctx, clientID, origin)
	if err != nil {
		h.log(ctx).Error("Failed to check authorized origin", "client_id", clientID, "error", err)
		return
	}
	if !allowed {
		h.log(ctx).Debug("CORS request from disallowed origin", "client_id", clientID, "origin", origin)
		return
	}
	security.SetCORSHeaders(w, origin)
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
//
// A preflight carries no client_id, so it cannot be checked against a
// client's authorized domains. It only announces the allowed methods and
// headers; the actual response carries Access-Control-Allow-Origin only for
// an authorized origin, so browsers still block everything else.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" {
		if _, err := server.NormalizeOrigin(origin); err == nil {
			security.SetCORSHeaders(w, origin)
		}
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// tokenResponse is the successful token endpoint response (RFC 6749 §5.1)
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *server.TokenResponse) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope(),
	})
}

// writeServerError logs err with its internal detail and writes the mapped
// OAuth error.
func (h *Handler) writeServerError(ctx context.Context, w http.ResponseWriter, err error, endpoint, clientID, clientIP string) {
	oauthErr := FromServerError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.log(ctx).Error("Request failed",
			"endpoint", endpoint,
			"client_id", clientID,
			"ip", clientIP,
			"error", err)
	} else {
		h.log(ctx).Debug("Request rejected",
			"endpoint", endpoint,
			"client_id", clientID,
			"ip", clientIP,
			"error_code", oauthErr.Code,
			"error", err)
	}
	h.writeError(w, oauthErr)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *Error) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	// RFC 6749 §5.2: a 401 for invalid_client must name the scheme
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             oauthErr.Code,
		"error_description": oauthErr.Description,
	})
}
