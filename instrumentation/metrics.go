package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricHTTPRequestsTotal        = "oauth.http.requests.total"
	MetricHTTPRequestDuration      = "oauth.http.request.duration"
	MetricCodesIssued              = "oauth.code.issued"
	MetricCodesRedeemed            = "oauth.code.redeemed"
	MetricCodeReuseDetected        = "oauth.code.reuse_detected"
	MetricTokensRotated            = "oauth.token.rotated"
	MetricTokenReuseDetected       = "oauth.token.reuse_detected"
	MetricFamiliesRevoked          = "oauth.token.families_revoked"
	MetricClientAuthFailed         = "oauth.client.auth_failed"
	MetricPKCEValidationFailed     = "oauth.pkce.validation_failed"
	MetricRateLimitExceeded        = "oauth.rate_limit.exceeded"
	MetricStorageOperationTotal    = "oauth.storage.operations.total"
	MetricStorageOperationDuration = "oauth.storage.operation.duration"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	CodesIssued   metric.Int64Counter
	CodesRedeemed metric.Int64Counter
	TokensRotated metric.Int64Counter

	// Security Metrics
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	FamiliesRevoked      metric.Int64Counter
	ClientAuthFailed     metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

type counterSpec struct {
	target      *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, MetricHTTPRequestsTotal, "Total number of HTTP requests", "{request}"},
		{&m.CodesIssued, serverMeter, MetricCodesIssued, "Number of authorization codes issued", "{code}"},
		{&m.CodesRedeemed, serverMeter, MetricCodesRedeemed, "Number of authorization code redemption attempts", "{code}"},
		{&m.TokensRotated, serverMeter, MetricTokensRotated, "Number of successful refresh token rotations", "{rotation}"},
		{&m.CodeReuseDetected, securityMeter, MetricCodeReuseDetected, "Number of authorization code replays detected", "{event}"},
		{&m.TokenReuseDetected, securityMeter, MetricTokenReuseDetected, "Number of refresh token reuse events detected", "{event}"},
		{&m.FamiliesRevoked, securityMeter, MetricFamiliesRevoked, "Number of refresh token families revoked", "{family}"},
		{&m.ClientAuthFailed, securityMeter, MetricClientAuthFailed, "Number of failed client authentications", "{failure}"},
		{&m.PKCEValidationFailed, securityMeter, MetricPKCEValidationFailed, "Number of PKCE validation failures", "{failure}"},
		{&m.RateLimitExceeded, securityMeter, MetricRateLimitExceeded, "Number of rate limit violations", "{violation}"},
		{&m.StorageOperationTotal, storageMeter, MetricStorageOperationTotal, "Total number of storage operations", "{operation}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		MetricHTTPRequestDuration,
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s histogram: %w", MetricHTTPRequestDuration, err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		MetricStorageOperationDuration,
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s histogram: %w", MetricStorageOperationDuration, err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its outcome
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordCodeIssued records an issued authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeRedeemed records a redemption attempt and whether it succeeded
func (m *Metrics) RecordCodeRedeemed(ctx context.Context, clientID string, success bool) {
	m.CodesRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordTokenRotated records a successful refresh token rotation
func (m *Metrics) RecordTokenRotated(ctx context.Context, clientID string) {
	m.TokensRotated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeReuseDetected records an authorization code replay
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token reuse event
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordFamilyRevoked records a family revocation with its reason
func (m *Metrics) RecordFamilyRevoked(ctx context.Context, reason string) {
	m.FamiliesRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordClientAuthFailed records a failed client authentication
func (m *Metrics) RecordClientAuthFailed(ctx context.Context) {
	m.ClientAuthFailed.Add(ctx, 1)
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}
