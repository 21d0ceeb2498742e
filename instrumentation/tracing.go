package instrumentation

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put actual credential values (access tokens, refresh
// tokens, authorization codes, client secrets, PKCE verifiers) in traces or
// metrics. Only metadata such as family IDs, hints and validation results.
const (
	AttrClientID      = "oauth.client_id"
	AttrClientType    = "oauth.client_type"
	AttrUserID        = "oauth.user_id"
	AttrScope         = "oauth.scope"
	AttrGrantType     = "oauth.grant_type"
	AttrPKCEMethod    = "oauth.pkce.method"
	AttrTokenFamilyID = "oauth.token.family_id" //nolint:gosec // G101: attribute key, not a credential
	AttrTokenReuse    = "oauth.token.reuse"     //nolint:gosec // G101: attribute key, not a credential
	AttrCodeReuse     = "oauth.code.reuse"
	AttrError         = "oauth.error"

	AttrStorageBackend   = "storage.backend"
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddTokenFamilyAttributes adds the family identifier to a span (nil-safe)
func AddTokenFamilyAttributes(span trace.Span, familyID string) {
	if familyID != "" {
		SetSpanAttributes(span, attribute.String(AttrTokenFamilyID, familyID))
	}
}

// StorageOperation tracks a single storage call for tracing and metrics.
type StorageOperation struct {
	metrics   *Metrics
	span      trace.Span
	ctx       context.Context
	backend   string
	operation string
	start     time.Time
}

// StartStorageOperation opens a "storage.<operation>" span. The returned
// operation must be ended with End.
func (i *Instrumentation) StartStorageOperation(ctx context.Context, backend, operation string) (context.Context, *StorageOperation) {
	ctx, span := i.Tracer("storage").Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(AttrStorageBackend, backend),
			attribute.String(AttrStorageOperation, operation),
		))

	return ctx, &StorageOperation{
		metrics:   i.metrics,
		span:      span,
		ctx:       ctx,
		backend:   backend,
		operation: operation,
		start:     time.Now(),
	}
}

// End closes the span and records the operation. Expected outcomes passed in
// expected (such as storage.ErrNotFound) are recorded as "miss" rather than errors.
func (op *StorageOperation) End(err error, expected ...error) {
	result := "success"
	if err != nil {
		result = "error"
		for _, e := range expected {
			if errors.Is(err, e) {
				result = "miss"
				break
			}
		}
	}

	op.span.SetAttributes(attribute.String(AttrStorageResult, result))
	if result == "error" {
		RecordError(op.span, err)
	} else {
		SetSpanSuccess(op.span)
	}
	op.span.End()

	durationMs := float64(time.Since(op.start).Microseconds()) / 1000
	op.metrics.RecordStorageOperation(op.ctx, op.backend, op.operation, result, durationMs)
}
