// Package instrumentation provides OpenTelemetry (OTEL) metrics and tracing for
// the authorization server.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:       "oauth-core",
//		ServiceVersion:    "1.0.0",
//		Enabled:           true,
//		PrometheusEnabled: true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.PrometheusHandler())
//
// When Enabled is false every provider is a no-op and recording costs nothing.
//
// # Available Metrics
//
// HTTP layer:
//   - oauth.http.requests.total, oauth.http.request.duration
//
// OAuth flows:
//   - oauth.code.issued, oauth.code.redeemed, oauth.token.rotated
//
// Security:
//   - oauth.code.reuse_detected, oauth.token.reuse_detected
//   - oauth.token.families_revoked (by reason)
//   - oauth.client.auth_failed, oauth.pkce.validation_failed, oauth.rate_limit.exceeded
//
// Storage:
//   - oauth.storage.operations.total, oauth.storage.operation.duration (by backend and operation)
//
// # Traces
//
// Server operations open "server.*" spans and storage back-ends open
// "storage.*" spans through StartStorageOperation. Span attributes never carry
// credential values.
package instrumentation
