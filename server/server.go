package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// tokenIDLogLength is the number of characters of a hash or ID included in logs
const tokenIDLogLength = 8

// Server implements the authorization server core: client registry, scope
// catalog, consent, authorization codes and refresh token rotation.
// Business rules live here; the store only provides transactions and the
// two compare-and-swap operations.
type Server struct {
	store  storage.Store
	hasher *security.Hasher
	signer *security.Signer
	now    func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates a new authorization server. The config is defaulted, clamped
// and validated; it must not be modified afterwards.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	signer, err := security.NewSigner(config.AccessTokenSigningKey, config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create access token signer: %w", err)
	}

	inst := instrumentation.NewNoop()
	return &Server{
		store:           store,
		hasher:          security.NewHasher(config.BcryptCost, config.HashWorkers),
		signer:          signer,
		now:             time.Now,
		instrumentation: inst,
		tracer:          inst.Tracer("server"),
		Logger:          logger,
		Config:          config,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation sets the metrics and tracing providers.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		inst = instrumentation.NewNoop()
	}
	s.instrumentation = inst
	s.tracer = inst.Tracer("server")
}

// SetClock replaces the time source. Tests use it to control expiry.
func (s *Server) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Instrumentation returns the metrics and tracing providers in use.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Store returns the underlying store.
func (s *Server) Store() storage.Store {
	return s.store
}

func (s *Server) metrics() *instrumentation.Metrics {
	return s.instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "server."+name)
}

// allowSecurityLog gates logging of security events so an attacker replaying
// credentials cannot flood the logs.
func (s *Server) allowSecurityLog(key string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(key)
}

// isExpired checks expiry with the configured clock skew grace period.
func (s *Server) isExpired(expiresAt time.Time) bool {
	grace := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	return security.IsExpiredWithGracePeriod(expiresAt, s.now(), grace)
}

// RunJanitor deletes expired codes and refresh tokens every interval until ctx
// is cancelled. Correctness never depends on it; expiry is always checked on use.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("janitor interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
				s.Logger.Error("Failed to delete expired records", "error", err)
			}
		}
	}
}

// CleanupExpired runs one janitor pass and returns how many records were removed.
// Records still inside the clock skew grace period are kept.
func (s *Server) CleanupExpired(ctx context.Context) (int, error) {
	grace := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	n, err := s.store.DeleteExpired(ctx, s.now().Add(-grace))
	if err != nil {
		return 0, storageError("delete_expired", err)
	}
	if n > 0 {
		s.Logger.Debug("Deleted expired records", "count", n)
	}
	return n, nil
}
