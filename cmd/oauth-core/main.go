// Command oauth-core runs the authorization server core: the token and
// revocation endpoints backed by the configured store, plus a separate
// Prometheus metrics listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/config"
	"github.com/giantswarm/oauth-core/internal/logging"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/server"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/boltdb"
	"github.com/giantswarm/oauth-core/storage/memory"
	"github.com/giantswarm/oauth-core/storage/valkey"
)

var Version = "dev"

// Security events are logged at most this often per key.
const (
	securityLogRate  = 1
	securityLogBurst = 5
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:       "oauth-core",
		ServiceVersion:    Version,
		Enabled:           cfg.MetricsEnabled,
		PrometheusEnabled: cfg.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("creating instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	store, err := openStore(cfg, logger, inst)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	srv, err := server.New(store, cfg.ServerConfig(), logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.SetInstrumentation(inst)
	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditEnabled))

	securityLogLimiter := security.NewRateLimiter(securityLogRate, securityLogBurst, logger)
	defer securityLogLimiter.Stop()
	srv.SetSecurityEventRateLimiter(securityLogLimiter)

	handler := oauth.NewHandler(srv, cfg.HandlerConfig(), logger)
	defer handler.Close()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", healthHandler)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	servers := []*http.Server{httpServer}

	if promHandler := inst.PrometheusHandler(); promHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promHandler)
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	for _, s := range servers {
		g.Go(func() error {
			logger.Info("Starting listener", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listening on %s: %w", s.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return srv.RunJanitor(gctx, cfg.JanitorInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var shutdownErr error
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutting down %s: %w", s.Addr, err))
			}
		}
		return shutdownErr
	})

	logger.Info("oauth-core started",
		"version", Version,
		"issuer", cfg.Issuer,
		"storage", cfg.StorageBackend,
		"metrics", cfg.MetricsEnabled)

	return g.Wait()
}

// openStore opens the configured storage back-end.
func openStore(cfg *config.Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageBolt:
		store, err := boltdb.Open(boltdb.Config{Path: cfg.BoltPath, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("opening bolt store: %w", err)
		}
		store.SetInstrumentation(inst)
		return store, nil

	case config.StorageValkey:
		vc := cfg.ValkeyConfig()
		vc.Logger = logger
		store, err := valkey.New(vc)
		if err != nil {
			return nil, fmt.Errorf("connecting to valkey: %w", err)
		}
		store.SetInstrumentation(inst)
		return store, nil

	default:
		logger.Warn("Using in-memory storage; all data is lost on restart")
		store := memory.New()
		store.SetInstrumentation(inst)
		return store, nil
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
