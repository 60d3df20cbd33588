package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/veloce/authz/pkg/async"
	"github.com/veloce/authz/pkg/config"
	"github.com/veloce/authz/pkg/httputil"
	"github.com/veloce/authz/pkg/middleware"
	"github.com/veloce/authz/pkg/observability"
	"github.com/veloce/authz/pkg/rbac"
)

const (
	dbStatsInterval = 15 * time.Second
	warmupTimeout   = 2 * time.Minute
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the health/metrics server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("service", "authz")
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

// newRouter mounts the RBAC routes behind the request middleware. The
// limiter may be nil.
func newRouter(a *app, limiter middleware.Limiter) *mux.Router {
	verifier := middleware.NewTokenVerifier(a.cfg.Auth.Secret, a.cfg.Auth.Issuer)
	auth := middleware.NewAuthMiddleware(verifier, a.cfg.Auth.Optional, a.logger)

	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(a.logger),
		httputil.RecoveryMiddleware(a.logger),
		observability.HTTPMetricsMiddleware(a.metrics),
		httputil.MaxBytesMiddleware(a.cfg.Server.MaxBodyBytes),
		httputil.ContentTypeMiddleware,
		auth.Handler,
	)
	// after auth so callers are keyed by subject or rank
	if limiter != nil {
		router.Use(middleware.NewRateLimitMiddleware(limiter, a.logger).Handler)
	}

	gate := rbac.NewPermissionMiddleware(a.resolver, a.logger)
	rbac.NewHandlers(a.service, gate, a.logger).RegisterRoutes(router)
	return router
}

// newHealthMux serves liveness, readiness and, when enabled, /metrics
func newHealthMux(a *app) *http.ServeMux {
	mux := http.NewServeMux()
	observability.RegisterHealthRoutes(mux, observability.NewHealthChecker(a.primary(), a.redis, version))
	if a.cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(mux, a.registry)
	}
	return mux
}

func runServe(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	providers, err := observability.InitOTel(ctx, cfg.Observability.OTelConfig(), logger)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		_ = observability.ShutdownOTel(context.Background(), providers, logger)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := prepare(runCtx, a); err != nil {
		a.Close()
		_ = observability.ShutdownOTel(context.Background(), providers, logger)
		return err
	}

	limiter, err := a.rateLimiter(runCtx)
	if err != nil {
		a.Close()
		_ = observability.ShutdownOTel(context.Background(), providers, logger)
		return err
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      otelhttp.NewHandler(newRouter(a, limiter), "authz"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:              cfg.Server.HealthAddr(),
		Handler:           httputil.Chain(httputil.RequestIDMiddleware, httputil.RecoveryMiddleware(logger))(newHealthMux(a)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	// run last to first: stop sampling, close the app, flush telemetry
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error { return a.Close() })
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		cancel()
		return nil
	})

	async.Go(runCtx, logger, 0, "db stats", func(ctx context.Context) error {
		a.publishDBStats(ctx, dbStatsInterval)
		return nil
	})
	if cfg.RBAC.WarmCache {
		async.Go(runCtx, logger, warmupTimeout, "cache warmup", a.warm)
	}

	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		go func(srv *http.Server) {
			defer observability.RecoverPanic(logger, "http server "+srv.Addr)
			logger.Infof("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).WithField("addr", srv.Addr).Error("HTTP server failed")
				serveErr <- err
				cancel()
			}
		}(srv)
	}

	if err := shutdown.WaitForShutdown(runCtx); err != nil {
		return err
	}

	select {
	case err := <-serveErr:
		return err
	default:
		logger.Info("Shutdown complete")
		return nil
	}
}

// prepare runs startup migrations and the startup seed when configured
func prepare(ctx context.Context, a *app) error {
	if a.cfg.RBAC.AutoMigrate {
		ran, err := a.migrate(ctx)
		if err != nil {
			return err
		}
		a.logger.WithField("migrations", ran).Info("Schema up to date")
	}

	if a.cfg.RBAC.SeedFile != "" {
		result, err := a.seed(ctx, a.cfg.RBAC.SeedFile)
		if err != nil {
			return err
		}
		a.logger.WithFields(map[string]interface{}{
			"source":      a.cfg.RBAC.SeedFile,
			"permissions": result.Permissions,
			"roles":       result.Roles,
		}).Info("Seed applied")
	}
	return nil
}
