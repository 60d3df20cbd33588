package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/veloce/authz/pkg/cache"
	"github.com/veloce/authz/pkg/config"
	"github.com/veloce/authz/pkg/middleware"
	"github.com/veloce/authz/pkg/observability"
	"github.com/veloce/authz/pkg/rbac"
	"github.com/veloce/authz/pkg/storage"
)

// app is the resolution engine wired to its database and cache
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	conns    *storage.ConnectionManager
	cache    cache.Cache
	redis    *redis.Client
	ownRedis bool
	registry *prometheus.Registry
	metrics  *observability.Metrics
	store    *rbac.Store
	resolver *rbac.PermissionResolver
	service  *rbac.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*app, error) {
	mode, err := cfg.RBAC.Mode()
	if err != nil {
		return nil, err
	}

	conns, err := storage.NewConnectionManager(ctx, cfg.Database.ConnectionConfig(), logger)
	if err != nil {
		return nil, err
	}

	decisions, err := cache.New(ctx, cfg.Cache.CacheConfig())
	if err != nil {
		conns.Close()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	store := rbac.NewStoreWithReplica(conns.Primary(), conns.Replica())
	hierarchy := rbac.NewHierarchyResolver(store)
	resolver := rbac.NewPermissionResolver(store, hierarchy, decisions,
		rbac.WithCacheTTL(cfg.Cache.TTL),
		rbac.WithResolverMetrics(metrics),
		rbac.WithResolverLogger(logger),
	)
	service := rbac.NewService(store, resolver,
		rbac.WithInvalidationMode(mode),
		rbac.WithServiceMetrics(metrics),
		rbac.WithServiceLogger(logger),
	)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		conns:    conns,
		cache:    decisions,
		registry: registry,
		metrics:  metrics,
		store:    store,
		resolver: resolver,
		service:  service,
	}
	if rc, ok := decisions.(*cache.RedisCache); ok {
		a.redis = rc.Client()
	}
	return a, nil
}

// migrate applies pending schema migrations on the primary
func (a *app) migrate(ctx context.Context) (int, error) {
	return rbac.RunMigrations(ctx, a.conns.Primary(), a.conns.Dialect(), a.logger)
}

// seed applies the seed file at source
func (a *app) seed(ctx context.Context, source string) (rbac.SeedResult, error) {
	file, err := loadSeedFile(ctx, source, a.cfg.S3)
	if err != nil {
		return rbac.SeedResult{}, err
	}
	return a.service.Seed(ctx, file)
}

// warm caches the permission set of every mapped rank
func (a *app) warm(ctx context.Context) error {
	ranks, err := a.store.MappedRanks(ctx)
	if err != nil {
		return err
	}
	if err := a.resolver.Warm(ctx, ranks, a.cfg.RBAC.WarmWorkers); err != nil {
		return err
	}
	a.logger.WithField("ranks", len(ranks)).Info("Permission cache warmed")
	return nil
}

// rateLimiter builds the configured limiter, or nil when disabled. The
// Redis limiter shares the cache's client when Redis backs the cache.
func (a *app) rateLimiter(ctx context.Context) (middleware.Limiter, error) {
	rl := a.cfg.RateLimit
	if !rl.Enabled {
		return nil, nil
	}

	if rl.Backend != "redis" {
		limiter := middleware.NewRateLimiter(rl.LimiterConfig())
		limiter.StartCleanup(ctx)
		return limiter, nil
	}

	if a.redis == nil {
		opts, err := redis.ParseURL(a.cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		if a.cfg.Cache.RedisPassword != "" {
			opts.Password = a.cfg.Cache.RedisPassword
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
		a.ownRedis = true
	}
	return middleware.NewDistributedRateLimiter(a.redis, rl.LimiterConfig(), a.cfg.Cache.KeyPrefix+"ratelimit"), nil
}

// publishDBStats samples the primary pool until ctx is done
func (a *app) publishDBStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		a.metrics.RecordDBStats(a.conns.Primary().Stats())
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// primary is the write connection; health checks ping it
func (a *app) primary() *sql.DB {
	return a.conns.Primary()
}

// Close releases the cache, any limiter-owned Redis client and the
// database connections
func (a *app) Close() error {
	var errs []error
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if a.ownRedis {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := a.conns.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	return errors.Join(errs...)
}
