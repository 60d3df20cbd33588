package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloce/authz/pkg/observability"
	"github.com/veloce/authz/pkg/rbac"
	"github.com/veloce/authz/pkg/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// setMinimalEnv sets what LoadConfig cannot default
func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTHZ_DB_URL", "postgres://authz@localhost/authz")
	t.Setenv("AUTHZ_AUTH_JWT_SECRET", testSecret)
}

func TestLoadConfig_Defaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HealthAddr())
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)

	assert.Equal(t, storage.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 20, cfg.Database.MaxConns)
	assert.Empty(t, cfg.Database.ReplicaURLs)

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "authz:", cfg.Cache.KeyPrefix)

	mode, err := cfg.RBAC.Mode()
	require.NoError(t, err)
	assert.Equal(t, rbac.InvalidationRank, mode)

	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 600, cfg.RateLimit.RequestsPerWindow)
	assert.Equal(t, "us-east-1", cfg.S3.Region)

	assert.Equal(t, observability.InfoLevel, cfg.Observability.Level())
	assert.False(t, cfg.Observability.OTelEnabled)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("AUTHZ_SERVER_PORT", "8000")
	t.Setenv("AUTHZ_DB_DRIVER", "pgx")
	t.Setenv("AUTHZ_DB_REPLICA_URLS", "postgres://r1/authz,postgres://r2/authz")
	t.Setenv("AUTHZ_DB_TIMEOUT", "2s")
	t.Setenv("AUTHZ_CACHE_BACKEND", "redis")
	t.Setenv("AUTHZ_CACHE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AUTHZ_CACHE_TTL", "5m")
	t.Setenv("AUTHZ_RBAC_INVALIDATION_MODE", "full")
	t.Setenv("AUTHZ_RBAC_SEED_FILE", "s3://seeds/default.yaml")
	t.Setenv("AUTHZ_RATELIMIT_BACKEND", "redis")
	t.Setenv("AUTHZ_RATELIMIT_WINDOW", "10s")
	t.Setenv("AUTHZ_S3_USE_PATH_STYLE", "true")
	t.Setenv("AUTHZ_OBS_LOG_LEVEL", "debug")
	t.Setenv("AUTHZ_OBS_OTEL_SAMPLE_RATIO", "0.25")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())

	conn := cfg.Database.ConnectionConfig()
	assert.Equal(t, storage.DriverPGX, conn.Driver)
	assert.Equal(t, []string{"postgres://r1/authz", "postgres://r2/authz"}, conn.ReplicaURLs)
	assert.Equal(t, 2*time.Second, conn.Timeout)

	cc := cfg.Cache.CacheConfig()
	assert.Equal(t, "redis", cc.Backend)
	assert.Equal(t, 5*time.Minute, cc.DefaultTTL)

	mode, err := cfg.RBAC.Mode()
	require.NoError(t, err)
	assert.Equal(t, rbac.InvalidationFull, mode)
	assert.True(t, storage.IsObjectURL(cfg.RBAC.SeedFile))

	limiter := cfg.RateLimit.LimiterConfig()
	assert.Equal(t, 10*time.Second, limiter.WindowDuration)
	assert.Equal(t, 50, limiter.BurstSize)

	assert.True(t, cfg.S3.ObjectStoreConfig().UsePathStyle)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.Level())
	assert.InDelta(t, 0.25, cfg.Observability.OTelConfig().SampleRatio, 1e-9)
}

func TestLoad_MalformedValue(t *testing.T) {
	t.Setenv("AUTHZ_SERVER_READ_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"same ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"no port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "invalid database driver"},
		{"no database url", func(c *Config) { c.Database.URL = "" }, "database URL is required"},
		{"redis cache without url", func(c *Config) { c.Cache.Backend = "redis" }, "redis URL is required for the redis cache"},
		{"unknown cache", func(c *Config) { c.Cache.Backend = "memcached" }, "invalid cache backend"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache TTL must be positive"},
		{"bad invalidation mode", func(c *Config) { c.RBAC.InvalidationMode = "sometimes" }, "sometimes"},
		{"no secret", func(c *Config) { c.Auth.Secret = "" }, "JWT secret is required"},
		{"short secret", func(c *Config) { c.Auth.Secret = "short" }, "at least 32 bytes"},
		{"redis limiter without url", func(c *Config) { c.RateLimit.Backend = "redis" }, "redis rate limiter"},
		{"disabled limiter skips checks", func(c *Config) {
			c.RateLimit.Enabled = false
			c.RateLimit.Backend = "carrier-pigeon"
		}, ""},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "endpoint is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setMinimalEnv(t)
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	t.Setenv("AUTHZ_DB_URL", "file:authz.db")
	t.Setenv("AUTHZ_DB_DRIVER", "sqlite3")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")

	// commands that only touch the database validate just that section
	cfg, err := Load()
	require.NoError(t, err)
	assert.NoError(t, cfg.Database.Validate())
}
