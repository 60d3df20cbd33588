package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/veloce/authz/pkg/cache"
	"github.com/veloce/authz/pkg/middleware"
	"github.com/veloce/authz/pkg/observability"
	"github.com/veloce/authz/pkg/rbac"
	"github.com/veloce/authz/pkg/storage"
)

// EnvPrefix prefixes every variable read by Load
const EnvPrefix = "AUTHZ"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `envconfig:"SERVER"`
	Database      DatabaseConfig      `envconfig:"DB"`
	Cache         CacheConfig         `envconfig:"CACHE"`
	RBAC          RBACConfig          `envconfig:"RBAC"`
	Auth          AuthConfig          `envconfig:"AUTH"`
	RateLimit     RateLimitConfig     `envconfig:"RATELIMIT"`
	S3            S3Config            `envconfig:"S3"`
	Observability ObservabilityConfig `envconfig:"OBS"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `envconfig:"HEALTH_PORT" default:"9090"`
}

// Addr is the listen address of the API server
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// HealthAddr is the listen address of the health/metrics server
func (s ServerConfig) HealthAddr() string {
	return s.Host + ":" + s.HealthPort
}

// Validate checks the server settings
func (s ServerConfig) Validate() error {
	if s.Port == "" {
		return errors.New("server port is required")
	}
	if s.HealthPort == "" {
		return errors.New("health port is required")
	}
	if s.Port == s.HealthPort {
		return errors.New("server port and health port must be different")
	}
	if s.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be positive")
	}
	return nil
}

// DatabaseConfig selects the SQL driver and sizes its pools
type DatabaseConfig struct {
	Driver      string        `envconfig:"DRIVER" default:"postgres"`
	URL         string        `envconfig:"URL"`
	ReplicaURLs []string      `envconfig:"REPLICA_URLS"`
	MaxConns    int           `envconfig:"MAX_CONNS" default:"20"`
	MinConns    int           `envconfig:"MIN_CONNS" default:"5"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"5s"`
	MaxLifetime time.Duration `envconfig:"MAX_LIFETIME" default:"30m"`
	MaxIdleTime time.Duration `envconfig:"MAX_IDLE_TIME" default:"5m"`
}

// Validate checks the database settings
func (d DatabaseConfig) Validate() error {
	switch d.Driver {
	case storage.DriverPostgres, storage.DriverPGX, storage.DriverSQLite:
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres, pgx or sqlite3)", d.Driver)
	}
	if d.URL == "" {
		return errors.New("database URL is required")
	}
	if d.MaxConns < 0 || d.MinConns < 0 {
		return errors.New("connection pool sizes must not be negative")
	}
	return nil
}

// ConnectionConfig converts to the storage layer's settings
func (d DatabaseConfig) ConnectionConfig() storage.ConnectionConfig {
	return storage.ConnectionConfig{
		Driver:      d.Driver,
		PrimaryURL:  d.URL,
		ReplicaURLs: d.ReplicaURLs,
		MaxConns:    d.MaxConns,
		MinConns:    d.MinConns,
		Timeout:     d.Timeout,
		MaxLifetime: d.MaxLifetime,
		MaxIdleTime: d.MaxIdleTime,
	}
}

// CacheConfig selects the decision cache backend
type CacheConfig struct {
	Backend       string        `envconfig:"BACKEND" default:"memory"`
	TTL           time.Duration `envconfig:"TTL" default:"30m"`
	MaxEntries    int           `envconfig:"MAX_ENTRIES" default:"100000"`
	RedisURL      string        `envconfig:"REDIS_URL"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB"`
	RedisPoolSize int           `envconfig:"REDIS_POOL_SIZE" default:"10"`
	KeyPrefix     string        `envconfig:"KEY_PREFIX" default:"authz:"`
}

// Validate checks the cache settings
func (c CacheConfig) Validate() error {
	switch c.Backend {
	case cache.BackendMemory:
	case cache.BackendRedis:
		if c.RedisURL == "" {
			return errors.New("redis URL is required for the redis cache")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory or redis)", c.Backend)
	}
	if c.TTL <= 0 {
		return errors.New("cache TTL must be positive")
	}
	return nil
}

// CacheConfig converts to the cache package's settings
func (c CacheConfig) CacheConfig() cache.Config {
	return cache.Config{
		Backend:       c.Backend,
		DefaultTTL:    c.TTL,
		MaxEntries:    c.MaxEntries,
		RedisURL:      c.RedisURL,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		RedisPoolSize: c.RedisPoolSize,
		KeyPrefix:     c.KeyPrefix,
	}
}

// RBACConfig controls the resolution engine
type RBACConfig struct {
	InvalidationMode string `envconfig:"INVALIDATION_MODE" default:"rank"`
	// SeedFile is applied at startup when set; a path or s3://bucket/key
	SeedFile    string `envconfig:"SEED_FILE"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"false"`
	// WarmCache resolves every mapped rank in the background at startup
	WarmCache   bool `envconfig:"WARM_CACHE" default:"false"`
	WarmWorkers int  `envconfig:"WARM_WORKERS" default:"4"`
}

// Mode parses InvalidationMode
func (r RBACConfig) Mode() (rbac.InvalidationMode, error) {
	return rbac.ParseInvalidationMode(r.InvalidationMode)
}

// AuthConfig configures bearer token verification
type AuthConfig struct {
	Secret string `envconfig:"JWT_SECRET"`
	Issuer string `envconfig:"JWT_ISSUER"`
	// Optional lets requests without a token through; the permission
	// gate still rejects them on protected routes
	Optional bool `envconfig:"OPTIONAL" default:"false"`
}

// minSecretLength is the HS256 key size
const minSecretLength = 32

// Validate checks the auth settings
func (a AuthConfig) Validate() error {
	if a.Secret == "" {
		return errors.New("JWT secret is required")
	}
	if len(a.Secret) < minSecretLength {
		return fmt.Errorf("JWT secret must be at least %d bytes", minSecretLength)
	}
	return nil
}

// RateLimitConfig configures per-caller request limits
type RateLimitConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`
	// Backend is memory (per process) or redis (shared through the cache's Redis)
	Backend           string        `envconfig:"BACKEND" default:"memory"`
	RequestsPerWindow int           `envconfig:"REQUESTS" default:"600"`
	Window            time.Duration `envconfig:"WINDOW" default:"1m"`
	Burst             int           `envconfig:"BURST" default:"50"`
}

// LimiterConfig converts to the middleware's settings
func (r RateLimitConfig) LimiterConfig() *middleware.RateLimitConfig {
	return &middleware.RateLimitConfig{
		RequestsPerWindow: r.RequestsPerWindow,
		WindowDuration:    r.Window,
		BurstSize:         r.Burst,
	}
}

// S3Config locates the object store seed files may be read from
type S3Config struct {
	Region       string `envconfig:"REGION" default:"us-east-1"`
	Endpoint     string `envconfig:"ENDPOINT"`
	AccessKey    string `envconfig:"ACCESS_KEY"`
	SecretKey    string `envconfig:"SECRET_KEY"`
	UsePathStyle bool   `envconfig:"USE_PATH_STYLE" default:"false"`
}

// ObjectStoreConfig converts to the storage layer's settings
func (s S3Config) ObjectStoreConfig() storage.ObjectStoreConfig {
	return storage.ObjectStoreConfig{
		Region:       s.Region,
		Endpoint:     s.Endpoint,
		AccessKey:    s.AccessKey,
		SecretKey:    s.SecretKey,
		UsePathStyle: s.UsePathStyle,
	}
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`

	// OpenTelemetry
	OTelEnabled        bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OTelEndpoint       string  `envconfig:"OTEL_ENDPOINT" default:"localhost:4317"`
	OTelServiceName    string  `envconfig:"OTEL_SERVICE_NAME" default:"authz"`
	OTelServiceVersion string  `envconfig:"OTEL_SERVICE_VERSION" default:"dev"`
	OTelInsecure       bool    `envconfig:"OTEL_INSECURE" default:"true"`
	OTelSampleRatio    float64 `envconfig:"OTEL_SAMPLE_RATIO" default:"1"`
}

// Level parses LogLevel
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// OTelConfig converts to the observability package's settings
func (o ObservabilityConfig) OTelConfig() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Load reads configuration from AUTHZ_* environment variables without
// validating it
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads and validates the full configuration
func LoadConfig() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid for serving
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if _, err := c.RBAC.Mode(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case "memory":
		case "redis":
			if c.Cache.RedisURL == "" {
				return errors.New("redis URL is required for the redis rate limiter")
			}
		default:
			return fmt.Errorf("invalid rate limit backend: %s (must be memory or redis)", c.RateLimit.Backend)
		}
		if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0 {
			return errors.New("rate limit requests and window must be positive")
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}
