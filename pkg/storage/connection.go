package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver

	"github.com/veloce/authz/pkg/observability"
)

// Supported database/sql driver names
const (
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
	DriverSQLite   = "sqlite3"
)

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	Driver      string
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// Dialect returns the SQL dialect spoken by the configured driver
func (c ConnectionConfig) Dialect() Dialect {
	return DialectForDriver(c.Driver)
}

// ConnectionManager manages a primary connection and optional read replicas
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
}

// NewConnectionManager opens and pings the primary and every replica.
// Replicas that fail to connect are skipped with a warning.
func NewConnectionManager(ctx context.Context, config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	if config.Driver == "" {
		config.Driver = DriverPostgres
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	cm := &ConnectionManager{
		config:   config,
		replicas: make([]*sql.DB, 0, len(config.ReplicaURLs)),
		logger:   logger,
	}

	primary, err := cm.open(ctx, config.PrimaryURL, config.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}
	cm.primary = primary

	for i, replicaURL := range config.ReplicaURLs {
		maxConns := config.MaxConns / 2
		if maxConns < 2 {
			maxConns = 2
		}
		replica, err := cm.open(ctx, replicaURL, maxConns)
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("skipping unreachable replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithFields(map[string]interface{}{
		"driver":   config.Driver,
		"replicas": len(cm.replicas),
	}).Info("database connections initialized")

	return cm, nil
}

func (cm *ConnectionManager) open(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open(cm.config.Driver, dsn)
	if err != nil {
		return nil, err
	}

	if cm.config.Driver == DriverSQLite {
		// a single writer avoids SQLITE_BUSY and keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	} else if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if cm.config.MinConns > 0 {
		db.SetMaxIdleConns(cm.config.MinConns)
	}
	if cm.config.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cm.config.MaxLifetime)
	}
	if cm.config.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cm.config.MaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cm.config.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}

// Primary returns the primary connection (for writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection.
// Falls back to primary if no replicas are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}

	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// Dialect returns the dialect of the managed connections
func (cm *ConnectionManager) Dialect() Dialect {
	return cm.config.Dialect()
}

// Close closes every managed connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var firstErr error
	for _, replica := range cm.replicas {
		if err := replica.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	cm.replicas = nil

	if cm.primary != nil {
		if err := cm.primary.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
