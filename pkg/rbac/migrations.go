package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/veloce/authz/pkg/observability"
	"github.com/veloce/authz/pkg/storage"
)

// Migration represents a database migration. Statements may use the
// {{id}} placeholder for the dialect's auto-increment primary key.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// GetMigrations returns all RBAC migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create roles table",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS roles (
					id {{id}},
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT,
					status SMALLINT NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_roles_status ON roles(status)`,
			},
		},
		{
			Version:     2,
			Description: "Create permissions table",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS permissions (
					id {{id}},
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT,
					status SMALLINT NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_permissions_status ON permissions(status)`,
			},
		},
		{
			Version:     3,
			Description: "Create role_permissions table",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (role_id, permission_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_role_permissions_permission_id ON role_permissions(permission_id)`,
			},
		},
		{
			Version:     4,
			Description: "Create role_ranks table",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS role_ranks (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					rank_id INTEGER NOT NULL,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (role_id, rank_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_role_ranks_rank_id ON role_ranks(rank_id)`,
			},
		},
		{
			Version:     5,
			Description: "Create role_hierarchy table",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS role_hierarchy (
					parent_role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					child_role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (parent_role_id, child_role_id),
					CHECK (parent_role_id <> child_role_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_role_hierarchy_child_role_id ON role_hierarchy(child_role_id)`,
			},
		},
	}
}

func idColumn(dialect storage.Dialect) string {
	if dialect == storage.DialectSQLite {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "BIGSERIAL PRIMARY KEY"
}

// Render returns the migration's statements for dialect
func (m Migration) Render(dialect storage.Dialect) []string {
	out := make([]string, len(m.Statements))
	for i, stmt := range m.Statements {
		out[i] = strings.ReplaceAll(stmt, "{{id}}", idColumn(dialect))
	}
	return out
}

// RunMigrations applies pending migrations in version order and returns
// how many ran. Each migration runs in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, dialect storage.Dialect, logger *observability.Logger) (int, error) {
	if logger == nil {
		logger = observability.Nop()
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := AppliedMigrations(ctx, db)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		logger.WithField("version", migration.Version).Infof("Running migration: %s", migration.Description)

		err := storage.WithTx(ctx, db, func(tx *sql.Tx) error {
			for _, stmt := range migration.Render(dialect) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO rbac_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
				migration.Version, migration.Description, time.Now().UTC(),
			)
			if err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return ran, err
		}
		ran++
	}

	return ran, nil
}

// AppliedMigrations returns the set of recorded migration versions
func AppliedMigrations(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
