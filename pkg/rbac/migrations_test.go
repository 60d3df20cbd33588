package rbac

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloce/authz/pkg/storage"
)

func TestGetMigrations_Ordered(t *testing.T) {
	migrations := GetMigrations()
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, "versions are contiguous")
		assert.NotEmpty(t, m.Description)
		assert.NotEmpty(t, m.Statements)
	}
}

func TestMigration_Render(t *testing.T) {
	roles := GetMigrations()[0]

	pg := strings.Join(roles.Render(storage.DialectPostgres), "\n")
	assert.Contains(t, pg, "id BIGSERIAL PRIMARY KEY")
	assert.NotContains(t, pg, "{{id}}")

	lite := strings.Join(roles.Render(storage.DialectSQLite), "\n")
	assert.Contains(t, lite, "id INTEGER PRIMARY KEY AUTOINCREMENT")
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db, err := sql.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	ctx := context.Background()

	ran, err := RunMigrations(ctx, db, storage.DialectSQLite, nil)
	require.NoError(t, err)
	assert.Equal(t, len(GetMigrations()), ran)

	ran, err = RunMigrations(ctx, db, storage.DialectSQLite, nil)
	require.NoError(t, err)
	assert.Zero(t, ran)

	applied, err := AppliedMigrations(ctx, db)
	require.NoError(t, err)
	for _, m := range GetMigrations() {
		assert.True(t, applied[m.Version], "version %d", m.Version)
	}

	for _, table := range []string{"roles", "permissions", "role_permissions", "role_ranks", "role_hierarchy"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = $1`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestRunMigrations_HierarchyRejectsSelfEdge(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	store := NewStore(db)
	role := &Role{Name: "loop", Status: StatusActive}
	require.NoError(t, store.CreateRole(ctx, role))

	err := store.AddHierarchyEdge(ctx, role.ID, role.ID)
	assert.Error(t, err)
}
