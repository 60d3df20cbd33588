package rbac

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/veloce/authz/pkg/cache"
	"github.com/veloce/authz/pkg/observability"
	"github.com/veloce/authz/pkg/storage"
)

// setupTestDB opens a migrated in-memory sqlite database
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = RunMigrations(context.Background(), db, storage.DialectSQLite, nil)
	require.NoError(t, err)
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	db        *sql.DB
	store     *Store
	hierarchy *HierarchyResolver
	cache     *cache.MemoryCache
	clock     *fakeClock
	metrics   *observability.Metrics
	resolver  *PermissionResolver
	service   *Service
}

func newTestEnv(t *testing.T, opts ...ServiceOption) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	store := NewStore(db)
	hierarchy := NewHierarchyResolver(store)
	clock := newFakeClock()
	c := cache.NewMemoryCache(cache.DefaultConfig()).WithClock(clock.Now)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	resolver := NewPermissionResolver(store, hierarchy, c, WithResolverMetrics(metrics))
	opts = append([]ServiceOption{WithServiceMetrics(metrics)}, opts...)

	return &testEnv{
		db:        db,
		store:     store,
		hierarchy: hierarchy,
		cache:     c,
		clock:     clock,
		metrics:   metrics,
		resolver:  resolver,
		service:   NewService(store, resolver, opts...),
	}
}

func (e *testEnv) mustRole(t *testing.T, name string) *Role {
	t.Helper()
	role, err := e.service.CreateRole(context.Background(), name, nil)
	require.NoError(t, err)
	return role
}

func (e *testEnv) mustPermission(t *testing.T, name string) *Permission {
	t.Helper()
	perm, err := e.service.CreatePermission(context.Background(), name, nil)
	require.NoError(t, err)
	return perm
}

func (e *testEnv) mustGrant(t *testing.T, role *Role, perm *Permission) {
	t.Helper()
	require.NoError(t, e.service.AssignPermissionToRole(context.Background(), role.ID, perm.ID))
}

func (e *testEnv) mustRank(t *testing.T, role *Role, rank int) {
	t.Helper()
	require.NoError(t, e.service.AssignRoleToRank(context.Background(), role.ID, rank))
}

func (e *testEnv) mustEdge(t *testing.T, parent, child *Role) {
	t.Helper()
	require.NoError(t, e.service.CreateHierarchyEdge(context.Background(), parent.ID, child.ID))
}

// ladder builds super_admin > admin > moderator > staff > user with one
// permission granted at each level and ranks 7, 6, 5, 3, 1 mapped.
type ladder struct {
	superAdmin, admin, moderator, staff, user         *Role
	manageRoles, manageUsers, viewUsers, viewSettings *Permission
	viewArticles                                      *Permission
}

func (e *testEnv) buildLadder(t *testing.T) ladder {
	t.Helper()

	l := ladder{
		superAdmin: e.mustRole(t, "super_admin"),
		admin:      e.mustRole(t, "admin"),
		moderator:  e.mustRole(t, "moderator"),
		staff:      e.mustRole(t, "staff"),
		user:       e.mustRole(t, "user"),

		manageRoles:  e.mustPermission(t, "MANAGE_ROLES"),
		manageUsers:  e.mustPermission(t, "MANAGE_USERS"),
		viewUsers:    e.mustPermission(t, "VIEW_USERS"),
		viewSettings: e.mustPermission(t, "VIEW_SETTINGS"),
		viewArticles: e.mustPermission(t, "VIEW_ARTICLES"),
	}

	e.mustEdge(t, l.superAdmin, l.admin)
	e.mustEdge(t, l.admin, l.moderator)
	e.mustEdge(t, l.moderator, l.staff)
	e.mustEdge(t, l.staff, l.user)

	e.mustGrant(t, l.superAdmin, l.manageRoles)
	e.mustGrant(t, l.admin, l.manageUsers)
	e.mustGrant(t, l.moderator, l.viewUsers)
	e.mustGrant(t, l.staff, l.viewSettings)
	e.mustGrant(t, l.user, l.viewArticles)

	e.mustRank(t, l.superAdmin, 7)
	e.mustRank(t, l.admin, 6)
	e.mustRank(t, l.moderator, 5)
	e.mustRank(t, l.staff, 3)
	e.mustRank(t, l.user, 1)

	return l
}
