package rbac

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoleCRUD(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	desc := "edits posts"
	role := &Role{Name: "editor", Description: &desc, Status: StatusActive}
	require.NoError(t, store.CreateRole(ctx, role))
	assert.NotZero(t, role.ID)
	assert.False(t, role.CreatedAt.IsZero())

	got, err := store.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "editor", got.Name)
	require.NotNil(t, got.Description)
	assert.Equal(t, desc, *got.Description)
	assert.WithinDuration(t, role.CreatedAt, got.CreatedAt, time.Second)

	found, err := store.FindRoleByName(ctx, "editor")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, role.ID, found.ID)

	missing, err := store.FindRoleByName(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// unique index backs up the service's existence check
	err = store.CreateRole(ctx, &Role{Name: "editor", Status: StatusActive})
	assert.ErrorIs(t, err, ErrConflict)

	got.Name = "author"
	got.Description = nil
	require.NoError(t, store.UpdateRole(ctx, got))
	got, err = store.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "author", got.Name)
	assert.Nil(t, got.Description)

	count, err := store.CountRoles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.DeleteRole(ctx, role.ID))
	_, err = store.GetRole(ctx, role.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteRole(ctx, role.ID), ErrNotFound)
	assert.ErrorIs(t, store.UpdateRole(ctx, got), ErrNotFound)
}

func TestStore_PermissionCRUD(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	perm := &Permission{Name: "EDIT_POSTS", Status: StatusActive}
	require.NoError(t, store.CreatePermission(ctx, perm))

	inactive := &Permission{Name: "OLD_THING", Status: StatusInactive}
	require.NoError(t, store.CreatePermission(ctx, inactive))

	found, err := store.FindPermissionByName(ctx, "EDIT_POSTS")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, perm.ID, found.ID)

	// lookups are exact; callers normalize first
	found, err = store.FindPermissionByName(ctx, "edit_posts")
	require.NoError(t, err)
	assert.Nil(t, found)

	exists, err := store.PermissionExists(ctx, inactive.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	active, err := store.ListActivePermissions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, PermissionName("EDIT_POSTS"), active[0].Name)

	count, err := store.CountActivePermissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = store.CreatePermission(ctx, &Permission{Name: "EDIT_POSTS", Status: StatusActive})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, store.DeletePermission(ctx, perm.ID))
	_, err = store.GetPermission(ctx, perm.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Relations(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	parent := &Role{Name: "parent", Status: StatusActive}
	child := &Role{Name: "child", Status: StatusActive}
	require.NoError(t, store.CreateRole(ctx, parent))
	require.NoError(t, store.CreateRole(ctx, child))

	a := &Permission{Name: "A_PERM", Status: StatusActive}
	b := &Permission{Name: "B_PERM", Status: StatusActive}
	off := &Permission{Name: "OFF_PERM", Status: StatusInactive}
	for _, p := range []*Permission{a, b, off} {
		require.NoError(t, store.CreatePermission(ctx, p))
	}

	require.NoError(t, store.AddRolePermission(ctx, child.ID, b.ID))
	require.NoError(t, store.AddRolePermission(ctx, child.ID, off.ID))
	require.NoError(t, store.AddRolePermission(ctx, parent.ID, a.ID))
	require.NoError(t, store.AddRolePermission(ctx, parent.ID, b.ID))
	assert.ErrorIs(t, store.AddRolePermission(ctx, parent.ID, a.ID), ErrConflict)

	names, err := store.ActivePermissionNamesByRoles(ctx, []int64{parent.ID, child.ID})
	require.NoError(t, err)
	assert.Equal(t, []PermissionName{"A_PERM", "B_PERM"}, names)

	names, err = store.ActivePermissionNamesByRoles(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, names)

	assigned, err := store.IsPermissionAssigned(ctx, a.ID, []int64{child.ID})
	require.NoError(t, err)
	assert.False(t, assigned)
	assigned, err = store.IsPermissionAssigned(ctx, a.ID, []int64{child.ID, parent.ID})
	require.NoError(t, err)
	assert.True(t, assigned)
	assigned, err = store.IsPermissionAssigned(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.False(t, assigned)

	require.NoError(t, store.AddRoleRank(ctx, parent.ID, 5))
	require.NoError(t, store.AddRoleRank(ctx, child.ID, 5))
	require.NoError(t, store.AddRoleRank(ctx, child.ID, 2))
	assert.ErrorIs(t, store.AddRoleRank(ctx, child.ID, 2), ErrConflict)

	ids, err := store.RoleIDsByRank(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{parent.ID, child.ID}, ids)

	ranks, err := store.RanksByRole(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, ranks)

	require.NoError(t, store.AddHierarchyEdge(ctx, parent.ID, child.ID))
	assert.ErrorIs(t, store.AddHierarchyEdge(ctx, parent.ID, child.ID), ErrConflict)

	children, err := store.ChildRoleIDs(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{child.ID}, children)

	edges, err := store.ListHierarchy(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, parent.ID, edges[0].ParentRoleID)

	// removing the child role takes its grants, ranks and edges along
	require.NoError(t, store.DeleteRole(ctx, child.ID))
	children, err = store.ChildRoleIDs(ctx, parent.ID)
	require.NoError(t, err)
	assert.Empty(t, children)
	ids, err = store.RoleIDsByRank(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{parent.ID}, ids)

	assert.ErrorIs(t, store.RemoveRoleRank(ctx, child.ID, 2), ErrNotFound)
	assert.ErrorIs(t, store.RemoveHierarchyEdge(ctx, parent.ID, child.ID), ErrNotFound)
	assert.ErrorIs(t, store.RemoveRolePermission(ctx, child.ID, b.ID), ErrNotFound)
}

func TestStore_ReplicaServesResolverReads(t *testing.T) {
	primary := setupTestDB(t)
	replica := setupTestDB(t)
	store := NewStoreWithReplica(primary, replica)
	ctx := context.Background()

	role := &Role{Name: "editor", Status: StatusActive}
	require.NoError(t, store.CreateRole(ctx, role))
	require.NoError(t, store.AddRoleRank(ctx, role.ID, 3))

	// the replica has not caught up
	ids, err := store.RoleIDsByRank(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.Same(t, primary, NewStoreWithReplica(primary, nil).DB())
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestStore_DriverErrors(t *testing.T) {
	boom := errors.New("connection refused")
	ctx := context.Background()

	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock)
		call   func(s *Store) error
	}{
		{
			name:   "get role",
			expect: func(m sqlmock.Sqlmock) { m.ExpectQuery("SELECT .* FROM roles WHERE id").WillReturnError(boom) },
			call:   func(s *Store) error { _, err := s.GetRole(ctx, 1); return err },
		},
		{
			name:   "find permission",
			expect: func(m sqlmock.Sqlmock) { m.ExpectQuery("FROM permissions WHERE name").WillReturnError(boom) },
			call:   func(s *Store) error { _, err := s.FindPermissionByName(ctx, "X"); return err },
		},
		{
			name:   "roles by rank",
			expect: func(m sqlmock.Sqlmock) { m.ExpectQuery("SELECT role_id FROM role_ranks").WillReturnError(boom) },
			call:   func(s *Store) error { _, err := s.RoleIDsByRank(ctx, 1); return err },
		},
		{
			name: "child roles",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery("SELECT child_role_id FROM role_hierarchy").WillReturnError(boom)
			},
			call: func(s *Store) error { _, err := s.ChildRoleIDs(ctx, 1); return err },
		},
		{
			name: "delete role rolls back",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec("DELETE FROM role_permissions").WillReturnResult(sqlmock.NewResult(0, 2))
				m.ExpectExec("DELETE FROM role_ranks").WillReturnError(boom)
				m.ExpectRollback()
			},
			call: func(s *Store) error { return s.DeleteRole(ctx, 1) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tt.expect(mock)

			err := tt.call(store)
			assert.ErrorIs(t, err, boom)
			assert.False(t, IsCommandError(err), "driver errors are not command rejections")
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_PostgresUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO permissions")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.CreatePermission(context.Background(), &Permission{Name: "X_Y", Status: StatusActive})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ScanError(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"role_id"}).AddRow("not-a-number")
	mock.ExpectQuery("SELECT role_id FROM role_ranks").WillReturnRows(rows)

	_, err := store.RoleIDsByRank(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to scan id")
}

func TestStore_NotFoundIsNoRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM permissions WHERE id").WillReturnError(sql.ErrNoRows)

	_, err := store.GetPermission(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "permission 42 not found", err.Error())
}
