package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veloce/authz/pkg/storage"
)

// Store handles RBAC data persistence. Writes and administrative reads go
// to the primary; the hot-path lookups used by the resolvers go to reader,
// which may be a replica.
type Store struct {
	db     *sql.DB
	reader *sql.DB
}

// NewStore creates a new RBAC store backed by a single connection pool
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, reader: db}
}

// NewStoreWithReplica creates a store that serves resolver lookups from reader
func NewStoreWithReplica(primary, reader *sql.DB) *Store {
	if reader == nil {
		reader = primary
	}
	return &Store{db: primary, reader: reader}
}

// Primary returns a view of the store whose reads all go to the primary.
// Commands that check state before writing use it so they never act on
// replica lag.
func (s *Store) Primary() *Store {
	if s.reader == s.db {
		return s
	}
	return &Store{db: s.db, reader: s.db}
}

// DB returns the primary connection pool
func (s *Store) DB() *sql.DB {
	return s.db
}

const roleColumns = `id, name, description, status, created_at, updated_at`
const permissionColumns = `id, name, description, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	var description sql.NullString
	if err := row.Scan(&role.ID, &role.Name, &description, &role.Status, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, err
	}
	if description.Valid {
		role.Description = &description.String
	}
	return &role, nil
}

func scanPermission(row rowScanner) (*Permission, error) {
	var perm Permission
	var name string
	var description sql.NullString
	if err := row.Scan(&perm.ID, &name, &description, &perm.Status, &perm.CreatedAt, &perm.UpdatedAt); err != nil {
		return nil, err
	}
	perm.Name = PermissionName(name)
	if description.Valid {
		perm.Description = &description.String
	}
	return &perm, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// Role operations

// CreateRole inserts a role. A duplicate name surfaces as a Conflict.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	query := `
		INSERT INTO roles (name, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		role.Name,
		nullString(role.Description),
		role.Status,
		now,
		now,
	).Scan(&role.ID)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return conflict(fmt.Sprintf("role %q already exists", role.Name))
		}
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundf("role %d not found", roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// FindRoleByName returns the role with the given normalized name, or nil
// if there is none
func (s *Store) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE name = $1`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find role by name: %w", err)
	}
	return role, nil
}

// RoleExists reports whether a role row exists
func (s *Store) RoleExists(ctx context.Context, roleID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, roleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check role: %w", err)
	}
	return exists, nil
}

// ListRoles returns one page of roles ordered by name
func (s *Store) ListRoles(ctx context.Context, limit, offset int) ([]Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles ORDER BY name LIMIT $1 OFFSET $2`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return roles, nil
}

// CountRoles returns the total number of roles
func (s *Store) CountRoles(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count roles: %w", err)
	}
	return n, nil
}

// UpdateRole persists name, description and status
func (s *Store) UpdateRole(ctx context.Context, role *Role) error {
	query := `
		UPDATE roles
		SET name = $1, description = $2, status = $3, updated_at = $4
		WHERE id = $5
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, role.Name, nullString(role.Description), role.Status, now, role.ID)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return conflict(fmt.Sprintf("role %q already exists", role.Name))
		}
		return fmt.Errorf("failed to update role: %w", err)
	}
	if err := requireAffected(result, notFoundf("role %d not found", role.ID)); err != nil {
		return err
	}

	role.UpdatedAt = now
	return nil
}

// DeleteRole removes a role together with every assignment and hierarchy
// edge that references it
func (s *Store) DeleteRole(ctx context.Context, roleID int64) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		cascades := []struct {
			query string
			args  []interface{}
		}{
			{`DELETE FROM role_permissions WHERE role_id = $1`, []interface{}{roleID}},
			{`DELETE FROM role_ranks WHERE role_id = $1`, []interface{}{roleID}},
			{`DELETE FROM role_hierarchy WHERE parent_role_id = $1 OR child_role_id = $2`, []interface{}{roleID, roleID}},
		}
		for _, c := range cascades {
			if _, err := tx.ExecContext(ctx, c.query, c.args...); err != nil {
				return fmt.Errorf("failed to delete role assignments: %w", err)
			}
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
		if err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		return requireAffected(result, notFoundf("role %d not found", roleID))
	})
}

// Permission operations

// CreatePermission inserts a permission. A duplicate name surfaces as a Conflict.
func (s *Store) CreatePermission(ctx context.Context, perm *Permission) error {
	query := `
		INSERT INTO permissions (name, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		perm.Name.String(),
		nullString(perm.Description),
		perm.Status,
		now,
		now,
	).Scan(&perm.ID)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return conflict(fmt.Sprintf("permission %q already exists", perm.Name))
		}
		return fmt.Errorf("failed to create permission: %w", err)
	}

	perm.CreatedAt = now
	perm.UpdatedAt = now
	return nil
}

// GetPermission retrieves a permission by ID
func (s *Store) GetPermission(ctx context.Context, permissionID int64) (*Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE id = $1`

	perm, err := scanPermission(s.db.QueryRowContext(ctx, query, permissionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundf("permission %d not found", permissionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return perm, nil
}

// FindPermissionByName returns the permission with the given name, or nil
// if there is none. Names are stored upper-case so the lookup is exact.
func (s *Store) FindPermissionByName(ctx context.Context, name PermissionName) (*Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE name = $1`

	perm, err := scanPermission(s.reader.QueryRowContext(ctx, query, name.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find permission by name: %w", err)
	}
	return perm, nil
}

// PermissionExists reports whether a permission row exists
func (s *Store) PermissionExists(ctx context.Context, permissionID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM permissions WHERE id = $1)`, permissionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check permission: %w", err)
	}
	return exists, nil
}

// ListActivePermissions returns one page of active permissions ordered by name
func (s *Store) ListActivePermissions(ctx context.Context, limit, offset int) ([]Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE status = $1 ORDER BY name LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, StatusActive, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, *perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	return perms, nil
}

// CountActivePermissions returns the number of active permissions
func (s *Store) CountActivePermissions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM permissions WHERE status = $1`, StatusActive).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count permissions: %w", err)
	}
	return n, nil
}

// UpdatePermission persists name, description and status
func (s *Store) UpdatePermission(ctx context.Context, perm *Permission) error {
	query := `
		UPDATE permissions
		SET name = $1, description = $2, status = $3, updated_at = $4
		WHERE id = $5
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, perm.Name.String(), nullString(perm.Description), perm.Status, now, perm.ID)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return conflict(fmt.Sprintf("permission %q already exists", perm.Name))
		}
		return fmt.Errorf("failed to update permission: %w", err)
	}
	if err := requireAffected(result, notFoundf("permission %d not found", perm.ID)); err != nil {
		return err
	}

	perm.UpdatedAt = now
	return nil
}

// DeletePermission removes a permission and its role grants
func (s *Store) DeletePermission(ctx context.Context, permissionID int64) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE permission_id = $1`, permissionID); err != nil {
			return fmt.Errorf("failed to delete permission grants: %w", err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM permissions WHERE id = $1`, permissionID)
		if err != nil {
			return fmt.Errorf("failed to delete permission: %w", err)
		}
		return requireAffected(result, notFoundf("permission %d not found", permissionID))
	})
}

// Role <-> Permission

// AddRolePermission grants a permission directly to a role
func (s *Store) AddRolePermission(ctx context.Context, roleID, permissionID int64) error {
	query := `INSERT INTO role_permissions (role_id, permission_id, created_at) VALUES ($1, $2, $3)`

	if _, err := s.db.ExecContext(ctx, query, roleID, permissionID, time.Now().UTC()); err != nil {
		if storage.IsUniqueViolation(err) {
			return conflict("permission is already assigned to this role")
		}
		return fmt.Errorf("failed to assign permission to role: %w", err)
	}
	return nil
}

// RolePermissionExists reports whether the grant exists
func (s *Store) RolePermissionExists(ctx context.Context, roleID, permissionID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM role_permissions WHERE role_id = $1 AND permission_id = $2)`
	if err := s.db.QueryRowContext(ctx, query, roleID, permissionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check role permission: %w", err)
	}
	return exists, nil
}

// RemoveRolePermission revokes a direct grant
func (s *Store) RemoveRolePermission(ctx context.Context, roleID, permissionID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to revoke permission: %w", err)
	}
	return requireAffected(result, notFound("permission is not assigned to this role"))
}

// IsPermissionAssigned reports whether permissionID is granted to any of roleIDs
func (s *Store) IsPermissionAssigned(ctx context.Context, permissionID int64, roleIDs []int64) (bool, error) {
	if len(roleIDs) == 0 {
		return false, nil
	}

	query := `SELECT EXISTS (SELECT 1 FROM role_permissions WHERE permission_id = $1 AND role_id IN (` +
		storage.Placeholders(2, len(roleIDs)) + `))`
	args := append([]interface{}{permissionID}, storage.Int64Args(roleIDs)...)

	var assigned bool
	if err := s.reader.QueryRowContext(ctx, query, args...).Scan(&assigned); err != nil {
		return false, fmt.Errorf("failed to check permission assignment: %w", err)
	}
	return assigned, nil
}

// ActivePermissionNamesByRoles returns the distinct names of active
// permissions granted to any of roleIDs, ordered by name
func (s *Store) ActivePermissionNamesByRoles(ctx context.Context, roleIDs []int64) ([]PermissionName, error) {
	if len(roleIDs) == 0 {
		return []PermissionName{}, nil
	}

	query := `
		SELECT DISTINCT p.name
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE p.status = $1 AND rp.role_id IN (` + storage.Placeholders(2, len(roleIDs)) + `)
		ORDER BY p.name
	`
	args := append([]interface{}{StatusActive}, storage.Int64Args(roleIDs)...)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions for roles: %w", err)
	}
	defer rows.Close()

	names := []PermissionName{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan permission name: %w", err)
		}
		names = append(names, PermissionName(name))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list permissions for roles: %w", err)
	}
	return names, nil
}

// Role <-> Rank

// AddRoleRank maps a rank to a role
func (s *Store) AddRoleRank(ctx context.Context, roleID int64, rank int) error {
	query := `INSERT INTO role_ranks (role_id, rank_id, created_at) VALUES ($1, $2, $3)`

	if _, err := s.db.ExecContext(ctx, query, roleID, rank, time.Now().UTC()); err != nil {
		if storage.IsUniqueViolation(err) {
			return conflict("role is already assigned to this rank")
		}
		return fmt.Errorf("failed to assign role to rank: %w", err)
	}
	return nil
}

// RoleRankExists reports whether the rank is mapped to the role
func (s *Store) RoleRankExists(ctx context.Context, roleID int64, rank int) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM role_ranks WHERE role_id = $1 AND rank_id = $2)`
	if err := s.db.QueryRowContext(ctx, query, roleID, rank).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check role rank: %w", err)
	}
	return exists, nil
}

// RemoveRoleRank unmaps a rank from a role
func (s *Store) RemoveRoleRank(ctx context.Context, roleID int64, rank int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM role_ranks WHERE role_id = $1 AND rank_id = $2`, roleID, rank)
	if err != nil {
		return fmt.Errorf("failed to unassign role from rank: %w", err)
	}
	return requireAffected(result, notFound("role is not assigned to this rank"))
}

// RoleIDsByRank returns the roles directly mapped to rank
func (s *Store) RoleIDsByRank(ctx context.Context, rank int) ([]int64, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT role_id FROM role_ranks WHERE rank_id = $1 ORDER BY role_id`, rank)
	if err != nil {
		return nil, fmt.Errorf("failed to get roles for rank: %w", err)
	}
	return scanIDs(rows)
}

// RanksByRole returns the ranks mapped to a role
func (s *Store) RanksByRole(ctx context.Context, roleID int64) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rank_id FROM role_ranks WHERE role_id = $1 ORDER BY rank_id`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get ranks for role: %w", err)
	}
	defer rows.Close()

	ranks := []int{}
	for rows.Next() {
		var rank int
		if err := rows.Scan(&rank); err != nil {
			return nil, fmt.Errorf("failed to scan rank: %w", err)
		}
		ranks = append(ranks, rank)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get ranks for role: %w", err)
	}
	return ranks, nil
}

// MappedRanks returns every rank with at least one role
func (s *Store) MappedRanks(ctx context.Context) ([]int, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT DISTINCT rank_id FROM role_ranks ORDER BY rank_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mapped ranks: %w", err)
	}
	defer rows.Close()

	ranks := []int{}
	for rows.Next() {
		var rank int
		if err := rows.Scan(&rank); err != nil {
			return nil, fmt.Errorf("failed to scan rank: %w", err)
		}
		ranks = append(ranks, rank)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list mapped ranks: %w", err)
	}
	return ranks, nil
}

// Role hierarchy

// AddHierarchyEdge persists parent -> child. Cycle checks are the caller's job.
func (s *Store) AddHierarchyEdge(ctx context.Context, parentRoleID, childRoleID int64) error {
	query := `INSERT INTO role_hierarchy (parent_role_id, child_role_id, created_at) VALUES ($1, $2, $3)`

	if _, err := s.db.ExecContext(ctx, query, parentRoleID, childRoleID, time.Now().UTC()); err != nil {
		if storage.IsUniqueViolation(err) {
			return conflict("hierarchy relationship already exists")
		}
		return fmt.Errorf("failed to create hierarchy edge: %w", err)
	}
	return nil
}

// HierarchyEdgeExists reports whether parent -> child is stored
func (s *Store) HierarchyEdgeExists(ctx context.Context, parentRoleID, childRoleID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM role_hierarchy WHERE parent_role_id = $1 AND child_role_id = $2)`
	if err := s.reader.QueryRowContext(ctx, query, parentRoleID, childRoleID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check hierarchy edge: %w", err)
	}
	return exists, nil
}

// RemoveHierarchyEdge deletes parent -> child
func (s *Store) RemoveHierarchyEdge(ctx context.Context, parentRoleID, childRoleID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM role_hierarchy WHERE parent_role_id = $1 AND child_role_id = $2`, parentRoleID, childRoleID)
	if err != nil {
		return fmt.Errorf("failed to delete hierarchy edge: %w", err)
	}
	return requireAffected(result, notFound("hierarchy relationship does not exist"))
}

// ChildRoleIDs returns the direct children of parentRoleID
func (s *Store) ChildRoleIDs(ctx context.Context, parentRoleID int64) ([]int64, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT child_role_id FROM role_hierarchy WHERE parent_role_id = $1 ORDER BY child_role_id`, parentRoleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get child roles: %w", err)
	}
	return scanIDs(rows)
}

// ListHierarchy returns every hierarchy edge
func (s *Store) ListHierarchy(ctx context.Context) ([]RoleHierarchy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT parent_role_id, child_role_id, created_at FROM role_hierarchy ORDER BY parent_role_id, child_role_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list hierarchy: %w", err)
	}
	defer rows.Close()

	edges := []RoleHierarchy{}
	for rows.Next() {
		var e RoleHierarchy
		if err := rows.Scan(&e.ParentRoleID, &e.ChildRoleID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan hierarchy edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list hierarchy: %w", err)
	}
	return edges, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ids: %w", err)
	}
	return ids, nil
}

func requireAffected(result sql.Result, missing error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}
