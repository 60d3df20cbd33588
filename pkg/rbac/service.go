package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/veloce/authz/pkg/observability"
)

// InvalidationMode controls how much of the decision cache a mutation evicts
type InvalidationMode string

const (
	// InvalidationRank evicts only the permission set of a rank whose role
	// mapping changed. Every other cached answer expires with its TTL.
	InvalidationRank InvalidationMode = "rank"
	// InvalidationFull evicts every cached answer a mutation can affect
	InvalidationFull InvalidationMode = "full"
)

// ParseInvalidationMode parses "rank" or "full"; empty means rank
func ParseInvalidationMode(s string) (InvalidationMode, error) {
	switch InvalidationMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", InvalidationRank:
		return InvalidationRank, nil
	case InvalidationFull:
		return InvalidationFull, nil
	default:
		return "", fmt.Errorf("unknown invalidation mode %q", s)
	}
}

// Pagination defaults for list commands
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithInvalidationMode sets the cache invalidation mode
func WithInvalidationMode(mode InvalidationMode) ServiceOption {
	return func(s *Service) { s.mode = mode }
}

// WithServiceMetrics records administrative commands
func WithServiceMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithServiceLogger sets the logger for mutations
func WithServiceLogger(l *observability.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service runs administrative commands. Each command validates its input
// and returns a *CommandError (NotFound, Conflict, Validation) for
// rejected requests; any other error is an infrastructure failure.
type Service struct {
	store     *Store
	hierarchy *HierarchyResolver
	resolver  *PermissionResolver
	mode      InvalidationMode
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// NewService creates the command service. Its reads, cycle checks
// included, go to the store's primary.
func NewService(store *Store, resolver *PermissionResolver, opts ...ServiceOption) *Service {
	primary := store.Primary()
	s := &Service{
		store:     primary,
		hierarchy: NewHierarchyResolver(primary),
		resolver:  resolver,
		mode:      InvalidationRank,
		logger:    observability.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolver returns the permission resolver the service invalidates
func (s *Service) Resolver() *PermissionResolver {
	return s.resolver
}

func (s *Service) done(ctx context.Context, operation string, err error, fields map[string]interface{}) {
	s.metrics.RecordMutation(operation, err)

	logger := s.logger.WithField("operation", operation).WithFields(fields)
	if requestID := observability.GetRequestID(ctx); requestID != "" {
		logger = logger.WithField("request_id", requestID)
	}

	switch {
	case err == nil:
		logger.Info("rbac mutation applied")
	case IsCommandError(err):
		logger.WithError(err).Debug("rbac mutation rejected")
	default:
		logger.WithError(err).Error("rbac mutation failed")
	}
}

// Roles

// CreateRole creates an active role. Names are trimmed and lower-cased.
func (s *Service) CreateRole(ctx context.Context, name string, description *string) (role *Role, err error) {
	name = NormalizeRoleName(name)
	defer func() { s.done(ctx, "create_role", err, map[string]interface{}{"role": name}) }()

	if err := validateRoleName(name); err != nil {
		return nil, err
	}
	desc, err := normalizeDescription(description)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.FindRoleByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, conflict(fmt.Sprintf("role %q already exists", name))
	}

	role = &Role{Name: name, Description: desc, Status: StatusActive}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// GetRole returns a role or NotFound
func (s *Service) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	return s.store.GetRole(ctx, roleID)
}

// ListRoles returns one page of roles ordered by name
func (s *Service) ListRoles(ctx context.Context, page, perPage int) (Page[Role], error) {
	page, perPage = normalizePage(page, perPage)

	total, err := s.store.CountRoles(ctx)
	if err != nil {
		return Page[Role]{}, err
	}
	roles, err := s.store.ListRoles(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return Page[Role]{}, err
	}
	return newPage(roles, total, page, perPage), nil
}

// RenameRole changes a role's name, rejecting collisions
func (s *Service) RenameRole(ctx context.Context, roleID int64, name string) (role *Role, err error) {
	name = NormalizeRoleName(name)
	defer func() { s.done(ctx, "rename_role", err, map[string]interface{}{"role_id": roleID, "role": name}) }()

	if err := validateRoleName(name); err != nil {
		return nil, err
	}

	role, err = s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.Name == name {
		return role, nil
	}

	existing, err := s.store.FindRoleByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, conflict(fmt.Sprintf("role %q already exists", name))
	}

	role.Name = name
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// SetRoleDescription replaces a role's description; nil or blank clears it
func (s *Service) SetRoleDescription(ctx context.Context, roleID int64, description *string) (role *Role, err error) {
	defer func() { s.done(ctx, "describe_role", err, map[string]interface{}{"role_id": roleID}) }()

	desc, err := normalizeDescription(description)
	if err != nil {
		return nil, err
	}
	role, err = s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}

	role.Description = desc
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// SetRoleStatus activates or deactivates a role
func (s *Service) SetRoleStatus(ctx context.Context, roleID int64, status Status) (role *Role, err error) {
	defer func() {
		s.done(ctx, "set_role_status", err, map[string]interface{}{"role_id": roleID, "status": status})
	}()

	if err := status.Validate(); err != nil {
		return nil, err
	}
	role, err = s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.Status == status {
		return role, nil
	}

	role.Status = status
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}
	s.invalidateAll(ctx)
	return role, nil
}

// DeleteRole removes a role and every assignment referencing it
func (s *Service) DeleteRole(ctx context.Context, roleID int64) (err error) {
	defer func() { s.done(ctx, "delete_role", err, map[string]interface{}{"role_id": roleID}) }()

	ranks, err := s.store.RanksByRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}

	for _, rank := range ranks {
		s.invalidateRank(ctx, rank)
	}
	s.invalidateAll(ctx)
	return nil
}

// Permissions

// CreatePermission creates an active permission. Names are trimmed and
// upper-cased, then must match ^[A-Z][A-Z0-9_]*$.
func (s *Service) CreatePermission(ctx context.Context, name string, description *string) (perm *Permission, err error) {
	normalized := NewPermissionName(name)
	defer func() {
		s.done(ctx, "create_permission", err, map[string]interface{}{"permission": normalized.String()})
	}()

	if err := normalized.Validate(); err != nil {
		return nil, err
	}
	desc, err := normalizeDescription(description)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.FindPermissionByName(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, conflict(fmt.Sprintf("permission %q already exists", normalized))
	}

	perm = &Permission{Name: normalized, Description: desc, Status: StatusActive}
	if err := s.store.CreatePermission(ctx, perm); err != nil {
		return nil, err
	}
	// a permission that used to be unknown was cached as fail-open
	s.invalidateAll(ctx)
	return perm, nil
}

// GetPermission returns a permission or NotFound
func (s *Service) GetPermission(ctx context.Context, permissionID int64) (*Permission, error) {
	return s.store.GetPermission(ctx, permissionID)
}

// ListPermissions returns one page of active permissions ordered by name
func (s *Service) ListPermissions(ctx context.Context, page, perPage int) (Page[Permission], error) {
	page, perPage = normalizePage(page, perPage)

	total, err := s.store.CountActivePermissions(ctx)
	if err != nil {
		return Page[Permission]{}, err
	}
	perms, err := s.store.ListActivePermissions(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return Page[Permission]{}, err
	}
	return newPage(perms, total, page, perPage), nil
}

// RenamePermission changes a permission's name, rejecting collisions
func (s *Service) RenamePermission(ctx context.Context, permissionID int64, name string) (perm *Permission, err error) {
	normalized := NewPermissionName(name)
	defer func() {
		s.done(ctx, "rename_permission", err, map[string]interface{}{"permission_id": permissionID, "permission": normalized.String()})
	}()

	if err := normalized.Validate(); err != nil {
		return nil, err
	}

	perm, err = s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	if perm.Name == normalized {
		return perm, nil
	}

	existing, err := s.store.FindPermissionByName(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, conflict(fmt.Sprintf("permission %q already exists", normalized))
	}

	perm.Name = normalized
	if err := s.store.UpdatePermission(ctx, perm); err != nil {
		return nil, err
	}
	s.invalidateAll(ctx)
	return perm, nil
}

// SetPermissionDescription replaces a permission's description
func (s *Service) SetPermissionDescription(ctx context.Context, permissionID int64, description *string) (perm *Permission, err error) {
	defer func() { s.done(ctx, "describe_permission", err, map[string]interface{}{"permission_id": permissionID}) }()

	desc, err := normalizeDescription(description)
	if err != nil {
		return nil, err
	}
	perm, err = s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return nil, err
	}

	perm.Description = desc
	if err := s.store.UpdatePermission(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// SetPermissionStatus activates or deactivates a permission. An inactive
// permission no longer gates anything.
func (s *Service) SetPermissionStatus(ctx context.Context, permissionID int64, status Status) (perm *Permission, err error) {
	defer func() {
		s.done(ctx, "set_permission_status", err, map[string]interface{}{"permission_id": permissionID, "status": status})
	}()

	if err := status.Validate(); err != nil {
		return nil, err
	}
	perm, err = s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	if perm.Status == status {
		return perm, nil
	}

	perm.Status = status
	if err := s.store.UpdatePermission(ctx, perm); err != nil {
		return nil, err
	}
	s.invalidateAll(ctx)
	return perm, nil
}

// DeletePermission removes a permission and its grants
func (s *Service) DeletePermission(ctx context.Context, permissionID int64) (err error) {
	defer func() { s.done(ctx, "delete_permission", err, map[string]interface{}{"permission_id": permissionID}) }()

	if err := s.store.DeletePermission(ctx, permissionID); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// Assignments

// AssignPermissionToRole grants a permission directly to a role
func (s *Service) AssignPermissionToRole(ctx context.Context, roleID, permissionID int64) (err error) {
	defer func() {
		s.done(ctx, "assign_permission", err, map[string]interface{}{"role_id": roleID, "permission_id": permissionID})
	}()

	if err := s.requireRole(ctx, roleID); err != nil {
		return err
	}
	if err := s.requirePermission(ctx, permissionID); err != nil {
		return err
	}

	exists, err := s.store.RolePermissionExists(ctx, roleID, permissionID)
	if err != nil {
		return err
	}
	if exists {
		return conflict("permission is already assigned to this role")
	}

	if err := s.store.AddRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// RevokePermissionFromRole removes a direct grant
func (s *Service) RevokePermissionFromRole(ctx context.Context, roleID, permissionID int64) (err error) {
	defer func() {
		s.done(ctx, "revoke_permission", err, map[string]interface{}{"role_id": roleID, "permission_id": permissionID})
	}()

	if err := s.store.RemoveRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// AssignRoleToRank maps rank to a role and evicts the rank's cached
// permission set
func (s *Service) AssignRoleToRank(ctx context.Context, roleID int64, rank int) (err error) {
	defer func() { s.done(ctx, "assign_role", err, map[string]interface{}{"role_id": roleID, "rank_id": rank}) }()

	if err := s.requireRole(ctx, roleID); err != nil {
		return err
	}

	exists, err := s.store.RoleRankExists(ctx, roleID, rank)
	if err != nil {
		return err
	}
	if exists {
		return conflict("role is already assigned to this rank")
	}

	if err := s.store.AddRoleRank(ctx, roleID, rank); err != nil {
		return err
	}
	s.invalidateRank(ctx, rank)
	return nil
}

// UnassignRoleFromRank removes a rank mapping and evicts the rank's
// cached permission set
func (s *Service) UnassignRoleFromRank(ctx context.Context, roleID int64, rank int) (err error) {
	defer func() { s.done(ctx, "unassign_role", err, map[string]interface{}{"role_id": roleID, "rank_id": rank}) }()

	if err := s.store.RemoveRoleRank(ctx, roleID, rank); err != nil {
		return err
	}
	s.invalidateRank(ctx, rank)
	return nil
}

// CreateHierarchyEdge makes parent inherit child's permissions. Rejected
// when either role is missing, the edge exists, or it would close a cycle.
func (s *Service) CreateHierarchyEdge(ctx context.Context, parentRoleID, childRoleID int64) (err error) {
	defer func() {
		s.done(ctx, "create_hierarchy", err, map[string]interface{}{"parent_role_id": parentRoleID, "child_role_id": childRoleID})
	}()

	if err := s.requireRole(ctx, parentRoleID); err != nil {
		return err
	}
	if err := s.requireRole(ctx, childRoleID); err != nil {
		return err
	}

	cycle, err := s.hierarchy.WouldCreateCycle(ctx, parentRoleID, childRoleID)
	if err != nil {
		return err
	}
	if cycle {
		return conflict("would create a cycle")
	}

	exists, err := s.hierarchy.EdgeExists(ctx, parentRoleID, childRoleID)
	if err != nil {
		return err
	}
	if exists {
		return conflict("hierarchy relationship already exists")
	}

	if err := s.store.AddHierarchyEdge(ctx, parentRoleID, childRoleID); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// ListHierarchy returns every hierarchy edge
func (s *Service) ListHierarchy(ctx context.Context) ([]RoleHierarchy, error) {
	return s.store.ListHierarchy(ctx)
}

// DeleteHierarchyEdge removes parent -> child
func (s *Service) DeleteHierarchyEdge(ctx context.Context, parentRoleID, childRoleID int64) (err error) {
	defer func() {
		s.done(ctx, "delete_hierarchy", err, map[string]interface{}{"parent_role_id": parentRoleID, "child_role_id": childRoleID})
	}()

	if err := s.store.RemoveHierarchyEdge(ctx, parentRoleID, childRoleID); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// Queries

// HasPermission delegates to the resolver
func (s *Service) HasPermission(ctx context.Context, rank int, name PermissionName) (bool, error) {
	return s.resolver.HasPermission(ctx, rank, name)
}

// Check delegates to the resolver
func (s *Service) Check(ctx context.Context, check PermissionCheck) (PermissionCheckResult, error) {
	return s.resolver.Check(ctx, check)
}

// MyPermissions returns the active permission names held by rank
func (s *Service) MyPermissions(ctx context.Context, rank int) ([]PermissionName, error) {
	return s.resolver.GetPermissionsForRank(ctx, rank)
}

// PermissionsForRank is MyPermissions for an arbitrary rank
func (s *Service) PermissionsForRank(ctx context.Context, rank int) ([]PermissionName, error) {
	return s.resolver.GetPermissionsForRank(ctx, rank)
}

func (s *Service) requireRole(ctx context.Context, roleID int64) error {
	exists, err := s.store.RoleExists(ctx, roleID)
	if err != nil {
		return err
	}
	if !exists {
		return notFoundf("role %d not found", roleID)
	}
	return nil
}

func (s *Service) requirePermission(ctx context.Context, permissionID int64) error {
	exists, err := s.store.PermissionExists(ctx, permissionID)
	if err != nil {
		return err
	}
	if !exists {
		return notFoundf("permission %d not found", permissionID)
	}
	return nil
}

// invalidateRank runs after a rank's role mapping changed. The write has
// already committed, so a cache failure is logged and left to the TTL.
func (s *Service) invalidateRank(ctx context.Context, rank int) {
	if s.resolver == nil {
		return
	}

	var err error
	if s.mode == InvalidationFull {
		err = s.resolver.PurgeRank(ctx, rank)
	} else {
		err = s.resolver.InvalidateRank(ctx, rank)
	}
	if err != nil {
		s.logger.WithError(err).WithField("rank", rank).Warn("cache invalidation failed; entries expire with their TTL")
	}
}

// invalidateAll runs after a mutation whose affected ranks are not
// tracked. Only full mode evicts anything.
func (s *Service) invalidateAll(ctx context.Context) {
	if s.resolver == nil || s.mode != InvalidationFull {
		return
	}
	if err := s.resolver.PurgeAll(ctx); err != nil {
		s.logger.WithError(err).Warn("cache invalidation failed; entries expire with their TTL")
	}
}

func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return page, perPage
}
