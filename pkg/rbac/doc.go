// Package rbac resolves what a rank is allowed to do.
//
// # Overview
//
// Users carry an integer rank owned by the identity system. Ranks map to
// roles, roles hold permissions directly, and roles inherit from other
// roles through a directed hierarchy. A rank holds a permission when any
// role reachable from its mapped roles was granted it.
//
//	rank 7 -> super_admin -> admin -> moderator -> staff -> user
//	                |           |
//	          MANAGE_ROLES  MANAGE_USERS ...
//
// # Components
//
//   - Store: SQL persistence for roles, permissions, grants, rank
//     mappings and hierarchy edges (postgres via lib/pq or pgx, sqlite
//     for development and tests).
//   - HierarchyResolver: breadth-first closure over the hierarchy with a
//     visited set, plus cycle detection for new edges.
//   - PermissionResolver: answers HasPermission and GetPermissionsForRank
//     through a TTL cache (30 minutes by default).
//   - Service: administrative commands (create, assign, link, rename,
//     delete, seed) returning *CommandError for rejected input.
//   - PermissionMiddleware and Handlers: the HTTP gate and the admin API.
//
// # Decision policy
//
// HasPermission(rank, name) evaluates, in order:
//
//  1. blank name                 -> allowed
//  2. cached answer              -> returned as is
//  3. permission not defined     -> allowed (fail-open)
//  4. permission inactive        -> allowed (fail-open)
//  5. rank has no roles          -> denied
//  6. granted to a role in the closure of the rank's roles -> allowed
//  7. otherwise                  -> denied
//
// Fail-open outcomes are logged at INFO with fail_open=true and counted
// under the fail_open outcome. Store or cache failures are returned as
// errors; the HTTP gate turns them into 500 rather than a decision.
//
// # Cache consistency
//
// Answers may be stale for up to the TTL. In the default "rank"
// invalidation mode only a rank's role mapping change evicts anything
// (that rank's permission set). The "full" mode additionally evicts the
// rank's cached checks on mapping changes and purges every rank after
// grant, hierarchy, status, rename and delete commands.
//
// # Usage
//
//	store := rbac.NewStore(db)
//	hierarchy := rbac.NewHierarchyResolver(store)
//	resolver := rbac.NewPermissionResolver(store, hierarchy, c)
//	svc := rbac.NewService(store, resolver)
//
//	gate := rbac.NewPermissionMiddleware(resolver, logger)
//	router.Handle("/users", gate.RequirePermission(rbac.MustPermissionName("MANAGE_USERS"))(handler))
package rbac
