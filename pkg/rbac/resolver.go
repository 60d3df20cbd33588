package rbac

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/veloce/authz/pkg/async"
	"github.com/veloce/authz/pkg/cache"
	"github.com/veloce/authz/pkg/observability"
)

// DefaultCacheTTL is how long a computed decision is served from cache
const DefaultCacheTTL = 30 * time.Minute

// Reasons attached to a decision
const (
	ReasonNoPermissionRequired = "no_permission_required"
	ReasonUnknownPermission    = "unknown_permission"
	ReasonInactivePermission   = "inactive_permission"
	ReasonNoRoles              = "rank_has_no_roles"
	ReasonGranted              = "granted"
	ReasonNotGranted           = "not_granted"
)

// PermissionReader is the store surface the permission resolver reads
type PermissionReader interface {
	FindPermissionByName(ctx context.Context, name PermissionName) (*Permission, error)
	RoleIDsByRank(ctx context.Context, rank int) ([]int64, error)
	IsPermissionAssigned(ctx context.Context, permissionID int64, roleIDs []int64) (bool, error)
	ActivePermissionNamesByRoles(ctx context.Context, roleIDs []int64) ([]PermissionName, error)
}

// ResolverOption configures a PermissionResolver
type ResolverOption func(*PermissionResolver)

// WithCacheTTL overrides DefaultCacheTTL
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *PermissionResolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithResolverMetrics records decisions and cache behaviour
func WithResolverMetrics(m *observability.Metrics) ResolverOption {
	return func(r *PermissionResolver) { r.metrics = m }
}

// WithResolverLogger sets the logger used for fail-open and cache events
func WithResolverLogger(l *observability.Logger) ResolverOption {
	return func(r *PermissionResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// PermissionResolver answers whether a rank holds a permission.
//
// Unknown and inactive permissions are ALLOWED (fail-open): a gate naming
// a permission nobody defined, or one that was retired, is not enforced.
// Store and cache failures are returned as errors and never turned into
// a decision.
//
// Decisions are cached per (rank, permission) and permission sets per
// rank, both for the configured TTL. Only the caller-driven invalidation
// methods evict early; everything else relies on expiry.
type PermissionResolver struct {
	store     PermissionReader
	hierarchy *HierarchyResolver
	cache     cache.Cache
	ttl       time.Duration
	group     singleflight.Group
	metrics   *observability.Metrics
	logger    *observability.Logger
	tracer    trace.Tracer
}

// NewPermissionResolver creates a resolver
func NewPermissionResolver(store PermissionReader, hierarchy *HierarchyResolver, c cache.Cache, opts ...ResolverOption) *PermissionResolver {
	r := &PermissionResolver{
		store:     store,
		hierarchy: hierarchy,
		cache:     c,
		ttl:       DefaultCacheTTL,
		logger:    observability.Nop(),
		tracer:    observability.Tracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

const rankKeyPrefix = "rank:"

func rankPrefix(rank int) string {
	return rankKeyPrefix + strconv.Itoa(rank) + ":"
}

func checkKey(rank int, name PermissionName) string {
	sum := blake3.Sum256([]byte(name))
	return rankPrefix(rank) + "check:" + hex.EncodeToString(sum[:16])
}

func permissionsKey(rank int) string {
	return rankPrefix(rank) + "permissions"
}

// HasPermission reports whether rank holds name
func (r *PermissionResolver) HasPermission(ctx context.Context, rank int, name PermissionName) (bool, error) {
	d, err := r.check(ctx, rank, name)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Check is HasPermission with the reason for the outcome
func (r *PermissionResolver) Check(ctx context.Context, check PermissionCheck) (PermissionCheckResult, error) {
	d, err := r.check(ctx, check.Rank, check.Permission)
	if err != nil {
		return PermissionCheckResult{}, err
	}
	return PermissionCheckResult{
		Allowed:   d.Allowed,
		Reason:    d.Reason,
		CheckedAt: time.Now().UTC(),
	}, nil
}

func (r *PermissionResolver) check(ctx context.Context, rank int, name PermissionName) (decision, error) {
	// callers may pass raw conversions; lookups and cache keys use the stored form
	name = NewPermissionName(string(name))
	if name.IsEmpty() {
		r.metrics.RecordDecision(observability.OutcomeAllowed)
		return decision{Allowed: true, Reason: ReasonNoPermissionRequired}, nil
	}

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "rbac.HasPermission", trace.WithAttributes(
		attribute.Int("rbac.rank", rank),
		attribute.String("rbac.permission", name.String()),
	))
	defer span.End()
	defer func() { r.metrics.ObserveResolution("has_permission", time.Since(start)) }()

	key := checkKey(rank, name)

	var d decision
	hit, err := r.cacheGet(ctx, "check", key, &d)
	if err != nil {
		return decision{}, r.fail(span, "has_permission", err)
	}

	if !hit {
		v, err := r.shared(ctx, key, func(ctx context.Context) (interface{}, error) {
			computed, err := r.computeDecision(ctx, rank, name)
			if err != nil {
				return decision{}, err
			}
			r.cacheSet(ctx, key, computed)
			return computed, nil
		})
		if err != nil {
			return decision{}, r.fail(span, "has_permission", err)
		}
		d = v.(decision)
	}

	span.SetAttributes(
		attribute.Bool("rbac.allowed", d.Allowed),
		attribute.String("rbac.reason", d.Reason),
		attribute.Bool("rbac.cache_hit", hit),
	)
	r.metrics.RecordDecision(outcome(d))
	return d, nil
}

func outcome(d decision) string {
	switch {
	case d.Reason == ReasonUnknownPermission || d.Reason == ReasonInactivePermission:
		return observability.OutcomeFailOpen
	case d.Allowed:
		return observability.OutcomeAllowed
	default:
		return observability.OutcomeDenied
	}
}

func (r *PermissionResolver) computeDecision(ctx context.Context, rank int, name PermissionName) (decision, error) {
	perm, err := r.store.FindPermissionByName(ctx, name)
	if err != nil {
		return decision{}, err
	}

	if perm == nil {
		r.logger.WithFields(map[string]interface{}{
			"rank":       rank,
			"permission": name.String(),
			"fail_open":  true,
		}).Info("permission is not defined; allowing")
		return decision{Allowed: true, Reason: ReasonUnknownPermission}, nil
	}
	if !perm.IsActive() {
		r.logger.WithFields(map[string]interface{}{
			"rank":       rank,
			"permission": name.String(),
			"fail_open":  true,
		}).Info("permission is inactive; allowing")
		return decision{Allowed: true, Reason: ReasonInactivePermission}, nil
	}

	roleIDs, err := r.store.RoleIDsByRank(ctx, rank)
	if err != nil {
		return decision{}, err
	}
	if len(roleIDs) == 0 {
		return decision{Allowed: false, Reason: ReasonNoRoles}, nil
	}

	closure, err := r.hierarchy.ResolveClosure(ctx, roleIDs)
	if err != nil {
		return decision{}, err
	}

	assigned, err := r.store.IsPermissionAssigned(ctx, perm.ID, closure)
	if err != nil {
		return decision{}, err
	}
	if assigned {
		return decision{Allowed: true, Reason: ReasonGranted}, nil
	}
	return decision{Allowed: false, Reason: ReasonNotGranted}, nil
}

// GetPermissionsForRank returns the names of the active permissions rank
// holds, directly or through inherited roles, sorted by name
func (r *PermissionResolver) GetPermissionsForRank(ctx context.Context, rank int) ([]PermissionName, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "rbac.GetPermissionsForRank", trace.WithAttributes(
		attribute.Int("rbac.rank", rank),
	))
	defer span.End()
	defer func() { r.metrics.ObserveResolution("get_permissions", time.Since(start)) }()

	key := permissionsKey(rank)

	var names []PermissionName
	hit, err := r.cacheGet(ctx, "permissions", key, &names)
	if err != nil {
		return nil, r.fail(span, "get_permissions", err)
	}
	if hit {
		return names, nil
	}

	v, err := r.shared(ctx, key, func(ctx context.Context) (interface{}, error) {
		computed, err := r.computePermissions(ctx, rank)
		if err != nil {
			return nil, err
		}
		r.cacheSet(ctx, key, computed)
		return computed, nil
	})
	if err != nil {
		return nil, r.fail(span, "get_permissions", err)
	}

	names = v.([]PermissionName)
	span.SetAttributes(attribute.Int("rbac.permission_count", len(names)))
	// callers sharing a flight must not alias one slice
	out := make([]PermissionName, len(names))
	copy(out, names)
	return out, nil
}

func (r *PermissionResolver) computePermissions(ctx context.Context, rank int) ([]PermissionName, error) {
	roleIDs, err := r.store.RoleIDsByRank(ctx, rank)
	if err != nil {
		return nil, err
	}
	if len(roleIDs) == 0 {
		return []PermissionName{}, nil
	}

	closure, err := r.hierarchy.ResolveClosure(ctx, roleIDs)
	if err != nil {
		return nil, err
	}

	return r.store.ActivePermissionNamesByRoles(ctx, closure)
}

// Warm resolves and caches the permission sets of ranks, at most workers
// at a time. Failures are joined; ranks that resolved stay cached.
func (r *PermissionResolver) Warm(ctx context.Context, ranks []int, workers int) error {
	errs := async.Batch(ctx, ranks, workers, 0, func(ctx context.Context, rank int) error {
		if _, err := r.GetPermissionsForRank(ctx, rank); err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
		return nil
	})
	return errors.Join(errs...)
}

// InvalidateRank evicts the cached permission set of rank. Cached
// HasPermission decisions for the rank are left to expire.
func (r *PermissionResolver) InvalidateRank(ctx context.Context, rank int) error {
	r.metrics.RecordInvalidation("rank_permissions")
	if err := r.cache.Delete(ctx, permissionsKey(rank)); err != nil {
		return fmt.Errorf("invalidate rank %d: %w", rank, err)
	}
	return nil
}

// PurgeRank evicts every cached entry of rank, decisions included
func (r *PermissionResolver) PurgeRank(ctx context.Context, rank int) error {
	r.metrics.RecordInvalidation("rank")
	if err := r.cache.DeletePrefix(ctx, rankPrefix(rank)); err != nil {
		return fmt.Errorf("purge rank %d: %w", rank, err)
	}
	return nil
}

// PurgeAll evicts every cached entry for every rank
func (r *PermissionResolver) PurgeAll(ctx context.Context) error {
	r.metrics.RecordInvalidation("all")
	if err := r.cache.DeletePrefix(ctx, rankKeyPrefix); err != nil {
		return fmt.Errorf("purge cache: %w", err)
	}
	return nil
}

// shared runs fn once per key for all concurrent callers. The lookup is
// detached from the starting caller's cancellation; each caller stops
// waiting when its own ctx is done.
func (r *PermissionResolver) shared(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cacheGet decodes a cached value into dst. Undecodable entries are
// dropped and reported as a miss.
func (r *PermissionResolver) cacheGet(ctx context.Context, kind, key string, dst interface{}) (bool, error) {
	data, err := r.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		r.metrics.RecordCacheLookup(kind, false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cache: %w", err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("dropping undecodable cache entry")
		_ = r.cache.Delete(ctx, key)
		r.metrics.RecordCacheLookup(kind, false)
		return false, nil
	}

	r.metrics.RecordCacheLookup(kind, true)
	return true, nil
}

// cacheSet stores value. Write failures are logged, not returned.
func (r *PermissionResolver) cacheSet(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err == nil {
		err = r.cache.Set(ctx, key, data, r.ttl)
	}
	if err != nil {
		r.metrics.RecordCacheWriteFailure()
		r.logger.WithError(err).WithField("key", key).Warn("failed to cache authorization result")
	}
}

func (r *PermissionResolver) fail(span trace.Span, operation string, err error) error {
	r.metrics.RecordResolverError(operation)
	if operation == "has_permission" {
		r.metrics.RecordDecision(observability.OutcomeError)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
