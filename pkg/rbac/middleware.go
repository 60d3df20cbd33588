package rbac

import (
	"context"
	"net/http"

	"github.com/veloce/authz/pkg/contextkeys"
	"github.com/veloce/authz/pkg/httputil"
	"github.com/veloce/authz/pkg/observability"
)

// PermissionChecker is what the gate asks
type PermissionChecker interface {
	HasPermission(ctx context.Context, rank int, name PermissionName) (bool, error)
}

// PermissionMiddleware gates routes on a permission of the caller's rank
type PermissionMiddleware struct {
	checker PermissionChecker
	logger  *observability.Logger
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(checker PermissionChecker, logger *observability.Logger) *PermissionMiddleware {
	if logger == nil {
		logger = observability.Nop()
	}
	return &PermissionMiddleware{
		checker: checker,
		logger:  logger,
	}
}

// RequirePermission creates middleware that requires name. A request
// with no rank in its context gets 401, a denied one 403. A resolver
// failure is 500: the gate never lets a request through on error.
func (pm *PermissionMiddleware) RequirePermission(name PermissionName) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			rank, ok := contextkeys.GetRank(ctx)
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			allowed, err := pm.checker.HasPermission(ctx, rank, name)
			if err != nil {
				pm.logger.WithError(err).WithFields(map[string]interface{}{
					"rank":       rank,
					"permission": name.String(),
					"request_id": observability.GetRequestID(ctx),
				}).Error("permission check failed")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "permission check failed")
				return
			}

			if !allowed {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyPermission passes when the rank holds at least one of names
func (pm *PermissionMiddleware) RequireAnyPermission(names ...PermissionName) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			rank, ok := contextkeys.GetRank(ctx)
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			for _, name := range names {
				allowed, err := pm.checker.HasPermission(ctx, rank, name)
				if err != nil {
					pm.logger.WithError(err).WithField("rank", rank).Error("permission check failed")
					httputil.WriteErrorMessage(w, http.StatusInternalServerError, "permission check failed")
					return
				}
				if allowed {
					next.ServeHTTP(w, r)
					return
				}
			}

			httputil.WriteForbidden(w, "insufficient permissions")
		})
	}
}
