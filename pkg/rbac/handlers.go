package rbac

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/veloce/authz/pkg/contextkeys"
	"github.com/veloce/authz/pkg/httputil"
	"github.com/veloce/authz/pkg/observability"
)

// Handlers provides HTTP handlers for RBAC operations
type Handlers struct {
	service  *Service
	gate     *PermissionMiddleware
	validate *validator.Validate
	logger   *observability.Logger
}

// NewHandlers creates new RBAC handlers. Every route is gated through
// gate, which reads the caller's rank from the request context.
func NewHandlers(service *Service, gate *PermissionMiddleware, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Handlers{
		service:  service,
		gate:     gate,
		validate: validator.New(),
		logger:   logger,
	}
}

// RegisterRoutes registers all RBAC routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	manage := h.gate.RequirePermission(PermissionManageRoles)
	view := h.gate.RequireAnyPermission(PermissionViewRoles, PermissionManageRoles)
	// the empty name requires nothing beyond an authenticated rank
	authenticated := h.gate.RequirePermission("")

	route := func(path string, gate func(http.Handler) http.Handler, fn http.HandlerFunc, method string) {
		router.Handle(path, gate(fn)).Methods(method)
	}

	// Permissions
	route("/permissions/me", authenticated, h.MyPermissions, http.MethodGet)
	route("/permissions", view, h.ListPermissions, http.MethodGet)
	route("/permissions", manage, h.CreatePermission, http.MethodPost)
	route("/permissions/assign", manage, h.AssignPermission, http.MethodPost)
	route("/permissions/{id:[0-9]+}", view, h.GetPermission, http.MethodGet)
	route("/permissions/{id:[0-9]+}", manage, h.UpdatePermission, http.MethodPatch)
	route("/permissions/{id:[0-9]+}", manage, h.DeletePermission, http.MethodDelete)

	// Roles
	route("/roles", view, h.ListRoles, http.MethodGet)
	route("/roles", manage, h.CreateRole, http.MethodPost)
	route("/roles/assign", manage, h.AssignRole, http.MethodPost)
	route("/roles/hierarchy", view, h.ListHierarchy, http.MethodGet)
	route("/roles/hierarchy", manage, h.CreateHierarchy, http.MethodPost)
	route("/roles/hierarchy/{parent:[0-9]+}/{child:[0-9]+}", manage, h.DeleteHierarchy, http.MethodDelete)
	route("/roles/{id:[0-9]+}", view, h.GetRole, http.MethodGet)
	route("/roles/{id:[0-9]+}", manage, h.UpdateRole, http.MethodPatch)
	route("/roles/{id:[0-9]+}", manage, h.DeleteRole, http.MethodDelete)
	route("/roles/{id:[0-9]+}/permissions/{permission_id:[0-9]+}", manage, h.RevokePermission, http.MethodDelete)

	// Ranks
	route("/ranks/{rank:-?[0-9]+}/roles/{role_id:[0-9]+}", manage, h.UnassignRole, http.MethodDelete)
	route("/ranks/{rank:-?[0-9]+}/permissions", view, h.RankPermissions, http.MethodGet)

	// Permission checking
	route("/check", view, h.CheckPermission, http.MethodPost)
}

// Request bodies

type createRequest struct {
	Name        string  `json:"name" validate:"required,min=2,max=255"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=1000"`
}

type updateRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=2,max=255"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=1000"`
	Status      *Status `json:"status,omitempty"`
}

type assignPermissionRequest struct {
	RoleID       int64 `json:"role_id" validate:"required,gt=0"`
	PermissionID int64 `json:"permission_id" validate:"required,gt=0"`
}

type assignRoleRequest struct {
	RoleID int64 `json:"role_id" validate:"required,gt=0"`
	RankID *int  `json:"rank_id" validate:"required"`
}

type hierarchyRequest struct {
	ParentRoleID int64 `json:"parent_role_id" validate:"required,gt=0"`
	ChildRoleID  int64 `json:"child_role_id" validate:"required,gt=0"`
}

type checkRequest struct {
	Rank       *int   `json:"rank" validate:"required"`
	Permission string `json:"permission" validate:"required"`
}

type checkResponse struct {
	Rank       int            `json:"rank"`
	Permission PermissionName `json:"permission"`
	PermissionCheckResult
}

type rankPermissionsResponse struct {
	Rank        int              `json:"rank"`
	Permissions []PermissionName `json:"permissions"`
}

// decode parses and validates a JSON body, writing a 400 on failure
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if !httputil.ParseJSONOrError(w, r, dest) {
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[strings.ToLower(fe.Field())] = fe.Tag()
			}
			httputil.WriteValidationDetails(w, details)
			return false
		}
		httputil.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// writeError answers command rejections with their status and anything
// else with an opaque 500
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteError(w, r, h.logger, err)
}

func pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	page, perPage, err := httputil.ParsePage(r, DefaultPerPage)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return 0, 0, false
	}
	return page, perPage, true
}

// Permissions

// MyPermissions lists the permissions held by the caller's rank
func (h *Handlers) MyPermissions(w http.ResponseWriter, r *http.Request) {
	rank, _ := contextkeys.GetRank(r.Context())

	perms, err := h.service.MyPermissions(r.Context(), rank)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rankPermissionsResponse{Rank: rank, Permissions: perms})
}

// ListPermissions lists active permissions
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	page, perPage, ok := pagination(w, r)
	if !ok {
		return
	}

	result, err := h.service.ListPermissions(r.Context(), page, perPage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// CreatePermission creates a permission
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}

	perm, err := h.service.CreatePermission(r.Context(), req.Name, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

// GetPermission returns one permission
func (h *Handlers) GetPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	perm, err := h.service.GetPermission(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// UpdatePermission renames, re-describes or (de)activates a permission
func (h *Handlers) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	perm, err := h.service.GetPermission(ctx, id)
	if err == nil && req.Name != nil {
		perm, err = h.service.RenamePermission(ctx, id, *req.Name)
	}
	if err == nil && req.Description != nil {
		perm, err = h.service.SetPermissionDescription(ctx, id, req.Description)
	}
	if err == nil && req.Status != nil {
		perm, err = h.service.SetPermissionStatus(ctx, id, *req.Status)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// DeletePermission removes a permission and its grants
func (h *Handlers) DeletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.DeletePermission(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AssignPermission grants a permission to a role
func (h *Handlers) AssignPermission(w http.ResponseWriter, r *http.Request) {
	var req assignPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.AssignPermissionToRole(r.Context(), req.RoleID, req.PermissionID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccessMessage(w, "permission assigned", req)
}

// RevokePermission removes a permission from a role
func (h *Handlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	permID, ok := httputil.ParsePathInt64OrError(w, r, "permission_id")
	if !ok {
		return
	}

	if err := h.service.RevokePermissionFromRole(r.Context(), roleID, permID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Roles

// ListRoles lists roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	page, perPage, ok := pagination(w, r)
	if !ok {
		return
	}

	result, err := h.service.ListRoles(r.Context(), page, perPage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// CreateRole creates a role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}

	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// GetRole returns one role
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole renames, re-describes or (de)activates a role
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	role, err := h.service.GetRole(ctx, id)
	if err == nil && req.Name != nil {
		role, err = h.service.RenameRole(ctx, id, *req.Name)
	}
	if err == nil && req.Description != nil {
		role, err = h.service.SetRoleDescription(ctx, id, req.Description)
	}
	if err == nil && req.Status != nil {
		role, err = h.service.SetRoleStatus(ctx, id, *req.Status)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole removes a role and everything referencing it
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AssignRole maps a rank to a role
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.AssignRoleToRank(r.Context(), req.RoleID, *req.RankID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccessMessage(w, "role assigned", req)
}

// UnassignRole removes a rank mapping
func (h *Handlers) UnassignRole(w http.ResponseWriter, r *http.Request) {
	rank, ok := httputil.ParsePathIntOrError(w, r, "rank")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}

	if err := h.service.UnassignRoleFromRank(r.Context(), roleID, rank); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreateHierarchy adds a parent -> child edge
func (h *Handlers) CreateHierarchy(w http.ResponseWriter, r *http.Request) {
	var req hierarchyRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.CreateHierarchyEdge(r.Context(), req.ParentRoleID, req.ChildRoleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, req)
}

// ListHierarchy lists every parent -> child edge
func (h *Handlers) ListHierarchy(w http.ResponseWriter, r *http.Request) {
	edges, err := h.service.ListHierarchy(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, edges)
}

// DeleteHierarchy removes a parent -> child edge
func (h *Handlers) DeleteHierarchy(w http.ResponseWriter, r *http.Request) {
	parent, ok := httputil.ParsePathInt64OrError(w, r, "parent")
	if !ok {
		return
	}
	child, ok := httputil.ParsePathInt64OrError(w, r, "child")
	if !ok {
		return
	}

	if err := h.service.DeleteHierarchyEdge(r.Context(), parent, child); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Ranks and checks

// RankPermissions lists the permissions held by any rank
func (h *Handlers) RankPermissions(w http.ResponseWriter, r *http.Request) {
	rank, ok := httputil.ParsePathIntOrError(w, r, "rank")
	if !ok {
		return
	}

	perms, err := h.service.PermissionsForRank(r.Context(), rank)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rankPermissionsResponse{Rank: rank, Permissions: perms})
}

// CheckPermission answers whether a rank holds a permission
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}

	check := PermissionCheck{Rank: *req.Rank, Permission: NewPermissionName(req.Permission)}
	result, err := h.service.Check(r.Context(), check)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, checkResponse{
		Rank:                  check.Rank,
		Permission:            check.Permission,
		PermissionCheckResult: result,
	})
}
