package rbac

import (
	"fmt"
	"time"
)

// Status is the active flag stored on roles and permissions
type Status int

const (
	StatusInactive Status = 0
	StatusActive   Status = 1
)

// Role is a named bundle of permissions that can be granted to ranks and
// can inherit from other roles
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsActive reports whether the role is active
func (r Role) IsActive() bool {
	return r.Status == StatusActive
}

// Permission is an atomic capability that gates one action
type Permission struct {
	ID          int64          `json:"id"`
	Name        PermissionName `json:"name"`
	Description *string        `json:"description,omitempty"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsActive reports whether the permission is active
func (p Permission) IsActive() bool {
	return p.Status == StatusActive
}

// RoleHierarchy is a directed edge: the parent role inherits every
// permission the child role holds, directly or transitively
type RoleHierarchy struct {
	ParentRoleID int64     `json:"parent_role_id"`
	ChildRoleID  int64     `json:"child_role_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// RolePermission grants a permission directly to a role
type RolePermission struct {
	RoleID       int64     `json:"role_id"`
	PermissionID int64     `json:"permission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// RoleRank maps an externally-owned rank to a role
type RoleRank struct {
	RoleID    int64     `json:"role_id"`
	RankID    int       `json:"rank_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Page is one page of a paginated listing
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PerPage  int `json:"per_page"`
	LastPage int `json:"last_page"`
}

// newPage computes pagination metadata
func newPage[T any](items []T, total, page, perPage int) Page[T] {
	lastPage := 0
	if perPage > 0 {
		lastPage = (total + perPage - 1) / perPage
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Items:    items,
		Total:    total,
		Page:     page,
		PerPage:  perPage,
		LastPage: lastPage,
	}
}

// PermissionCheck is a single authorization question
type PermissionCheck struct {
	Rank       int            `json:"rank"`
	Permission PermissionName `json:"permission"`
}

// PermissionCheckResult is the answer to a PermissionCheck
type PermissionCheckResult struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Validate rejects values other than active and inactive
func (s Status) Validate() error {
	if s != StatusActive && s != StatusInactive {
		return validationError(fmt.Sprintf("status must be %d or %d", StatusInactive, StatusActive))
	}
	return nil
}
