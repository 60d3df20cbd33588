package rbac

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minNameLength        = 2
	maxNameLength        = 255
	maxDescriptionLength = 1000
)

var permissionNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// PermissionName is a case-normalized permission identifier. Build one
// with NewPermissionName (or MustPermissionName for route tables) so the
// normalization happens once instead of on every request.
type PermissionName string

// NewPermissionName trims and upper-cases raw. A blank input yields the
// empty name, which HasPermission treats as "no permission required".
func NewPermissionName(raw string) PermissionName {
	return PermissionName(strings.ToUpper(strings.TrimSpace(raw)))
}

// MustPermissionName is NewPermissionName for static declarations; it
// panics if the normalized name is malformed
func MustPermissionName(raw string) PermissionName {
	name := NewPermissionName(raw)
	if err := name.Validate(); err != nil {
		panic(err)
	}
	return name
}

// String implements fmt.Stringer
func (n PermissionName) String() string {
	return string(n)
}

// IsEmpty reports whether no permission is named
func (n PermissionName) IsEmpty() bool {
	return n == ""
}

// Validate checks the naming rules applied when a permission is created
func (n PermissionName) Validate() error {
	if err := validateLength("permission name", string(n)); err != nil {
		return err
	}
	if !permissionNamePattern.MatchString(string(n)) {
		return validationError("permission name must be uppercase with underscores (e.g. MANAGE_USERS)")
	}
	return nil
}

// Well-known permissions referenced by the service itself
var (
	PermissionViewRoles   = MustPermissionName("VIEW_ROLES")
	PermissionManageRoles = MustPermissionName("MANAGE_ROLES")
)

// NormalizeRoleName trims and lower-cases a role name
func NormalizeRoleName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func validateRoleName(name string) error {
	return validateLength("role name", name)
}

func validateLength(field, value string) error {
	n := utf8.RuneCountInString(value)
	if n < minNameLength || n > maxNameLength {
		return validationError(fmt.Sprintf("%s must be between %d and %d characters", field, minNameLength, maxNameLength))
	}
	return nil
}

// normalizeDescription trims the description; blank becomes nil
func normalizeDescription(description *string) (*string, error) {
	if description == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*description)
	if trimmed == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(trimmed) > maxDescriptionLength {
		return nil, validationError(fmt.Sprintf("description must be at most %d characters", maxDescriptionLength))
	}
	return &trimmed, nil
}
