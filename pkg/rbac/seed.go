package rbac

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed seeds/default.yaml
var defaultSeed []byte

// SeedFile is a declarative bootstrap of roles and permissions
type SeedFile struct {
	Permissions []SeedPermission `yaml:"permissions"`
	Roles       []SeedRole       `yaml:"roles"`
}

// SeedPermission declares one permission
type SeedPermission struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// SeedRole declares a role, its direct grants, the roles it inherits
// from and the ranks mapped to it
type SeedRole struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
	Inherits    []string `yaml:"inherits"`
	Ranks       []int    `yaml:"ranks"`
}

// SeedResult counts what Seed created. Items that already existed are
// not counted.
type SeedResult struct {
	Permissions int `json:"permissions"`
	Roles       int `json:"roles"`
	Grants      int `json:"grants"`
	Edges       int `json:"edges"`
	RankRoles   int `json:"rank_roles"`
}

// DefaultSeedFile returns the built-in role tree
// (super_admin > admin > moderator > staff > user)
func DefaultSeedFile() (*SeedFile, error) {
	return ParseSeedFile(defaultSeed)
}

// LoadSeedFile reads a YAML seed file from disk
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeedFile(data)
}

// ParseSeedFile decodes YAML seed data
func ParseSeedFile(data []byte) (*SeedFile, error) {
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &file, nil
}

// Seed applies file. It can be re-run: existing roles, permissions and
// links are left alone, so only missing pieces are created. A hierarchy
// that would close a cycle is still rejected.
func (s *Service) Seed(ctx context.Context, file *SeedFile) (SeedResult, error) {
	var result SeedResult
	if file == nil {
		return result, nil
	}

	perms := make(map[PermissionName]int64, len(file.Permissions))
	for _, sp := range file.Permissions {
		perm, created, err := s.seedPermission(ctx, sp.Name, sp.Description)
		if err != nil {
			return result, err
		}
		if created {
			result.Permissions++
		}
		perms[perm.Name] = perm.ID
	}

	roles := make(map[string]int64, len(file.Roles))
	for _, sr := range file.Roles {
		role, created, err := s.seedRole(ctx, sr.Name, sr.Description)
		if err != nil {
			return result, err
		}
		if created {
			result.Roles++
		}
		roles[role.Name] = role.ID
	}

	for _, sr := range file.Roles {
		roleID := roles[NormalizeRoleName(sr.Name)]

		for _, raw := range sr.Permissions {
			permID, err := s.lookupPermission(ctx, perms, raw)
			if err != nil {
				return result, fmt.Errorf("seed role %q: %w", sr.Name, err)
			}
			exists, err := s.store.RolePermissionExists(ctx, roleID, permID)
			if err != nil {
				return result, err
			}
			if exists {
				continue
			}
			if err := s.AssignPermissionToRole(ctx, roleID, permID); err != nil {
				return result, fmt.Errorf("seed role %q: %w", sr.Name, err)
			}
			result.Grants++
		}

		for _, rank := range sr.Ranks {
			exists, err := s.store.RoleRankExists(ctx, roleID, rank)
			if err != nil {
				return result, err
			}
			if exists {
				continue
			}
			if err := s.AssignRoleToRank(ctx, roleID, rank); err != nil {
				return result, fmt.Errorf("seed role %q: %w", sr.Name, err)
			}
			result.RankRoles++
		}
	}

	for _, sr := range file.Roles {
		parentID := roles[NormalizeRoleName(sr.Name)]
		for _, childName := range sr.Inherits {
			childID, err := s.lookupRole(ctx, roles, childName)
			if err != nil {
				return result, fmt.Errorf("seed role %q: %w", sr.Name, err)
			}
			exists, err := s.hierarchy.EdgeExists(ctx, parentID, childID)
			if err != nil {
				return result, err
			}
			if exists {
				continue
			}
			if err := s.CreateHierarchyEdge(ctx, parentID, childID); err != nil {
				return result, fmt.Errorf("seed role %q inherits %q: %w", sr.Name, childName, err)
			}
			result.Edges++
		}
	}

	return result, nil
}

func (s *Service) seedPermission(ctx context.Context, raw, description string) (*Permission, bool, error) {
	existing, err := s.store.FindPermissionByName(ctx, NewPermissionName(raw))
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	perm, err := s.CreatePermission(ctx, raw, &description)
	if err != nil {
		return nil, false, fmt.Errorf("seed permission %q: %w", raw, err)
	}
	return perm, true, nil
}

func (s *Service) seedRole(ctx context.Context, raw, description string) (*Role, bool, error) {
	existing, err := s.store.FindRoleByName(ctx, NormalizeRoleName(raw))
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	role, err := s.CreateRole(ctx, raw, &description)
	if err != nil {
		return nil, false, fmt.Errorf("seed role %q: %w", raw, err)
	}
	return role, true, nil
}

// lookupPermission resolves a permission named in the file, falling back
// to one that already exists in the store
func (s *Service) lookupPermission(ctx context.Context, known map[PermissionName]int64, raw string) (int64, error) {
	name := NewPermissionName(raw)
	if id, ok := known[name]; ok {
		return id, nil
	}
	perm, err := s.store.FindPermissionByName(ctx, name)
	if err != nil {
		return 0, err
	}
	if perm == nil {
		return 0, notFoundf("permission %q not found", name)
	}
	known[name] = perm.ID
	return perm.ID, nil
}

func (s *Service) lookupRole(ctx context.Context, known map[string]int64, raw string) (int64, error) {
	name := NormalizeRoleName(raw)
	if id, ok := known[name]; ok {
		return id, nil
	}
	role, err := s.store.FindRoleByName(ctx, name)
	if err != nil {
		return 0, err
	}
	if role == nil {
		return 0, notFoundf("role %q not found", name)
	}
	known[name] = role.ID
	return role.ID, nil
}
