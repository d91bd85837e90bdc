package auth

import (
	"sort"
	"strings"
)

// Permission names an action on a resource, such as "posts.read"
type Permission string

// Wildcard grants every permission
const Wildcard Permission = "*"

// Matches reports whether p covers required. "posts.*" covers every
// permission of the posts resource; "*" covers everything.
func (p Permission) Matches(required Permission) bool {
	if p == Wildcard || p == required {
		return true
	}
	if prefix, ok := strings.CutSuffix(string(p), ".*"); ok {
		return strings.HasPrefix(string(required), prefix+".")
	}
	return false
}

// Role represents a user role with a set of permissions
type Role struct {
	Name        string
	Permissions []Permission
}

// HasPermission checks if the role has a specific permission
func (r *Role) HasPermission(permission Permission) bool {
	for _, p := range r.Permissions {
		if p.Matches(permission) {
			return true
		}
	}
	return false
}

// RoleSet holds the roles known to an authorizer
type RoleSet struct {
	roles map[string]*Role
}

// NewRoleSet creates a set holding roles
func NewRoleSet(roles ...*Role) *RoleSet {
	s := &RoleSet{roles: make(map[string]*Role, len(roles))}
	for _, r := range roles {
		s.roles[r.Name] = r
	}
	return s
}

// RolesFromConfig builds a role set from a role name to permissions mapping
func RolesFromConfig(config map[string][]string) *RoleSet {
	names := make([]string, 0, len(config))
	for name := range config {
		names = append(names, name)
	}
	sort.Strings(names)

	roles := make([]*Role, 0, len(names))
	for _, name := range names {
		role := &Role{Name: name}
		for _, p := range config[name] {
			role.Permissions = append(role.Permissions, Permission(p))
		}
		roles = append(roles, role)
	}
	return NewRoleSet(roles...)
}

// Role returns a role by name, or nil when unknown
func (s *RoleSet) Role(name string) *Role {
	if s == nil {
		return nil
	}
	return s.roles[name]
}

// Names returns the role names in sorted order
func (s *RoleSet) Names() []string {
	names := make([]string, 0, len(s.roles))
	for name := range s.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasPermission checks if any of the named roles has the required permission
func (s *RoleSet) HasPermission(roles []string, permission Permission) bool {
	for _, name := range roles {
		role := s.Role(name)
		if role != nil && role.HasPermission(permission) {
			return true
		}
	}
	return false
}
