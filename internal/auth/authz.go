// Package auth decides whether the current user may read or write a group of
// fields of an object. Decisions combine role permissions carried by the
// context with per-object voters.
package auth

import (
	"context"

	"go.uber.org/zap"
)

// Decision is the outcome of a voter
type Decision int

const (
	// Abstain leaves the decision to other voters and the roles
	Abstain Decision = iota
	// Grant allows access unless another voter denies it
	Grant
	// Deny refuses access
	Deny
)

// Voter decides on a permission for a specific object
type Voter func(ctx context.Context, permission Permission, obj any) Decision

// OwnerVoter grants access to objects owned by the current user. owner
// returns the owning user ID of obj, or "" when obj has no owner.
func OwnerVoter(owner func(obj any) string, permissions ...Permission) Voter {
	return func(ctx context.Context, permission Permission, obj any) Decision {
		matched := len(permissions) == 0
		for _, p := range permissions {
			if p.Matches(permission) {
				matched = true
				break
			}
		}
		if !matched {
			return Abstain
		}
		user := CurrentUser(ctx)
		if user != "" && owner(obj) == user {
			return Grant
		}
		return Abstain
	}
}

// Authorizer handles authorization checks
type Authorizer struct {
	roles  *RoleSet
	voters []Voter
	logger *zap.Logger
}

// Option configures an Authorizer
type Option func(*Authorizer)

// WithVoter adds a per-object voter
func WithVoter(v Voter) Option {
	return func(a *Authorizer) {
		a.voters = append(a.voters, v)
	}
}

// WithLogger sets the logger recording denials
func WithLogger(logger *zap.Logger) Option {
	return func(a *Authorizer) {
		a.logger = logger
	}
}

// NewAuthorizer creates a new authorizer over roles
func NewAuthorizer(roles *RoleSet, opts ...Option) *Authorizer {
	a := &Authorizer{roles: roles, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IsGranted reports whether the current user holds permission on obj. A
// denying voter wins over everything; otherwise a granting voter or any of
// the user's roles is enough.
func (a *Authorizer) IsGranted(ctx context.Context, permission string, obj any) bool {
	p := Permission(permission)

	granted := false
	for _, v := range a.voters {
		switch v(ctx, p, obj) {
		case Deny:
			a.logger.Debug("permission denied by voter", zap.String("permission", permission))
			return false
		case Grant:
			granted = true
		}
	}
	if granted {
		return true
	}

	roles := RolesFromContext(ctx)
	if a.roles.HasPermission(roles, p) {
		return true
	}
	a.logger.Debug("permission denied",
		zap.String("permission", permission),
		zap.String("user", CurrentUser(ctx)),
		zap.Strings("roles", roles))
	return false
}

// AllowAll grants every permission
type AllowAll struct{}

// IsGranted always returns true
func (AllowAll) IsGranted(context.Context, string, any) bool {
	return true
}
