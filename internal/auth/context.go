package auth

import "context"

type contextKey int

const (
	userKey contextKey = iota
	rolesKey
)

// WithUser returns a context carrying the current user ID
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// CurrentUser retrieves the current user ID from the context.
// Returns an empty string if no user is authenticated.
func CurrentUser(ctx context.Context) string {
	userID, _ := ctx.Value(userKey).(string)
	return userID
}

// WithRoles returns a context carrying the roles of the current user
func WithRoles(ctx context.Context, roles ...string) context.Context {
	return context.WithValue(ctx, rolesKey, append([]string(nil), roles...))
}

// RolesFromContext returns the roles of the current user
func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(rolesKey).([]string)
	return roles
}
