package auth

import (
	"context"
	"testing"
)

type document struct {
	owner string
}

func documentOwner(obj any) string {
	if d, ok := obj.(*document); ok {
		return d.owner
	}
	return ""
}

func TestAuthorizer_Roles(t *testing.T) {
	authz := NewAuthorizer(NewRoleSet(editorRole, viewerRole))

	ctx := WithRoles(context.Background(), "viewer")
	if !authz.IsGranted(ctx, "posts.read", nil) {
		t.Error("viewer should read posts")
	}
	if authz.IsGranted(ctx, "posts.update", nil) {
		t.Error("viewer should not update posts")
	}
	if authz.IsGranted(context.Background(), "posts.read", nil) {
		t.Error("anonymous users hold no permission")
	}
}

func TestAuthorizer_Voters(t *testing.T) {
	doc := &document{owner: "u1"}
	deny := func(ctx context.Context, p Permission, obj any) Decision {
		if p == "posts.delete" {
			return Deny
		}
		return Abstain
	}

	authz := NewAuthorizer(NewRoleSet(adminRole),
		WithVoter(OwnerVoter(documentOwner, "posts.*")),
		WithVoter(deny),
	)

	tests := []struct {
		name       string
		ctx        context.Context
		permission string
		want       bool
	}{
		{"owner is granted", WithUser(context.Background(), "u1"), "posts.update", true},
		{"other user falls back to roles", WithUser(context.Background(), "u2"), "posts.update", false},
		{"owner voter ignores other resources", WithUser(context.Background(), "u1"), "users.read", false},
		{"deny wins over owner", WithUser(context.Background(), "u1"), "posts.delete", false},
		{"deny wins over roles", WithRoles(context.Background(), "admin"), "posts.delete", false},
		{"admin role", WithRoles(context.Background(), "admin"), "users.read", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := authz.IsGranted(tt.ctx, tt.permission, doc); got != tt.want {
				t.Errorf("IsGranted(%s) = %v, want %v", tt.permission, got, tt.want)
			}
		})
	}
}

func TestContext(t *testing.T) {
	ctx := WithRoles(WithUser(context.Background(), "u1"), "editor", "viewer")

	if CurrentUser(ctx) != "u1" {
		t.Errorf("expected u1, got %q", CurrentUser(ctx))
	}
	if roles := RolesFromContext(ctx); len(roles) != 2 || roles[0] != "editor" {
		t.Errorf("unexpected roles %v", roles)
	}
	if CurrentUser(context.Background()) != "" || RolesFromContext(context.Background()) != nil {
		t.Error("empty context should carry no user")
	}
}

func TestAllowAll(t *testing.T) {
	if !(AllowAll{}).IsGranted(context.Background(), "anything", nil) {
		t.Error("AllowAll should grant")
	}
}
