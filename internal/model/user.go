package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserStore defines persistence operations for users.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByID(ctx context.Context, id uuid.UUID) (User, error)
	Create(ctx context.Context, user User) (User, error)
}

// User represents a stored user with its assigned roles.
type User struct {
	ID        uuid.UUID
	Email     string
	Roles     []Role
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Role names a set of permissions.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// Permission is a capability tag. Roles carry flat sets of permissions,
// there is no inheritance between roles.
type Permission string

const (
	PermissionDocumentRead   Permission = "document:read"
	PermissionDocumentWrite  Permission = "document:write"
	PermissionDocumentDelete Permission = "document:delete"
	PermissionDatasetQuery   Permission = "dataset:query"
	PermissionUserManage     Permission = "user:manage"
)

// RolePermissions is the role-to-permission matrix.
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionDocumentRead,
		PermissionDocumentWrite,
		PermissionDocumentDelete,
		PermissionDatasetQuery,
		PermissionUserManage,
	},
	RoleUser: {
		PermissionDocumentRead,
		PermissionDocumentWrite,
		PermissionDatasetQuery,
	},
	RoleGuest: {
		PermissionDocumentRead,
	},
}

// HasPermission reports whether the union of the user's role permissions
// contains p.
func (u User) HasPermission(p Permission) bool {
	for _, role := range u.Roles {
		for _, perm := range RolePermissions[role] {
			if perm == p {
				return true
			}
		}
	}
	return false
}

// HasRole reports whether the user is assigned role r.
func (u User) HasRole(r Role) bool {
	for _, role := range u.Roles {
		if role == r {
			return true
		}
	}
	return false
}
