package models

import (
	"slices"
	"time"
)

// PermManageIssues grants create, update and delete on issues.
const PermManageIssues = "manage_issues"

// User is an account that can sign in to the tracker.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Superuser    bool      `json:"superuser"`
	Permissions  []string  `json:"permissions,omitempty"`
	CreatedAt    time.Time `json:"created"`
}

// Actor is the identity performing an operation. A nil *Actor is an
// unauthenticated caller.
type Actor struct {
	UserID      string
	Username    string
	Superuser   bool
	Permissions []string
}

// ActorFor builds the actor for an authenticated user.
func ActorFor(u *User) *Actor {
	return &Actor{
		UserID:      u.ID,
		Username:    u.Username,
		Superuser:   u.Superuser,
		Permissions: slices.Clone(u.Permissions),
	}
}

// HasPermission reports whether the actor holds the named grant.
// Superusers hold every grant.
func (a *Actor) HasPermission(name string) bool {
	if a == nil {
		return false
	}
	return a.Superuser || slices.Contains(a.Permissions, name)
}
