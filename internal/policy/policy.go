// Package policy decides which actors may perform which tracker operations.
package policy

import (
	"errors"

	"github.com/joescharf/tracker/internal/models"
)

var (
	// ErrNotAuthenticated means the operation needs a signed-in actor.
	ErrNotAuthenticated = errors.New("authentication required")
	// ErrNotAuthorized means the actor is signed in but lacks the required grant.
	ErrNotAuthorized = errors.New("permission denied")
)

// Operation names an action guarded by the policy.
type Operation string

const (
	OpList   Operation = "list"
	OpView   Operation = "view"
	OpStats  Operation = "stats"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpSignup Operation = "signup"
	// OpAdmin covers reference data: statuses, categories and user grants.
	OpAdmin Operation = "admin"
)

// Check returns nil when actor may perform op, ErrNotAuthenticated when the
// actor is anonymous, and ErrNotAuthorized when a grant is missing.
func Check(actor *models.Actor, op Operation) error {
	switch op {
	case OpSignup:
		return nil
	case OpList, OpView, OpStats:
		if actor == nil {
			return ErrNotAuthenticated
		}
		return nil
	case OpCreate, OpUpdate, OpDelete:
		if actor == nil {
			return ErrNotAuthenticated
		}
		if !actor.HasPermission(models.PermManageIssues) {
			return ErrNotAuthorized
		}
		return nil
	case OpAdmin:
		if actor == nil {
			return ErrNotAuthenticated
		}
		if !actor.Superuser {
			return ErrNotAuthorized
		}
		return nil
	}
	// Unknown operations are denied.
	if actor == nil {
		return ErrNotAuthenticated
	}
	return ErrNotAuthorized
}

// Can reports whether actor may perform op.
func Can(actor *models.Actor, op Operation) bool {
	return Check(actor, op) == nil
}

// HasPermission reports whether actor holds the named grant.
func HasPermission(actor *models.Actor, name string) bool {
	return actor.HasPermission(name)
}
