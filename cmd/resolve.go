package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/store"
	"github.com/joescharf/tracker/internal/tracker"
)

// lookup resolves user-facing names into reference data for one command.
type lookup struct {
	ctx   context.Context
	svc   *tracker.Service
	actor *models.Actor

	statuses []*models.Status
}

func newLookup(ctx context.Context, svc *tracker.Service, actor *models.Actor) *lookup {
	return &lookup{ctx: ctx, svc: svc, actor: actor}
}

func (l *lookup) allStatuses() ([]*models.Status, error) {
	if l.statuses != nil {
		return l.statuses, nil
	}
	statuses, err := l.svc.ListStatuses(l.ctx, l.actor)
	if err != nil {
		return nil, err
	}
	l.statuses = statuses
	return statuses, nil
}

// status finds a status by name, ignoring case.
func (l *lookup) status(name string) (*models.Status, error) {
	statuses, err := l.allStatuses()
	if err != nil {
		return nil, err
	}
	st, ok := lo.Find(statuses, func(st *models.Status) bool { return strings.EqualFold(st.Name, name) })
	if !ok {
		names := lo.Map(statuses, func(st *models.Status, _ int) string { return st.Name })
		return nil, fmt.Errorf("unknown status %q (have: %s)", name, strings.Join(names, ", "))
	}
	return st, nil
}

// closedStatus returns the status tagged as the closed state.
func (l *lookup) closedStatus() (*models.Status, error) {
	statuses, err := l.allStatuses()
	if err != nil {
		return nil, err
	}
	st, ok := lo.Find(statuses, func(st *models.Status) bool { return st.IsClosed() })
	if !ok {
		return nil, fmt.Errorf("no status is tagged closed")
	}
	return st, nil
}

// statusState returns the state of the status with the given id.
func (l *lookup) statusState(id int64) models.StatusState {
	statuses, err := l.allStatuses()
	if err != nil {
		return ""
	}
	if st, ok := lo.Find(statuses, func(st *models.Status) bool { return st.ID == id }); ok {
		return st.State
	}
	return ""
}

// category finds a category by name, ignoring case.
func (l *lookup) category(name string) (*models.Category, error) {
	categories, err := l.svc.ListCategories(l.ctx, l.actor)
	if err != nil {
		return nil, err
	}
	c, ok := lo.Find(categories, func(c *models.Category) bool { return strings.EqualFold(c.Name, name) })
	if !ok {
		return nil, fmt.Errorf("unknown category %q", name)
	}
	return c, nil
}

// user finds an account by exact username.
func (l *lookup) user(name string) (*models.User, error) {
	users, err := l.svc.ListUsers(l.ctx, l.actor)
	if err != nil {
		return nil, err
	}
	u, ok := lo.Find(users, func(u *models.User) bool { return u.Username == name })
	if !ok {
		return nil, fmt.Errorf("unknown user %q", name)
	}
	return u, nil
}

// issue finds an issue by full ID or unique prefix.
func (l *lookup) issue(id string) (*models.Issue, error) {
	// Try exact match first
	if issue, err := l.svc.Get(l.ctx, l.actor, id); err == nil {
		return issue, nil
	}

	// Try prefix match - list all and filter
	upper := strings.ToUpper(id)
	issues, err := l.svc.List(l.ctx, l.actor, store.IssueListFilter{})
	if err != nil {
		return nil, err
	}
	matches := lo.Filter(issues, func(issue *models.Issue, _ int) bool {
		return strings.HasPrefix(issue.ID, upper)
	})

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("issue not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous issue ID %s: matches %d issues", id, len(matches))
	}
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
