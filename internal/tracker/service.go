// Package tracker implements the issue lifecycle: listing, creating, updating
// and deleting issues on behalf of an explicit actor.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/policy"
	"github.com/joescharf/tracker/internal/stats"
	"github.com/joescharf/tracker/internal/store"
)

// DefaultCategoryName is the category given to issues created without one.
const DefaultCategoryName = "general"

// IssuePatch lists the fields an update may change. Nil fields are left as
// they are. An empty AssigneeID unassigns the issue.
type IssuePatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	StatusID    *int64  `json:"status_id,omitempty"`
	CategoryID  *int64  `json:"category_id,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p IssuePatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.AssigneeID == nil &&
		p.StatusID == nil && p.CategoryID == nil
}

// Service applies access policy and lifecycle rules around the store.
type Service struct {
	store           store.Store
	log             *slog.Logger
	now             func() time.Time
	defaultCategory string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for created/closed stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithDefaultCategory sets the category name used when a new issue has none.
func WithDefaultCategory(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.defaultCategory = name
		}
	}
}

// NewService creates a Service backed by st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:           st,
		log:             slog.Default(),
		now:             time.Now,
		defaultCategory: DefaultCategoryName,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) authorize(ctx context.Context, actor *models.Actor, op policy.Operation) error {
	if err := policy.Check(actor, op); err != nil {
		who := "anonymous"
		if actor != nil {
			who = actor.Username
		}
		s.log.DebugContext(ctx, "access denied", "actor", who, "op", string(op), "reason", err.Error())
		return err
	}
	return nil
}

// --- Reads ---

// List returns issues matching filter, newest first unless filter.Order says otherwise.
func (s *Service) List(ctx context.Context, actor *models.Actor, filter store.IssueListFilter) ([]*models.Issue, error) {
	if err := s.authorize(ctx, actor, policy.OpList); err != nil {
		return nil, err
	}
	return s.store.ListIssues(ctx, filter)
}

// Mine lists issues assigned to the actor.
func (s *Service) Mine(ctx context.Context, actor *models.Actor) ([]*models.Issue, error) {
	if err := s.authorize(ctx, actor, policy.OpList); err != nil {
		return nil, err
	}
	return s.store.ListIssues(ctx, store.IssueListFilter{AssigneeID: actor.UserID})
}

// New lists issues still in the initial status.
func (s *Service) New(ctx context.Context, actor *models.Actor) ([]*models.Issue, error) {
	return s.List(ctx, actor, store.IssueListFilter{State: models.StatusStateNew})
}

// Get returns a single issue. A missing id yields store.ErrNotFound.
func (s *Service) Get(ctx context.Context, actor *models.Actor, id string) (*models.Issue, error) {
	if err := s.authorize(ctx, actor, policy.OpView); err != nil {
		return nil, err
	}
	return s.store.GetIssue(ctx, id)
}

// Stats summarizes time-to-close over the issues matching filter.
// stats.ErrNoClosedIssues is returned when none of them are closed.
func (s *Service) Stats(ctx context.Context, actor *models.Actor, filter store.IssueListFilter) (*stats.Summary, error) {
	if err := s.authorize(ctx, actor, policy.OpStats); err != nil {
		return nil, err
	}
	issues, err := s.store.ListIssues(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.Summarize(ctx, issues)
}

// Summarize computes statistics over an already fetched set of issues.
func (s *Service) Summarize(ctx context.Context, issues []*models.Issue) (*stats.Summary, error) {
	closed, err := s.store.ClosedStatus(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, stats.ErrNoClosedIssues
	}
	if err != nil {
		return nil, err
	}
	return stats.Compute(issues, closed.ID)
}

// --- Mutations ---

// Create stores a new issue authored by actor. Author, timestamps and id in
// draft are ignored. Status and category fall back to their defaults.
func (s *Service) Create(ctx context.Context, actor *models.Actor, draft *models.Issue) (*models.Issue, error) {
	if err := s.authorize(ctx, actor, policy.OpCreate); err != nil {
		return nil, err
	}

	issue := &models.Issue{
		Title:       strings.TrimSpace(draft.Title),
		Description: draft.Description,
		AuthorID:    actor.UserID,
		AssigneeID:  draft.AssigneeID,
		StatusID:    draft.StatusID,
		CategoryID:  draft.CategoryID,
	}
	if err := validateStruct(issue); err != nil {
		return nil, err
	}

	status, err := s.resolveStatus(ctx, issue.StatusID)
	if err != nil {
		return nil, err
	}
	issue.StatusID = status.ID

	category, err := s.resolveCategory(ctx, issue.CategoryID)
	if err != nil {
		return nil, err
	}
	issue.CategoryID = category.ID

	if err := s.checkAssignee(ctx, issue.AssigneeID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	issue.CreatedAt = now
	if status.IsClosed() {
		issue.ClosedAt = &now
	}

	if err := s.store.CreateIssue(ctx, issue); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "issue created", "id", issue.ID, "author", actor.Username, "status", status.Name)
	return s.store.GetIssue(ctx, issue.ID)
}

// Update applies patch to an existing issue. Moving into the closed status
// stamps the closed time; moving out of it leaves the stamp in place.
// References are resolved first; the transition is decided against the row
// as it is read inside the store's write transaction.
func (s *Service) Update(ctx context.Context, actor *models.Actor, id string, patch IssuePatch) (*models.Issue, error) {
	if err := s.authorize(ctx, actor, policy.OpUpdate); err != nil {
		return nil, err
	}

	var next *models.Status
	if patch.StatusID != nil {
		st, err := s.resolveStatus(ctx, *patch.StatusID)
		if err != nil {
			return nil, err
		}
		next = st
	}
	var category *models.Category
	if patch.CategoryID != nil {
		c, err := s.resolveCategory(ctx, *patch.CategoryID)
		if err != nil {
			return nil, err
		}
		category = c
	}
	if patch.AssigneeID != nil {
		if err := s.checkAssignee(ctx, *patch.AssigneeID); err != nil {
			return nil, err
		}
	}

	err := s.store.UpdateIssueFunc(ctx, id, func(issue *models.Issue) error {
		if patch.Title != nil {
			issue.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Description != nil {
			issue.Description = *patch.Description
		}
		if err := validateStruct(issue); err != nil {
			return err
		}
		if patch.AssigneeID != nil {
			issue.AssigneeID = *patch.AssigneeID
		}
		if category != nil {
			issue.CategoryID = category.ID
		}

		now := s.now().UTC()
		// Only one status is closed, so a change into it is always a transition.
		if next != nil && next.ID != issue.StatusID {
			issue.StatusID = next.ID
			if next.IsClosed() {
				issue.ClosedAt = &now
				s.log.InfoContext(ctx, "issue closed", "id", issue.ID, "after", now.Sub(issue.CreatedAt).String())
			}
		}
		issue.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "issue updated", "id", id, "actor", actor.Username)
	return s.store.GetIssue(ctx, id)
}

// Delete permanently removes an issue.
func (s *Service) Delete(ctx context.Context, actor *models.Actor, id string) error {
	if err := s.authorize(ctx, actor, policy.OpDelete); err != nil {
		return err
	}
	if err := s.store.DeleteIssue(ctx, id); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "issue deleted", "id", id, "actor", actor.Username)
	return nil
}

// --- Reference lookups ---

func (s *Service) resolveStatus(ctx context.Context, id int64) (*models.Status, error) {
	if id == 0 {
		st, err := s.store.DefaultStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve default status: %w", err)
		}
		return st, nil
	}
	st, err := s.store.GetStatus(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fieldError("status_id", err, "unknown status %d", id)
	}
	return st, err
}

func (s *Service) resolveCategory(ctx context.Context, id int64) (*models.Category, error) {
	if id == 0 {
		c, err := s.store.GetCategoryByName(ctx, s.defaultCategory)
		if err != nil {
			return nil, fmt.Errorf("resolve default category: %w", err)
		}
		return c, nil
	}
	c, err := s.store.GetCategory(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fieldError("category_id", err, "unknown category %d", id)
	}
	return c, err
}

func (s *Service) checkAssignee(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	_, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fieldError("assignee_id", err, "unknown user %s", userID)
	}
	return err
}
