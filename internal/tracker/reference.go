package tracker

import (
	"context"
	"strings"

	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/policy"
)

// ListStatuses returns all statuses.
func (s *Service) ListStatuses(ctx context.Context, actor *models.Actor) ([]*models.Status, error) {
	if err := s.authorize(ctx, actor, policy.OpView); err != nil {
		return nil, err
	}
	return s.store.ListStatuses(ctx)
}

// CreateStatus adds a workflow status. Only superusers manage reference data.
func (s *Service) CreateStatus(ctx context.Context, actor *models.Actor, st *models.Status) error {
	if err := s.authorize(ctx, actor, policy.OpAdmin); err != nil {
		return err
	}
	st.Name = strings.TrimSpace(st.Name)
	if st.State == "" {
		st.State = models.StatusStateActive
	}
	if err := validateStruct(st); err != nil {
		return err
	}
	if !st.State.Valid() {
		return fieldError("state", nil, "must be one of new, active, closed")
	}
	return s.store.CreateStatus(ctx, st)
}

// ListCategories returns all categories.
func (s *Service) ListCategories(ctx context.Context, actor *models.Actor) ([]*models.Category, error) {
	if err := s.authorize(ctx, actor, policy.OpView); err != nil {
		return nil, err
	}
	return s.store.ListCategories(ctx)
}

// CreateCategory adds a category.
func (s *Service) CreateCategory(ctx context.Context, actor *models.Actor, c *models.Category) error {
	if err := s.authorize(ctx, actor, policy.OpAdmin); err != nil {
		return err
	}
	c.Name = strings.TrimSpace(c.Name)
	if err := validateStruct(c); err != nil {
		return err
	}
	return s.store.CreateCategory(ctx, c)
}

// ListUsers returns all accounts, e.g. for choosing an assignee.
func (s *Service) ListUsers(ctx context.Context, actor *models.Actor) ([]*models.User, error) {
	if err := s.authorize(ctx, actor, policy.OpView); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx)
}
