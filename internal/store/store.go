package store

import (
	"context"
	"errors"

	"github.com/joescharf/tracker/internal/models"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write would duplicate a unique name.
var ErrConflict = errors.New("already exists")

// IssueOrder controls the sort order of ListIssues.
type IssueOrder string

const (
	OrderCreatedDesc IssueOrder = "created_desc"
	OrderCreatedAsc  IssueOrder = "created_asc"
)

// IssueListFilter specifies filters for listing issues. Zero values match everything.
type IssueListFilter struct {
	StatusID   int64
	CategoryID int64
	AssigneeID string
	AuthorID   string
	State      models.StatusState
	Order      IssueOrder
}

// Store defines the persistence interface for the tracker.
type Store interface {
	// Statuses
	CreateStatus(ctx context.Context, st *models.Status) error
	GetStatus(ctx context.Context, id int64) (*models.Status, error)
	GetStatusByName(ctx context.Context, name string) (*models.Status, error)
	ListStatuses(ctx context.Context) ([]*models.Status, error)
	DefaultStatus(ctx context.Context) (*models.Status, error)
	ClosedStatus(ctx context.Context) (*models.Status, error)

	// Categories
	CreateCategory(ctx context.Context, c *models.Category) error
	GetCategory(ctx context.Context, id int64) (*models.Category, error)
	GetCategoryByName(ctx context.Context, name string) (*models.Category, error)
	ListCategories(ctx context.Context) ([]*models.Category, error)

	// Issues
	CreateIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	ListIssues(ctx context.Context, filter IssueListFilter) ([]*models.Issue, error)
	UpdateIssue(ctx context.Context, issue *models.Issue) error
	// UpdateIssueFunc applies fn to the current row and saves it atomically.
	UpdateIssueFunc(ctx context.Context, id string, fn func(issue *models.Issue) error) error
	DeleteIssue(ctx context.Context, id string) error

	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	SetSuperuser(ctx context.Context, userID string, superuser bool) error
	GrantPermission(ctx context.Context, userID, perm string) error
	RevokePermission(ctx context.Context, userID, perm string) error

	// Tokens
	CreateToken(ctx context.Context, userID, tokenHash string) error
	GetUserByToken(ctx context.Context, tokenHash string) (*models.User, error)
	DeleteToken(ctx context.Context, tokenHash string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
