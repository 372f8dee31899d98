package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/policy"
	"github.com/joescharf/tracker/internal/stats"
	"github.com/joescharf/tracker/internal/store"
)

// fakeClock returns a fixed time that tests move forward explicitly.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func strPtr(s string) *string { return &s }
func idPtr(id int64) *int64   { return &id }

type testEnv struct {
	svc     *Service
	store   *store.SQLiteStore
	clock   *fakeClock
	manager *models.Actor
	reader  *models.Actor
	admin   *models.Actor
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	clock := newFakeClock()
	env := &testEnv{
		svc:   NewService(s, WithClock(clock.Now)),
		store: s,
		clock: clock,
	}
	env.manager = createActor(t, s, "manager", false, models.PermManageIssues)
	env.reader = createActor(t, s, "reader", false)
	env.admin = createActor(t, s, "admin", true)
	return env
}

func createActor(t *testing.T, s store.Store, name string, superuser bool, perms ...string) *models.Actor {
	t.Helper()
	u := &models.User{Username: name, PasswordHash: "x", Superuser: superuser, Permissions: perms}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return models.ActorFor(u)
}

func (e *testEnv) status(t *testing.T, name string) *models.Status {
	t.Helper()
	st, err := e.store.GetStatusByName(context.Background(), name)
	require.NoError(t, err)
	return st
}

// --- Create ---

func TestCreate_ForcesAuthorAndDefaults(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	issue, err := env.svc.Create(ctx, env.manager, &models.Issue{
		Title:    "  Login page broken  ",
		AuthorID: env.reader.UserID, // spoofed author is ignored
	})
	require.NoError(t, err)

	assert.NotEmpty(t, issue.ID)
	assert.Equal(t, "Login page broken", issue.Title)
	assert.Equal(t, env.manager.UserID, issue.AuthorID)
	assert.Equal(t, "new", issue.StatusName)
	assert.Equal(t, DefaultCategoryName, issue.CategoryName)
	assert.True(t, env.clock.Now().Equal(issue.CreatedAt))
	assert.Nil(t, issue.ClosedAt)
}

func TestCreate_ValidationErrors(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		draft *models.Issue
		field string
	}{
		{"empty title", &models.Issue{Title: "   "}, "title"},
		{"long title", &models.Issue{Title: strings.Repeat("a", 201)}, "title"},
		{"unknown status", &models.Issue{Title: "x", StatusID: 999}, "status_id"},
		{"unknown category", &models.Issue{Title: "x", CategoryID: 999}, "category_id"},
		{"unknown assignee", &models.Issue{Title: "x", AssigneeID: "nobody"}, "assignee_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Create(ctx, env.manager, tt.draft)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			require.Len(t, ve.Fields, 1)
			assert.Equal(t, tt.field, ve.Fields[0].Field)
		})
	}

	issues, err := env.store.ListIssues(ctx, store.IssueListFilter{})
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestCreate_UnknownReferenceIsNotFound(t *testing.T) {
	env := setupService(t)

	_, err := env.svc.Create(context.Background(), env.manager, &models.Issue{Title: "x", StatusID: 42})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreate_DirectlyClosedStampsClosed(t *testing.T) {
	env := setupService(t)
	closed := env.status(t, "closed")

	issue, err := env.svc.Create(context.Background(), env.manager, &models.Issue{Title: "dup", StatusID: closed.ID})
	require.NoError(t, err)
	require.NotNil(t, issue.ClosedAt)
	assert.True(t, issue.ClosedAt.Equal(issue.CreatedAt))
}

// --- Update ---

func TestUpdate_ClosingStampsClosedTime(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	issue, err := env.svc.Create(ctx, env.manager, &models.Issue{Title: "Crash on save"})
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)
	closed := env.status(t, "closed")
	updated, err := env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{StatusID: idPtr(closed.ID)})
	require.NoError(t, err)

	require.NotNil(t, updated.ClosedAt)
	assert.True(t, updated.ClosedAt.Equal(env.clock.Now()))
	assert.True(t, updated.ClosedAt.After(updated.CreatedAt))
	assert.True(t, issue.CreatedAt.Equal(updated.CreatedAt), "created never changes")
	assert.Equal(t, env.manager.UserID, updated.AuthorID)
}

func TestUpdate_NonClosedTransitionLeavesClosedUnset(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	issue, err := env.svc.Create(ctx, env.manager, &models.Issue{Title: "Slow search"})
	require.NoError(t, err)

	inProgress := env.status(t, "in progress")
	updated, err := env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{StatusID: idPtr(inProgress.ID)})
	require.NoError(t, err)
	assert.Equal(t, "in progress", updated.StatusName)
	assert.Nil(t, updated.ClosedAt)
}

func TestUpdate_ReopenKeepsClosedAndRecloseRestamps(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	closed := env.status(t, "closed")
	inProgress := env.status(t, "in progress")

	issue, err := env.svc.Create(ctx, env.manager, &models.Issue{Title: "Flaky test"})
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	first, err := env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{StatusID: idPtr(closed.ID)})
	require.NoError(t, err)
	firstClosed := *first.ClosedAt

	// Reopening does not clear the stamp.
	env.clock.Advance(time.Hour)
	reopened, err := env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{StatusID: idPtr(inProgress.ID)})
	require.NoError(t, err)
	require.NotNil(t, reopened.ClosedAt)
	assert.True(t, firstClosed.Equal(*reopened.ClosedAt))

	// Editing other fields while closed does not restamp.
	env.clock.Advance(time.Hour)
	_, err = env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{StatusID: idPtr(closed.ID)})
	require.NoError(t, err)
	env.clock.Advance(time.Hour)
	edited, err := env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{
		Title:    strPtr("Flaky test (again)"),
		StatusID: idPtr(closed.ID),
	})
	require.NoError(t, err)
	assert.True(t, issue.CreatedAt.Add(3*time.Hour).Equal(*edited.ClosedAt))
	assert.Equal(t, "Flaky test (again)", edited.Title)
}

func TestUpdate_AssigneeAndCategory(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	issue, err := env.svc.Create(ctx, env.manager, &models.Issue{Title: "Typo"})
	require.NoError(t, err)

	docs := &models.Category{Name: "docs"}
	require.NoError(t, env.svc.CreateCategory(ctx, env.admin, docs))

	updated, err := env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{
		AssigneeID: strPtr(env.reader.UserID),
		CategoryID: idPtr(docs.ID),
	})
	require.NoError(t, err)
	assert.Equal(t, env.reader.UserID, updated.AssigneeID)
	assert.Equal(t, "docs", updated.CategoryName)

	updated, err = env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{AssigneeID: strPtr("")})
	require.NoError(t, err)
	assert.Empty(t, updated.AssigneeID)

	_, err = env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{Title: strPtr("")})
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestUpdate_NotFound(t *testing.T) {
	env := setupService(t)
	_, err := env.svc.Update(context.Background(), env.manager, "missing", IssuePatch{Title: strPtr("x")})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Delete / Get / List ---

func TestDelete_ThenGetNotFound(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	issue, err := env.svc.Create(ctx, env.manager, &models.Issue{Title: "Obsolete"})
	require.NoError(t, err)

	require.NoError(t, env.svc.Delete(ctx, env.manager, issue.ID))

	_, err = env.svc.Get(ctx, env.reader, issue.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestList_NewestFirst(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	var ids []string
	for _, title := range []string{"one", "two", "three"} {
		issue, err := env.svc.Create(ctx, env.manager, &models.Issue{Title: title})
		require.NoError(t, err)
		ids = append(ids, issue.ID)
		env.clock.Advance(time.Minute)
	}

	issues, err := env.svc.List(ctx, env.reader, store.IssueListFilter{})
	require.NoError(t, err)
	require.Len(t, issues, 3)
	for i := 1; i < len(issues); i++ {
		assert.True(t, issues[i-1].CreatedAt.After(issues[i].CreatedAt))
	}
	assert.Equal(t, ids[2], issues[0].ID)
}

func TestMineAndNew(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	closed := env.status(t, "closed")

	mine, err := env.svc.Create(ctx, env.manager, &models.Issue{Title: "mine", AssigneeID: env.reader.UserID})
	require.NoError(t, err)
	_, err = env.svc.Create(ctx, env.manager, &models.Issue{Title: "other"})
	require.NoError(t, err)
	_, err = env.svc.Create(ctx, env.manager, &models.Issue{Title: "done", StatusID: closed.ID})
	require.NoError(t, err)

	got, err := env.svc.Mine(ctx, env.reader)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID, got[0].ID)

	got, err = env.svc.New(ctx, env.reader)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = env.svc.Mine(ctx, nil)
	assert.ErrorIs(t, err, policy.ErrNotAuthenticated)
}

// --- Policy ---

func TestAccessPolicy(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	issue, err := env.svc.Create(ctx, env.manager, &models.Issue{Title: "guarded"})
	require.NoError(t, err)

	_, err = env.svc.List(ctx, nil, store.IssueListFilter{})
	assert.ErrorIs(t, err, policy.ErrNotAuthenticated)
	_, err = env.svc.Get(ctx, nil, issue.ID)
	assert.ErrorIs(t, err, policy.ErrNotAuthenticated)

	_, err = env.svc.Create(ctx, env.reader, &models.Issue{Title: "nope"})
	assert.ErrorIs(t, err, policy.ErrNotAuthorized)
	_, err = env.svc.Update(ctx, env.reader, issue.ID, IssuePatch{Title: strPtr("nope")})
	assert.ErrorIs(t, err, policy.ErrNotAuthorized)
	assert.ErrorIs(t, env.svc.Delete(ctx, env.reader, issue.ID), policy.ErrNotAuthorized)

	_, err = env.svc.Create(ctx, nil, &models.Issue{Title: "nope"})
	assert.ErrorIs(t, err, policy.ErrNotAuthenticated)

	// Superusers hold every permission.
	_, err = env.svc.Update(ctx, env.admin, issue.ID, IssuePatch{Title: strPtr("renamed")})
	assert.NoError(t, err)

	err = env.svc.CreateCategory(ctx, env.manager, &models.Category{Name: "ops"})
	assert.ErrorIs(t, err, policy.ErrNotAuthorized)
}

// countingStore records issue writes so tests can assert denial happens first.
type countingStore struct {
	store.Store
	calls int
}

func (c *countingStore) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	c.calls++
	return c.Store.GetIssue(ctx, id)
}

func (c *countingStore) CreateIssue(ctx context.Context, issue *models.Issue) error {
	c.calls++
	return c.Store.CreateIssue(ctx, issue)
}

func (c *countingStore) DeleteIssue(ctx context.Context, id string) error {
	c.calls++
	return c.Store.DeleteIssue(ctx, id)
}

func TestDenialShortCircuitsStore(t *testing.T) {
	env := setupService(t)
	cs := &countingStore{Store: env.store}
	svc := NewService(cs)
	ctx := context.Background()

	_, err := svc.Create(ctx, env.reader, &models.Issue{Title: "x"})
	assert.ErrorIs(t, err, policy.ErrNotAuthorized)
	_, err = svc.Update(ctx, env.reader, "any", IssuePatch{})
	assert.ErrorIs(t, err, policy.ErrNotAuthorized)
	assert.ErrorIs(t, svc.Delete(ctx, nil, "any"), policy.ErrNotAuthenticated)

	assert.Zero(t, cs.calls)
}

// racingStore runs interleave once, after Update has resolved its references
// and before the issue row is read for writing.
type racingStore struct {
	store.Store
	interleave func()
}

func (r *racingStore) UpdateIssueFunc(ctx context.Context, id string, fn func(*models.Issue) error) error {
	if r.interleave != nil {
		run := r.interleave
		r.interleave = nil
		run()
	}
	return r.Store.UpdateIssueFunc(ctx, id, fn)
}

func TestUpdate_ConcurrentEditKeepsClose(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	closed := env.status(t, "closed")
	issue, err := env.svc.Create(ctx, env.manager, &models.Issue{Title: "Login loop"})
	require.NoError(t, err)

	rs := &racingStore{Store: env.store}
	svc := NewService(rs, WithClock(env.clock.Now))
	env.clock.Advance(time.Hour)
	closedAt := env.clock.Now()
	rs.interleave = func() {
		_, err := env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{StatusID: idPtr(closed.ID)})
		require.NoError(t, err)
		env.clock.Advance(time.Minute)
	}

	// A title edit that started before the close must not reopen the issue.
	updated, err := svc.Update(ctx, env.manager, issue.ID, IssuePatch{Title: strPtr("Login loop on Safari")})
	require.NoError(t, err)
	assert.Equal(t, "Login loop on Safari", updated.Title)
	assert.Equal(t, closed.ID, updated.StatusID)
	require.NotNil(t, updated.ClosedAt)
	assert.True(t, closedAt.Equal(*updated.ClosedAt))
}

func TestUpdate_ConcurrentCloseStampsOnce(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	closed := env.status(t, "closed")
	issue, err := env.svc.Create(ctx, env.manager, &models.Issue{Title: "Double close"})
	require.NoError(t, err)

	rs := &racingStore{Store: env.store}
	svc := NewService(rs, WithClock(env.clock.Now))
	env.clock.Advance(time.Hour)
	firstClose := env.clock.Now()
	rs.interleave = func() {
		_, err := env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{StatusID: idPtr(closed.ID)})
		require.NoError(t, err)
		env.clock.Advance(time.Hour)
	}

	updated, err := svc.Update(ctx, env.manager, issue.ID, IssuePatch{StatusID: idPtr(closed.ID)})
	require.NoError(t, err)
	require.NotNil(t, updated.ClosedAt)
	assert.True(t, firstClose.Equal(*updated.ClosedAt), "an already closed issue is not restamped")
}

// --- Stats ---

func TestStats(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	closed := env.status(t, "closed")

	_, err := env.svc.Stats(ctx, env.reader, store.IssueListFilter{})
	assert.ErrorIs(t, err, stats.ErrNoClosedIssues)

	for _, d := range []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour} {
		issue, err := env.svc.Create(ctx, env.manager, &models.Issue{Title: "timed"})
		require.NoError(t, err)
		env.clock.Advance(d)
		_, err = env.svc.Update(ctx, env.manager, issue.ID, IssuePatch{StatusID: idPtr(closed.ID)})
		require.NoError(t, err)
	}
	// An open issue does not count.
	_, err = env.svc.Create(ctx, env.manager, &models.Issue{Title: "still open"})
	require.NoError(t, err)

	summary, err := env.svc.Stats(ctx, env.reader, store.IssueListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Count)
	assert.Equal(t, time.Hour, summary.Min)
	assert.Equal(t, 2*time.Hour, summary.Avg)
	assert.Equal(t, 3*time.Hour, summary.Max)

	_, err = env.svc.Stats(ctx, nil, store.IssueListFilter{})
	assert.ErrorIs(t, err, policy.ErrNotAuthenticated)
}

// --- Reference data ---

func TestCreateStatus(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	st := &models.Status{Name: "blocked"}
	require.NoError(t, env.svc.CreateStatus(ctx, env.admin, st))
	assert.Equal(t, models.StatusStateActive, st.State)

	err := env.svc.CreateStatus(ctx, env.admin, &models.Status{Name: "weird", State: "limbo"})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "state", ve.Fields[0].Field)

	err = env.svc.CreateStatus(ctx, env.admin, &models.Status{Name: ""})
	assert.True(t, errors.As(err, &ve))

	statuses, err := env.svc.ListStatuses(ctx, env.reader)
	require.NoError(t, err)
	assert.Len(t, statuses, 4)
}
