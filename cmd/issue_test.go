package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/tracker/internal/llm"
	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/stats"
	"github.com/joescharf/tracker/internal/store"
)

// issueFixture prepares a store with a manager acting through --as.
func issueFixture(t *testing.T) store.Store {
	t.Helper()
	testEnv(t)
	resetIssueFlags(t)
	s := useTestStore(t)
	seedUser(t, s, "manager", false, models.PermManageIssues)
	seedUser(t, s, "reader", false)
	actingAs = "manager"
	return s
}

func onlyIssue(t *testing.T, s store.Store) *models.Issue {
	t.Helper()
	issues, err := s.ListIssues(context.Background(), store.IssueListFilter{})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	return issues[0]
}

func TestGetActor_NoUserConfigured(t *testing.T) {
	testEnv(t)
	useTestStore(t)

	_, err := getActor(context.Background())
	assert.ErrorIs(t, err, errNoActor)
}

func TestGetActor_FallsBackToCLIUser(t *testing.T) {
	testEnv(t)
	s := useTestStore(t)
	seedUser(t, s, "alice", false)
	viper.Set("cli.user", "alice")

	actor, err := getActor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", actor.Username)

	actingAs = "ghost"
	_, err = getActor(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown user "ghost"`)
}

func TestIssueAddRun_Defaults(t *testing.T) {
	s := issueFixture(t)
	buf := captureUI(t)

	issueTitle = "Printer on fire"
	issueDesc = "third floor"
	require.NoError(t, issueAddRun(context.Background()))
	assert.Contains(t, buf.String(), "Created issue")

	issue := onlyIssue(t, s)
	assert.Equal(t, "Printer on fire", issue.Title)
	assert.Equal(t, "new", issue.StatusName)
	assert.Equal(t, "general", issue.CategoryName)
	assert.Equal(t, "manager", issue.AuthorName)
	assert.Nil(t, issue.ClosedAt)
}

func TestIssueAddRun_UnknownStatus(t *testing.T) {
	issueFixture(t)

	issueTitle = "x"
	issueStatus = "bogus"
	err := issueAddRun(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown status "bogus"`)
}

func TestIssueAddRun_RequiresManagePermission(t *testing.T) {
	s := issueFixture(t)
	actingAs = "reader"

	issueTitle = "x"
	err := issueAddRun(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	issues, err := s.ListIssues(context.Background(), store.IssueListFilter{})
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestIssueListRun_Empty(t *testing.T) {
	issueFixture(t)
	buf := captureUI(t)

	require.NoError(t, issueListRun(context.Background()))
	assert.Contains(t, buf.String(), "No issues found.")
}

func TestIssueLifecycle_CloseShowsInListAndStats(t *testing.T) {
	s := issueFixture(t)
	buf := captureUI(t)

	issueTitle = "Broken login"
	issueAssignee = "manager"
	require.NoError(t, issueAddRun(context.Background()))
	issue := onlyIssue(t, s)
	assert.Equal(t, "manager", issue.AssigneeName)

	require.NoError(t, issueCloseRun(context.Background(), issue.ID[:10]))
	assert.Contains(t, buf.String(), "Closed issue")

	closed := onlyIssue(t, s)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, "closed", closed.StatusName)

	// Closing again is a no-op.
	buf.Reset()
	require.NoError(t, issueCloseRun(context.Background(), issue.ID))
	assert.Contains(t, buf.String(), "already closed")

	resetIssueFlags(t)
	buf.Reset()
	require.NoError(t, issueListRun(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "Broken login")
	assert.Contains(t, out, "Closed issues:")
	assert.Contains(t, out, "Average close:")
}

func TestIssueListRun_NoClosedIssuesNote(t *testing.T) {
	issueFixture(t)
	buf := captureUI(t)

	issueTitle = "Open one"
	require.NoError(t, issueAddRun(context.Background()))

	resetIssueFlags(t)
	issueMine = true
	buf.Reset()
	// Nothing is assigned to the manager.
	require.NoError(t, issueListRun(context.Background()))
	assert.Contains(t, buf.String(), "No issues found.")

	issueMine = false
	issueNew = true
	buf.Reset()
	require.NoError(t, issueListRun(context.Background()))
	assert.Contains(t, buf.String(), "Open one")
	assert.Contains(t, buf.String(), "No closed issues yet.")
}

func TestIssueListRun_InvalidState(t *testing.T) {
	issueFixture(t)

	issueState = "done"
	err := issueListRun(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid state")
}

func TestIssueShowRun(t *testing.T) {
	s := issueFixture(t)
	buf := captureUI(t)

	issueTitle = "Slow page"
	issueDesc = "the dashboard"
	require.NoError(t, issueAddRun(context.Background()))
	issue := onlyIssue(t, s)

	buf.Reset()
	require.NoError(t, issueShowRun(context.Background(), issue.ID))
	out := buf.String()
	assert.Contains(t, out, "Slow page")
	assert.Contains(t, out, "the dashboard")
	assert.Contains(t, out, "Author:     manager")
	assert.Contains(t, out, issue.ID)
	assert.NotContains(t, out, "Closed:")

	err := issueShowRun(context.Background(), "ZZZZ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issue not found")
}

func TestIssueUpdateRun(t *testing.T) {
	s := issueFixture(t)
	captureUI(t)

	issueTitle = "Old title"
	require.NoError(t, issueAddRun(context.Background()))
	issue := onlyIssue(t, s)

	// A bare command has no changed flags.
	err := issueUpdateRun(&cobra.Command{}, issue.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")

	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&issueTitle, "title", "", "")
	cmd.Flags().StringVar(&issueStatus, "status", "", "")
	require.NoError(t, cmd.Flags().Set("title", "New title"))
	require.NoError(t, cmd.Flags().Set("status", "in progress"))
	require.NoError(t, issueUpdateRun(cmd, issue.ID))

	updated := onlyIssue(t, s)
	assert.Equal(t, "New title", updated.Title)
	assert.Equal(t, "in progress", updated.StatusName)
	assert.Nil(t, updated.ClosedAt)
}

func TestIssueDeleteRun(t *testing.T) {
	s := issueFixture(t)
	captureUI(t)

	issueTitle = "Duplicate"
	require.NoError(t, issueAddRun(context.Background()))
	issue := onlyIssue(t, s)

	actingAs = "reader"
	require.Error(t, issueDeleteRun(context.Background(), issue.ID))

	actingAs = "manager"
	require.NoError(t, issueDeleteRun(context.Background(), issue.ID))
	_, err := s.GetIssue(context.Background(), issue.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type fakeSuggester struct {
	category string
	err      error
	seen     []string
}

func (f *fakeSuggester) SuggestCategory(_ context.Context, _, _ string, categories []string) (*llm.Suggestion, error) {
	f.seen = categories
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Suggestion{Category: f.category, Reason: "mentions a crash"}, nil
}

func useSuggester(t *testing.T, f *fakeSuggester) {
	t.Helper()
	orig := newSuggester
	newSuggester = func() (categorySuggester, error) { return f, nil }
	t.Cleanup(func() { newSuggester = orig })
}

func TestIssueTriageRun_Apply(t *testing.T) {
	s := issueFixture(t)
	buf := captureUI(t)
	require.NoError(t, s.CreateCategory(context.Background(), &models.Category{Name: "bug"}))

	issueTitle = "App crashes on start"
	require.NoError(t, issueAddRun(context.Background()))
	issue := onlyIssue(t, s)

	f := &fakeSuggester{category: "bug"}
	useSuggester(t, f)

	// Without --apply the issue is untouched.
	require.NoError(t, issueTriageRun(context.Background(), issue.ID))
	assert.ElementsMatch(t, []string{"general", "bug"}, f.seen)
	assert.Contains(t, buf.String(), "Suggested category")
	assert.Equal(t, "general", onlyIssue(t, s).CategoryName)

	issueApply = true
	require.NoError(t, issueTriageRun(context.Background(), issue.ID))
	assert.Equal(t, "bug", onlyIssue(t, s).CategoryName)
}

func TestIssueTriageRun_SuggesterError(t *testing.T) {
	s := issueFixture(t)
	captureUI(t)

	issueTitle = "x"
	require.NoError(t, issueAddRun(context.Background()))
	issue := onlyIssue(t, s)

	useSuggester(t, &fakeSuggester{err: errors.New("api down")})
	err := issueTriageRun(context.Background(), issue.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api down")
}

func TestNewSuggester_RequiresAPIKey(t *testing.T) {
	testEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := newSuggester()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.api_key")

	viper.Set("anthropic.api_key", "sk-test")
	sg, err := newSuggester()
	require.NoError(t, err)
	assert.NotNil(t, sg)
}

// seedClosed stores a closed issue that took d to resolve.
func seedClosed(t *testing.T, s store.Store, author *models.User, category int64, d time.Duration) {
	t.Helper()
	ctx := context.Background()
	closed, err := s.ClosedStatus(ctx)
	require.NoError(t, err)

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	closedAt := created.Add(d)
	require.NoError(t, s.CreateIssue(ctx, &models.Issue{
		Title:      "seeded",
		AuthorID:   author.ID,
		StatusID:   closed.ID,
		CategoryID: category,
		CreatedAt:  created,
		ClosedAt:   &closedAt,
	}))
}

func TestStatsRun(t *testing.T) {
	testEnv(t)
	resetIssueFlags(t)
	s := useTestStore(t)
	u := seedUser(t, s, "alice", false)
	actingAs = "alice"

	general, err := s.GetCategoryByName(context.Background(), "general")
	require.NoError(t, err)
	bug := &models.Category{Name: "bug"}
	require.NoError(t, s.CreateCategory(context.Background(), bug))

	buf := captureUI(t)
	require.NoError(t, statsRun(context.Background()))
	assert.Contains(t, buf.String(), "No closed issues yet.")

	seedClosed(t, s, u, general.ID, time.Hour)
	seedClosed(t, s, u, general.ID, 3*time.Hour)
	seedClosed(t, s, u, bug.ID, 2*time.Hour)

	statsJSON = true
	buf.Reset()
	require.NoError(t, statsRun(context.Background()))
	var summary stats.Summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &summary))
	assert.Equal(t, 3, summary.Count)
	assert.Equal(t, time.Hour, summary.Min)
	assert.Equal(t, 2*time.Hour, summary.Avg)
	assert.Equal(t, 3*time.Hour, summary.Max)

	statsCategory = "bug"
	buf.Reset()
	require.NoError(t, statsRun(context.Background()))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &summary))
	assert.Equal(t, 1, summary.Count)
	assert.Equal(t, 2*time.Hour, summary.Avg)

	statsJSON = false
	buf.Reset()
	require.NoError(t, statsRun(context.Background()))
	assert.Contains(t, buf.String(), "Closed issues:  1")
	assert.Contains(t, buf.String(), "Average close:  2h")
}

func TestStatsRun_RequiresActor(t *testing.T) {
	testEnv(t)
	resetIssueFlags(t)
	useTestStore(t)

	assert.ErrorIs(t, statsRun(context.Background()), errNoActor)
}
