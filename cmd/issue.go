package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tracker/internal/llm"
	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/output"
	"github.com/joescharf/tracker/internal/stats"
	"github.com/joescharf/tracker/internal/store"
	"github.com/joescharf/tracker/internal/tracker"
)

var (
	issueTitle    string
	issueDesc     string
	issueStatus   string
	issueCategory string
	issueAssignee string
	issueState    string
	issueMine     bool
	issueNew      bool
	issueOldest   bool
	issueApply    bool
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Manage issues",
	Long:  "Report, update and close issues.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueListRun(cmd.Context())
	},
}

var issueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new issue",
	Long:  "Add a new issue. Status defaults to the initial status and category to defaults.category.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueAddRun(cmd.Context())
	},
}

var issueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List issues with time-to-close statistics",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueListRun(cmd.Context())
	},
}

var issueShowCmd = &cobra.Command{
	Use:   "show <issue-id>",
	Short: "Show issue details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueShowRun(cmd.Context(), args[0])
	},
}

var issueUpdateCmd = &cobra.Command{
	Use:   "update <issue-id>",
	Short: "Update an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueUpdateRun(cmd, args[0])
	},
}

var issueCloseCmd = &cobra.Command{
	Use:   "close <issue-id>",
	Short: "Move an issue to the closed status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueCloseRun(cmd.Context(), args[0])
	},
}

var issueDeleteCmd = &cobra.Command{
	Use:     "delete <issue-id>",
	Aliases: []string{"rm"},
	Short:   "Permanently delete an issue",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueDeleteRun(cmd.Context(), args[0])
	},
}

var issueTriageCmd = &cobra.Command{
	Use:   "triage <issue-id>",
	Short: "Suggest a category for an issue using Claude",
	Long: `Ask Claude which existing category best fits an issue.

Requires anthropic.api_key (or TRACKER_ANTHROPIC_API_KEY). Prints the
suggestion; pass --apply to update the issue.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueTriageRun(cmd.Context(), args[0])
	},
}

func init() {
	issueAddCmd.Flags().StringVar(&issueTitle, "title", "", "Issue title (required)")
	issueAddCmd.Flags().StringVar(&issueDesc, "desc", "", "Issue description")
	issueAddCmd.Flags().StringVar(&issueStatus, "status", "", "Status name (default: initial status)")
	issueAddCmd.Flags().StringVar(&issueCategory, "category", "", "Category name (default: defaults.category)")
	issueAddCmd.Flags().StringVar(&issueAssignee, "assignee", "", "Assignee username")
	_ = issueAddCmd.MarkFlagRequired("title")

	issueListCmd.Flags().StringVar(&issueStatus, "status", "", "Filter by status name")
	issueListCmd.Flags().StringVar(&issueCategory, "category", "", "Filter by category name")
	issueListCmd.Flags().StringVar(&issueAssignee, "assignee", "", "Filter by assignee username")
	issueListCmd.Flags().StringVar(&issueState, "state", "", "Filter by state: new, active, closed")
	issueListCmd.Flags().BoolVar(&issueMine, "mine", false, "Only issues assigned to you")
	issueListCmd.Flags().BoolVar(&issueNew, "new", false, "Only issues still in the initial status")
	issueListCmd.Flags().BoolVar(&issueOldest, "oldest", false, "Oldest first")

	issueUpdateCmd.Flags().StringVar(&issueTitle, "title", "", "New title")
	issueUpdateCmd.Flags().StringVar(&issueDesc, "desc", "", "New description")
	issueUpdateCmd.Flags().StringVar(&issueStatus, "status", "", "New status name")
	issueUpdateCmd.Flags().StringVar(&issueCategory, "category", "", "New category name")
	issueUpdateCmd.Flags().StringVar(&issueAssignee, "assignee", "", "New assignee username (empty string unassigns)")

	issueTriageCmd.Flags().BoolVar(&issueApply, "apply", false, "Apply the suggested category")

	issueCmd.AddCommand(issueAddCmd)
	issueCmd.AddCommand(issueListCmd)
	issueCmd.AddCommand(issueShowCmd)
	issueCmd.AddCommand(issueUpdateCmd)
	issueCmd.AddCommand(issueCloseCmd)
	issueCmd.AddCommand(issueDeleteCmd)
	issueCmd.AddCommand(issueTriageCmd)
	rootCmd.AddCommand(issueCmd)
}

// session bundles what most commands need: the service, the acting user and
// a name lookup.
type session struct {
	ctx   context.Context
	svc   *tracker.Service
	actor *models.Actor
	names *lookup
}

func newSession(ctx context.Context) (*session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := getService()
	if err != nil {
		return nil, err
	}
	actor, err := getActor(ctx)
	if err != nil {
		return nil, err
	}
	return &session{ctx: ctx, svc: svc, actor: actor, names: newLookup(ctx, svc, actor)}, nil
}

func issueAddRun(ctx context.Context) error {
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}

	draft := &models.Issue{Title: issueTitle, Description: issueDesc}
	if issueStatus != "" {
		st, err := sess.names.status(issueStatus)
		if err != nil {
			return err
		}
		draft.StatusID = st.ID
	}
	if issueCategory != "" {
		c, err := sess.names.category(issueCategory)
		if err != nil {
			return err
		}
		draft.CategoryID = c.ID
	}
	if issueAssignee != "" {
		u, err := sess.names.user(issueAssignee)
		if err != nil {
			return err
		}
		draft.AssigneeID = u.ID
	}

	issue, err := sess.svc.Create(sess.ctx, sess.actor, draft)
	if err != nil {
		return err
	}

	ui.Success("Created issue %s: %s", output.Cyan(shortID(issue.ID)), issue.Title)
	return nil
}

func issueListRun(ctx context.Context) error {
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}

	filter := store.IssueListFilter{State: models.StatusState(issueState)}
	if issueOldest {
		filter.Order = store.OrderCreatedAsc
	}
	if issueNew {
		filter.State = models.StatusStateNew
	}
	if filter.State != "" && !filter.State.Valid() {
		return fmt.Errorf("invalid state %q: use new, active or closed", issueState)
	}
	if issueMine {
		filter.AssigneeID = sess.actor.UserID
	}
	if issueStatus != "" {
		st, err := sess.names.status(issueStatus)
		if err != nil {
			return err
		}
		filter.StatusID = st.ID
	}
	if issueCategory != "" {
		c, err := sess.names.category(issueCategory)
		if err != nil {
			return err
		}
		filter.CategoryID = c.ID
	}
	if issueAssignee != "" {
		u, err := sess.names.user(issueAssignee)
		if err != nil {
			return err
		}
		filter.AssigneeID = u.ID
	}

	issues, err := sess.svc.List(sess.ctx, sess.actor, filter)
	if err != nil {
		return err
	}

	if len(issues) == 0 {
		ui.Info("No issues found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Status", "Category", "Assignee", "Created", "Time to close"})
	for _, issue := range issues {
		toClose := ""
		if d, ok := issue.Duration(); ok && sess.names.statusState(issue.StatusID) == models.StatusStateClosed {
			toClose = output.Duration(d)
		}
		_ = table.Append([]string{
			shortID(issue.ID),
			issue.Title,
			output.StatusColor(issue.StatusName, sess.names.statusState(issue.StatusID)),
			issue.CategoryName,
			issue.AssigneeName,
			output.Ago(issue.CreatedAt),
			toClose,
		})
	}
	_ = table.Render()

	fmt.Fprintln(ui.Out)
	return printSummary(sess, issues)
}

// printSummary prints time-to-close statistics for issues, or a note when
// none of them are closed.
func printSummary(sess *session, issues []*models.Issue) error {
	summary, err := sess.svc.Summarize(sess.ctx, issues)
	var ie *stats.IntegrityError
	switch {
	case err == nil:
		ui.Stats(summary)
	case errors.Is(err, stats.ErrNoClosedIssues):
		ui.Info("No closed issues yet.")
	case errors.As(err, &ie):
		ui.Warning("Statistics unavailable: %v", err)
	default:
		return err
	}
	return nil
}

func issueShowRun(ctx context.Context, id string) error {
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}

	issue, err := sess.names.issue(id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(issue.ID)), issue.Title)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(issue.StatusName, sess.names.statusState(issue.StatusID)))
	fmt.Fprintf(ui.Out, "  Category:   %s\n", issue.CategoryName)
	fmt.Fprintf(ui.Out, "  Author:     %s\n", issue.AuthorName)
	if issue.AssigneeName != "" {
		fmt.Fprintf(ui.Out, "  Assignee:   %s\n", issue.AssigneeName)
	}
	if issue.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", issue.Description)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s (%s)\n", issue.CreatedAt.Local().Format(time.RFC3339), output.Ago(issue.CreatedAt))
	if !issue.UpdatedAt.IsZero() {
		fmt.Fprintf(ui.Out, "  Updated:    %s\n", output.Ago(issue.UpdatedAt))
	}
	if issue.ClosedAt != nil {
		d, _ := issue.Duration()
		fmt.Fprintf(ui.Out, "  Closed:     %s (after %s)\n", issue.ClosedAt.Local().Format(time.RFC3339), output.Duration(d))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", issue.ID)

	return nil
}

func issueUpdateRun(cmd *cobra.Command, id string) error {
	sess, err := newSession(cmd.Context())
	if err != nil {
		return err
	}

	issue, err := sess.names.issue(id)
	if err != nil {
		return err
	}

	var patch tracker.IssuePatch
	if cmd.Flags().Changed("title") {
		patch.Title = &issueTitle
	}
	if cmd.Flags().Changed("desc") {
		patch.Description = &issueDesc
	}
	if cmd.Flags().Changed("status") {
		st, err := sess.names.status(issueStatus)
		if err != nil {
			return err
		}
		patch.StatusID = &st.ID
	}
	if cmd.Flags().Changed("category") {
		c, err := sess.names.category(issueCategory)
		if err != nil {
			return err
		}
		patch.CategoryID = &c.ID
	}
	if cmd.Flags().Changed("assignee") {
		var assignee string
		if issueAssignee != "" {
			u, err := sess.names.user(issueAssignee)
			if err != nil {
				return err
			}
			assignee = u.ID
		}
		patch.AssigneeID = &assignee
	}

	if patch.Empty() {
		return fmt.Errorf("nothing to update: pass at least one of --title, --desc, --status, --category, --assignee")
	}

	updated, err := sess.svc.Update(sess.ctx, sess.actor, issue.ID, patch)
	if err != nil {
		return err
	}

	ui.Success("Updated issue %s", output.Cyan(shortID(updated.ID)))
	return nil
}

func issueCloseRun(ctx context.Context, id string) error {
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}

	issue, err := sess.names.issue(id)
	if err != nil {
		return err
	}
	closed, err := sess.names.closedStatus()
	if err != nil {
		return err
	}
	if issue.StatusID == closed.ID {
		ui.Info("Issue %s is already closed", shortID(issue.ID))
		return nil
	}

	updated, err := sess.svc.Update(sess.ctx, sess.actor, issue.ID, tracker.IssuePatch{StatusID: &closed.ID})
	if err != nil {
		return err
	}

	d, _ := updated.Duration()
	ui.Success("Closed issue %s after %s", output.Cyan(shortID(updated.ID)), output.Duration(d))
	return nil
}

func issueDeleteRun(ctx context.Context, id string) error {
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}

	issue, err := sess.names.issue(id)
	if err != nil {
		return err
	}
	if err := sess.svc.Delete(sess.ctx, sess.actor, issue.ID); err != nil {
		return err
	}

	ui.Success("Deleted issue %s: %s", shortID(issue.ID), issue.Title)
	return nil
}

// categorySuggester picks a category for an issue.
type categorySuggester interface {
	SuggestCategory(ctx context.Context, title, description string, categories []string) (*llm.Suggestion, error)
}

// newSuggester builds the triage client, replaceable in tests.
var newSuggester = func() (categorySuggester, error) {
	key := viper.GetString("anthropic.api_key")
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("category triage is disabled: set anthropic.api_key or TRACKER_ANTHROPIC_API_KEY")
	}
	return llm.NewClient(key, viper.GetString("anthropic.model")), nil
}

func issueTriageRun(ctx context.Context, id string) error {
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	suggester, err := newSuggester()
	if err != nil {
		return err
	}

	issue, err := sess.names.issue(id)
	if err != nil {
		return err
	}
	categories, err := sess.svc.ListCategories(sess.ctx, sess.actor)
	if err != nil {
		return err
	}
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = c.Name
	}

	ui.VerboseLog("Asking for a category among: %v", names)
	suggestion, err := suggester.SuggestCategory(sess.ctx, issue.Title, issue.Description, names)
	if err != nil {
		return err
	}

	ui.Info("Suggested category: %s (currently %s)", output.Cyan(suggestion.Category), issue.CategoryName)
	if suggestion.Reason != "" {
		ui.Info("Reason: %s", suggestion.Reason)
	}
	if !issueApply || suggestion.Category == issue.CategoryName {
		return nil
	}

	c, err := sess.names.category(suggestion.Category)
	if err != nil {
		return err
	}
	if _, err := sess.svc.Update(sess.ctx, sess.actor, issue.ID, tracker.IssuePatch{CategoryID: &c.ID}); err != nil {
		return err
	}
	ui.Success("Set category of %s to %s", shortID(issue.ID), c.Name)
	return nil
}
