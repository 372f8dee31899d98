package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/stats"
	"github.com/joescharf/tracker/internal/store"
)

var (
	statsCategory string
	statsAssignee string
	statsJSON     bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how long closed issues took to resolve",
	Long: `Show the number of closed issues and the fastest, average and slowest
time from creation to closure. Filters narrow the set of issues considered.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statsRun(cmd.Context())
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsCategory, "category", "", "Only issues in this category")
	statsCmd.Flags().StringVar(&statsAssignee, "assignee", "", "Only issues assigned to this user")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print the summary as JSON (durations in nanoseconds)")
	rootCmd.AddCommand(statsCmd)
}

func statsRun(ctx context.Context) error {
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}

	filter := store.IssueListFilter{State: models.StatusStateClosed}
	if statsCategory != "" {
		c, err := sess.names.category(statsCategory)
		if err != nil {
			return err
		}
		filter.CategoryID = c.ID
	}
	if statsAssignee != "" {
		u, err := sess.names.user(statsAssignee)
		if err != nil {
			return err
		}
		filter.AssigneeID = u.ID
	}

	summary, err := sess.svc.Stats(sess.ctx, sess.actor, filter)
	if errors.Is(err, stats.ErrNoClosedIssues) {
		if statsJSON {
			return writeJSON(&stats.Summary{})
		}
		ui.Info("No closed issues yet.")
		return nil
	}
	if err != nil {
		return err
	}

	if statsJSON {
		return writeJSON(summary)
	}
	ui.Stats(summary)
	return nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(ui.Out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
