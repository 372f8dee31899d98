package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/output"
)

var statusState string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Manage issue statuses",
	Long: `List or add the statuses issues move through.

Each status carries a state: new (where issues start), active, or closed.
Exactly one status may be closed; moving an issue into it stamps its
closed time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusListRun(cmd.Context())
	},
}

var statusListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List statuses",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusListRun(cmd.Context())
	},
}

var statusAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a status (superuser only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusAddRun(cmd.Context(), args[0])
	},
}

var categoryCmd = &cobra.Command{
	Use:   "category",
	Short: "Manage issue categories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return categoryListRun(cmd.Context())
	},
}

var categoryListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List categories",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return categoryListRun(cmd.Context())
	},
}

var categoryAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a category (superuser only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return categoryAddRun(cmd.Context(), args[0])
	},
}

func init() {
	statusAddCmd.Flags().StringVar(&statusState, "state", string(models.StatusStateActive), "State: new, active or closed")

	statusCmd.AddCommand(statusListCmd)
	statusCmd.AddCommand(statusAddCmd)
	categoryCmd.AddCommand(categoryListCmd)
	categoryCmd.AddCommand(categoryAddCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(categoryCmd)
}

func statusListRun(ctx context.Context) error {
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}

	statuses, err := sess.svc.ListStatuses(sess.ctx, sess.actor)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		ui.Info("No statuses defined.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "State"})
	for _, st := range statuses {
		_ = table.Append([]string{
			strconv.FormatInt(st.ID, 10),
			output.StatusColor(st.Name, st.State),
			string(st.State),
		})
	}
	_ = table.Render()
	return nil
}

func statusAddRun(ctx context.Context, name string) error {
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}

	st := &models.Status{Name: name, State: models.StatusState(statusState)}
	if err := sess.svc.CreateStatus(sess.ctx, sess.actor, st); err != nil {
		return err
	}

	ui.Success("Added status %s (%s)", output.Cyan(st.Name), st.State)
	return nil
}

func categoryListRun(ctx context.Context) error {
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}

	categories, err := sess.svc.ListCategories(sess.ctx, sess.actor)
	if err != nil {
		return err
	}
	if len(categories) == 0 {
		ui.Info("No categories defined.")
		return nil
	}

	for _, c := range categories {
		fmt.Fprintf(ui.Out, "  %s\n", c.Name)
	}
	return nil
}

func categoryAddRun(ctx context.Context, name string) error {
	sess, err := newSession(ctx)
	if err != nil {
		return err
	}

	c := &models.Category{Name: name}
	if err := sess.svc.CreateCategory(sess.ctx, sess.actor, c); err != nil {
		return err
	}

	ui.Success("Added category %s", output.Cyan(c.Name))
	return nil
}
