package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/output"
	"github.com/joescharf/tracker/internal/store"
)

var (
	userPassword  string
	userSuperuser bool
	userGrants    []string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage local accounts",
	Long: `Manage accounts directly in the local database.

These commands operate on the database file and do not require an acting
user, so they can bootstrap the first superuser.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return userListRun(cmd.Context())
	},
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return userAddRun(cmd.Context(), args[0])
	},
}

var userListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List accounts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return userListRun(cmd.Context())
	},
}

var userGrantCmd = &cobra.Command{
	Use:   "grant <username> <permission>",
	Short: "Grant a permission (e.g. manage_issues)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return userGrantRun(cmd.Context(), args[0], args[1], true)
	},
}

var userRevokeCmd = &cobra.Command{
	Use:   "revoke <username> <permission>",
	Short: "Revoke a permission",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return userGrantRun(cmd.Context(), args[0], args[1], false)
	},
}

var userTokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Issue an API bearer token for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return userTokenRun(cmd.Context(), args[0])
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password for API login (required)")
	userAddCmd.Flags().BoolVar(&userSuperuser, "superuser", false, "Grant every permission, including reference data")
	userAddCmd.Flags().StringSliceVar(&userGrants, "grant", nil, "Permissions to grant (repeatable)")
	_ = userAddCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userGrantCmd)
	userCmd.AddCommand(userRevokeCmd)
	userCmd.AddCommand(userTokenCmd)
	rootCmd.AddCommand(userCmd)
}

func userAddRun(ctx context.Context, username string) error {
	a, err := getAuth()
	if err != nil {
		return err
	}

	u, err := a.CreateUser(ctx, username, userPassword, userSuperuser, userGrants...)
	if err != nil {
		return err
	}

	ui.Success("Created user %s", output.Cyan(u.Username))
	return nil
}

func userListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		ui.Info("No users. Use 'tracker user add <username> --password ...' to create one.")
		return nil
	}

	table := ui.Table([]string{"Username", "Superuser", "Permissions", "Created"})
	for _, u := range users {
		super := ""
		if u.Superuser {
			super = output.Yellow("yes")
		}
		_ = table.Append([]string{
			u.Username,
			super,
			strings.Join(u.Permissions, ", "),
			output.Ago(u.CreatedAt),
		})
	}
	_ = table.Render()
	return nil
}

// userByName loads an account straight from the store.
func userByName(ctx context.Context, s store.Store, username string) (*models.User, error) {
	u, err := s.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("unknown user %q", username)
	}
	return u, err
}

func userGrantRun(ctx context.Context, username, perm string, grant bool) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	u, err := userByName(ctx, s, username)
	if err != nil {
		return err
	}

	if grant {
		if err := s.GrantPermission(ctx, u.ID, perm); err != nil {
			return err
		}
		ui.Success("Granted %s to %s", perm, u.Username)
		return nil
	}
	if err := s.RevokePermission(ctx, u.ID, perm); err != nil {
		return err
	}
	ui.Success("Revoked %s from %s", perm, u.Username)
	return nil
}

func userTokenRun(ctx context.Context, username string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	u, err := userByName(ctx, s, username)
	if err != nil {
		return err
	}
	a, err := getAuth()
	if err != nil {
		return err
	}

	token, err := a.IssueToken(ctx, u.ID)
	if err != nil {
		return err
	}

	// Token alone on stdout so it can be captured by scripts.
	fmt.Fprintln(ui.Out, token)
	ui.VerboseLog("Use it as: Authorization: Bearer <token>")
	return nil
}
