package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/joescharf/tracker/internal/auth"
	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/output"
	"github.com/joescharf/tracker/internal/store"
)

// useTestStore opens the database under the test config dir and closes it
// when the test ends.
func useTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := getStore()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		dataStore = nil
	})
	return s
}

// seedUser creates an account with a cheap password hash.
func seedUser(t *testing.T, s store.Store, username string, superuser bool, perms ...string) *models.User {
	t.Helper()
	u, err := auth.New(s, bcrypt.MinCost).CreateUser(context.Background(), username, "password123", superuser, perms...)
	require.NoError(t, err)
	return u
}

// captureUI routes command output into a buffer.
func captureUI(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ui = &output.UI{Out: &buf, ErrOut: &buf}
	return &buf
}

// resetIssueFlags clears the package-level flag values shared by issue commands.
func resetIssueFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		issueTitle, issueDesc, issueStatus, issueCategory, issueAssignee, issueState = "", "", "", "", "", ""
		issueMine, issueNew, issueOldest, issueApply = false, false, false, false
		statsCategory, statsAssignee, statsJSON = "", "", false
	}
	reset()
	t.Cleanup(reset)
}
