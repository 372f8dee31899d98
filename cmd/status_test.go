package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/tracker/internal/models"
)

func TestStatusListRun_Seeded(t *testing.T) {
	testEnv(t)
	s := useTestStore(t)
	seedUser(t, s, "alice", false)
	actingAs = "alice"
	buf := captureUI(t)

	require.NoError(t, statusListRun(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "new")
	assert.Contains(t, out, "in progress")
	assert.Contains(t, out, "closed")
}

func TestStatusAddRun_SuperuserOnly(t *testing.T) {
	testEnv(t)
	s := useTestStore(t)
	seedUser(t, s, "alice", false, models.PermManageIssues)
	seedUser(t, s, "root", true)
	captureUI(t)
	statusState = string(models.StatusStateActive)

	actingAs = "alice"
	err := statusAddRun(context.Background(), "blocked")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	actingAs = "root"
	require.NoError(t, statusAddRun(context.Background(), "blocked"))
	st, err := s.GetStatusByName(context.Background(), "blocked")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStateActive, st.State)
}

func TestStatusAddRun_InvalidState(t *testing.T) {
	testEnv(t)
	s := useTestStore(t)
	seedUser(t, s, "root", true)
	actingAs = "root"
	statusState = "finished"
	t.Cleanup(func() { statusState = string(models.StatusStateActive) })

	err := statusAddRun(context.Background(), "weird")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state")
}

func TestCategoryAddAndListRun(t *testing.T) {
	testEnv(t)
	s := useTestStore(t)
	seedUser(t, s, "root", true)
	actingAs = "root"
	buf := captureUI(t)

	require.NoError(t, categoryAddRun(context.Background(), "billing"))

	buf.Reset()
	require.NoError(t, categoryListRun(context.Background()))
	assert.Contains(t, buf.String(), "general")
	assert.Contains(t, buf.String(), "billing")
}
