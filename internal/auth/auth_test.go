package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/store"
)

func setupAuth(t *testing.T) (*Authenticator, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return New(s, bcrypt.MinCost), s
}

func TestSignupAndLogin(t *testing.T) {
	a, s := setupAuth(t)
	ctx := context.Background()

	u, err := a.Signup(ctx, "erin", "correct horse")
	require.NoError(t, err)
	assert.False(t, u.Superuser)
	assert.Empty(t, u.Permissions)
	assert.NotEqual(t, "correct horse", u.PasswordHash)

	token, got, err := a.Login(ctx, "erin", "correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, u.ID, got.ID)

	// Only the hash is stored.
	_, err = s.GetUserByToken(ctx, token)
	assert.ErrorIs(t, err, store.ErrNotFound)

	actor, err := a.ActorForToken(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, "erin", actor.Username)

	require.NoError(t, a.Logout(ctx, token))
	actor, err = a.ActorForToken(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, actor)
}

func TestSignup_Rejects(t *testing.T) {
	a, _ := setupAuth(t)
	ctx := context.Background()

	_, err := a.Signup(ctx, "frank", "short")
	assert.Error(t, err)

	_, err = a.Signup(ctx, "  ", "long enough pw")
	assert.Error(t, err)

	_, err = a.Signup(ctx, "frank", "long enough pw")
	require.NoError(t, err)
	_, err = a.Signup(ctx, "frank", "another password")
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

// staleLookupStore hides existing users from the pre-insert check, as a
// concurrent signup would.
type staleLookupStore struct {
	store.Store
}

func (staleLookupStore) GetUserByUsername(context.Context, string) (*models.User, error) {
	return nil, store.ErrNotFound
}

func TestSignup_ConcurrentInsertIsTaken(t *testing.T) {
	_, s := setupAuth(t)
	a := New(staleLookupStore{Store: s}, bcrypt.MinCost)
	ctx := context.Background()

	_, err := a.Signup(ctx, "frank", "long enough pw")
	require.NoError(t, err)
	_, err = a.Signup(ctx, "frank", "another password")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = a.Signup(ctx, "frank", "short")
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	a, _ := setupAuth(t)
	ctx := context.Background()
	_, err := a.Signup(ctx, "gina", "right password")
	require.NoError(t, err)

	_, _, err = a.Login(ctx, "gina", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = a.Login(ctx, "nobody", "right password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestCreateUser_WithGrants(t *testing.T) {
	a, _ := setupAuth(t)
	ctx := context.Background()

	_, err := a.CreateUser(ctx, "hank", "password123", false, models.PermManageIssues)
	require.NoError(t, err)

	actor, err := a.ActorForUsername(ctx, "hank")
	require.NoError(t, err)
	assert.True(t, actor.HasPermission(models.PermManageIssues))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer ", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, BearerToken(r), "header %q", tt.header)
	}
}

func TestMiddleware(t *testing.T) {
	a, _ := setupAuth(t)
	ctx := context.Background()
	u, err := a.Signup(ctx, "ivy", "password123")
	require.NoError(t, err)
	token, err := a.IssueToken(ctx, u.ID)
	require.NoError(t, err)

	var seen *models.Actor
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, seen)
	assert.Equal(t, u.ID, seen.UserID)

	seen = nil
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Nil(t, seen, "unknown tokens continue as anonymous")
}
