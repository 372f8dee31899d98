// Package auth resolves bearer tokens into actors and manages accounts.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/joescharf/tracker/internal/models"
	"github.com/joescharf/tracker/internal/policy"
	"github.com/joescharf/tracker/internal/store"
)

var (
	// ErrInvalidCredentials is returned when a username/password pair does not match.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrUsernameTaken is returned by Signup when the username already exists.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrInvalidAccount wraps rejected usernames and passwords.
	ErrInvalidAccount = errors.New("invalid account")
)

// MinPasswordLength is the shortest password Signup accepts.
const MinPasswordLength = 8

// Authenticator owns accounts, passwords and API tokens.
type Authenticator struct {
	store store.Store
	cost  int
}

// New creates an Authenticator. cost is the bcrypt cost; 0 selects bcrypt.DefaultCost.
func New(s store.Store, cost int) *Authenticator {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Authenticator{store: s, cost: cost}
}

// HashToken returns the form a token is stored in.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreateUser stores a new account with the given grants.
func (a *Authenticator) CreateUser(ctx context.Context, username, password string, superuser bool, perms ...string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidAccount)
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidAccount, MinPasswordLength)
	}
	if _, err := a.store.GetUserByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &models.User{
		Username:     username,
		PasswordHash: string(hash),
		Superuser:    superuser,
		Permissions:  perms,
	}
	// A concurrent signup can claim the name after the check above.
	if err := a.store.CreateUser(ctx, u); errors.Is(err, store.ErrConflict) {
		return nil, ErrUsernameTaken
	} else if err != nil {
		return nil, err
	}
	return u, nil
}

// Signup registers a regular account with no grants. Anyone may sign up.
func (a *Authenticator) Signup(ctx context.Context, username, password string) (*models.User, error) {
	if err := policy.Check(nil, policy.OpSignup); err != nil {
		return nil, err
	}
	return a.CreateUser(ctx, username, password, false)
}

// Login checks credentials and issues a new bearer token.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, *models.User, error) {
	u, err := a.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	token, err := a.IssueToken(ctx, u.ID)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// IssueToken creates a token for a user without checking a password.
// Used by the CLI for accounts it manages locally.
func (a *Authenticator) IssueToken(ctx context.Context, userID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := a.store.CreateToken(ctx, userID, HashToken(token)); err != nil {
		return "", err
	}
	return token, nil
}

// Logout revokes a token.
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	return a.store.DeleteToken(ctx, HashToken(token))
}

// ActorForToken resolves a bearer token. Unknown tokens yield (nil, nil).
func (a *Authenticator) ActorForToken(ctx context.Context, token string) (*models.Actor, error) {
	if token == "" {
		return nil, nil
	}
	u, err := a.store.GetUserByToken(ctx, HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return models.ActorFor(u), nil
}

// ActorForUsername resolves a local account by name, for trusted callers such
// as the CLI and the MCP server.
func (a *Authenticator) ActorForUsername(ctx context.Context, username string) (*models.Actor, error) {
	u, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return models.ActorFor(u), nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
