package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/tracker/internal/models"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes access and avoids "database is locked" under concurrent requests.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Statuses ---

func (s *SQLiteStore) CreateStatus(ctx context.Context, st *models.Status) error {
	if st.State == "" {
		st.State = models.StatusStateActive
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO statuses (name, state) VALUES (?, ?)`, st.Name, string(st.State))
	if isUniqueViolation(err) {
		if strings.Contains(err.Error(), "statuses.state") {
			return fmt.Errorf("status %q: a %s status %w", st.Name, st.State, ErrConflict)
		}
		return fmt.Errorf("status %q: %w", st.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create status: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("create status: %w", err)
	}
	st.ID = id
	return nil
}

func (s *SQLiteStore) getStatusWhere(ctx context.Context, where string, arg any) (*models.Status, error) {
	st := &models.Status{}
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, state FROM statuses WHERE `+where, arg).
		Scan(&st.ID, &st.Name, &state)
	if err != nil {
		return nil, err
	}
	st.State = models.StatusState(state)
	return st, nil
}

func (s *SQLiteStore) GetStatus(ctx context.Context, id int64) (*models.Status, error) {
	st, err := s.getStatusWhere(ctx, "id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("status %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) GetStatusByName(ctx context.Context, name string) (*models.Status, error) {
	st, err := s.getStatusWhere(ctx, "name = ? COLLATE NOCASE", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("status %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get status by name: %w", err)
	}
	return st, nil
}

// DefaultStatus returns the status tagged as the initial state.
func (s *SQLiteStore) DefaultStatus(ctx context.Context) (*models.Status, error) {
	st, err := s.getStatusWhere(ctx, "state = ?", string(models.StatusStateNew))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("default status: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get default status: %w", err)
	}
	return st, nil
}

// ClosedStatus returns the status tagged as the closed state.
func (s *SQLiteStore) ClosedStatus(ctx context.Context) (*models.Status, error) {
	st, err := s.getStatusWhere(ctx, "state = ?", string(models.StatusStateClosed))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("closed status: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get closed status: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) ListStatuses(ctx context.Context) ([]*models.Status, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, state FROM statuses ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var statuses []*models.Status
	for rows.Next() {
		st := &models.Status{}
		var state string
		if err := rows.Scan(&st.ID, &st.Name, &state); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		st.State = models.StatusState(state)
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// --- Categories ---

func (s *SQLiteStore) CreateCategory(ctx context.Context, c *models.Category) error {
	result, err := s.db.ExecContext(ctx, `INSERT INTO categories (name) VALUES (?)`, c.Name)
	if isUniqueViolation(err) {
		return fmt.Errorf("category %q: %w", c.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create category: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("create category: %w", err)
	}
	c.ID = id
	return nil
}

func (s *SQLiteStore) GetCategory(ctx context.Context, id int64) (*models.Category, error) {
	c := &models.Category{}
	err := s.db.QueryRowContext(ctx, "SELECT id, name FROM categories WHERE id = ?", id).Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("category %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get category: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetCategoryByName(ctx context.Context, name string) (*models.Category, error) {
	c := &models.Category{}
	err := s.db.QueryRowContext(ctx, "SELECT id, name FROM categories WHERE name = ? COLLATE NOCASE", name).Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("category %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get category by name: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListCategories(ctx context.Context) ([]*models.Category, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM categories ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var categories []*models.Category
	for rows.Next() {
		c := &models.Category{}
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// --- Issues ---

const issueSelect = `SELECT i.id, i.title, i.description, i.author_id, i.assignee_id,
		i.status_id, i.category_id, i.created_at, i.updated_at, i.closed_at,
		s.name, c.name, a.username, u.username
	FROM issues i
	JOIN statuses s ON s.id = i.status_id
	JOIN categories c ON c.id = i.category_id
	JOIN users a ON a.id = i.author_id
	LEFT JOIN users u ON u.id = i.assignee_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*models.Issue, error) {
	issue := &models.Issue{}
	var assigneeID, assigneeName sql.NullString
	var closedAt sql.NullTime

	if err := row.Scan(&issue.ID, &issue.Title, &issue.Description, &issue.AuthorID, &assigneeID,
		&issue.StatusID, &issue.CategoryID, &issue.CreatedAt, &issue.UpdatedAt, &closedAt,
		&issue.StatusName, &issue.CategoryName, &issue.AuthorName, &assigneeName); err != nil {
		return nil, err
	}

	issue.AssigneeID = assigneeID.String
	issue.AssigneeName = assigneeName.String
	if closedAt.Valid {
		t := closedAt.Time
		issue.ClosedAt = &t
	}
	return issue, nil
}

// CreateIssue inserts the issue. ID and CreatedAt are filled in when unset.
func (s *SQLiteStore) CreateIssue(ctx context.Context, issue *models.Issue) error {
	if issue.ID == "" {
		issue.ID = newULID()
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now().UTC()
	}
	issue.CreatedAt = issue.CreatedAt.UTC()
	issue.UpdatedAt = issue.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issues (id, title, description, author_id, assignee_id, status_id, category_id, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.Title, issue.Description, issue.AuthorID, nullString(issue.AssigneeID),
		issue.StatusID, issue.CategoryID, issue.CreatedAt, issue.UpdatedAt, nullTime(issue.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("create issue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	issue, err := scanIssue(s.db.QueryRowContext(ctx, issueSelect+` WHERE i.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

func (s *SQLiteStore) ListIssues(ctx context.Context, filter IssueListFilter) ([]*models.Issue, error) {
	query := issueSelect + ` WHERE 1=1`
	var args []any

	if filter.StatusID != 0 {
		query += ` AND i.status_id = ?`
		args = append(args, filter.StatusID)
	}
	if filter.CategoryID != 0 {
		query += ` AND i.category_id = ?`
		args = append(args, filter.CategoryID)
	}
	if filter.AssigneeID != "" {
		query += ` AND i.assignee_id = ?`
		args = append(args, filter.AssigneeID)
	}
	if filter.AuthorID != "" {
		query += ` AND i.author_id = ?`
		args = append(args, filter.AuthorID)
	}
	if filter.State != "" {
		query += ` AND s.state = ?`
		args = append(args, string(filter.State))
	}

	// ULIDs are monotonic, so id breaks ties between equal timestamps.
	switch filter.Order {
	case OrderCreatedAsc:
		query += ` ORDER BY i.created_at ASC, i.id ASC`
	default:
		query += ` ORDER BY i.created_at DESC, i.id DESC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// UpdateIssue writes the mutable fields of an issue. author_id and created_at
// are never rewritten.
func (s *SQLiteStore) UpdateIssue(ctx context.Context, issue *models.Issue) error {
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = time.Now().UTC()
	}
	issue.UpdatedAt = issue.UpdatedAt.UTC()

	result, err := s.db.ExecContext(ctx,
		`UPDATE issues SET title=?, description=?, assignee_id=?, status_id=?, category_id=?, updated_at=?, closed_at=?
		WHERE id=?`,
		issue.Title, issue.Description, nullString(issue.AssigneeID), issue.StatusID, issue.CategoryID,
		issue.UpdatedAt, nullTime(issue.ClosedAt), issue.ID,
	)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("issue %s: %w", issue.ID, ErrNotFound)
	}
	return nil
}

// UpdateIssueFunc loads the issue, lets fn modify it and writes it back inside
// one transaction, so fn always sees the row it overwrites. fn must not call
// back into the store.
func (s *SQLiteStore) UpdateIssueFunc(ctx context.Context, id string, fn func(issue *models.Issue) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	issue, err := scanIssue(tx.QueryRowContext(ctx, issueSelect+` WHERE i.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get issue: %w", err)
	}

	if err := fn(issue); err != nil {
		return err
	}
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE issues SET title=?, description=?, assignee_id=?, status_id=?, category_id=?, updated_at=?, closed_at=?
		WHERE id=?`,
		issue.Title, issue.Description, nullString(issue.AssigneeID), issue.StatusID, issue.CategoryID,
		issue.UpdatedAt.UTC(), nullTime(issue.ClosedAt), id,
	)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteIssue(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM issues WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = newULID()
	}
	u.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, superuser, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, boolToInt(u.Superuser), u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %q: %w", u.Username, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	for _, perm := range u.Permissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_permissions (user_id, permission) VALUES (?, ?)`, u.ID, perm); err != nil {
			return fmt.Errorf("grant permission %s: %w", perm, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const userSelect = `SELECT id, username, password_hash, superuser, created_at FROM users`

func (s *SQLiteStore) getUserWhere(ctx context.Context, where string, arg any) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx, userSelect+` WHERE `+where, arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Superuser, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	perms, err := s.userPermissions(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Permissions = perms
	return u, nil
}

func (s *SQLiteStore) userPermissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT permission FROM user_permissions WHERE user_id = ? ORDER BY permission", userID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := s.getUserWhere(ctx, "id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := s.getUserWhere(ctx, "username = ?", username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, userSelect+` ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var users []*models.User
	for rows.Next() {
		u := &models.User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Superuser, &u.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	// Release the single connection before loading permissions.
	_ = rows.Close()

	for _, u := range users {
		perms, err := s.userPermissions(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		u.Permissions = perms
	}
	return users, nil
}

func (s *SQLiteStore) SetSuperuser(ctx context.Context, userID string, superuser bool) error {
	result, err := s.db.ExecContext(ctx, "UPDATE users SET superuser = ? WHERE id = ?", boolToInt(superuser), userID)
	if err != nil {
		return fmt.Errorf("set superuser: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GrantPermission(ctx context.Context, userID, perm string) error {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_permissions (user_id, permission) VALUES (?, ?)`, userID, perm)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RevokePermission(ctx context.Context, userID, perm string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_permissions WHERE user_id = ? AND permission = ?`, userID, perm)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

// --- Tokens ---

func (s *SQLiteStore) CreateToken(ctx context.Context, userID, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (token_hash, user_id, created_at) VALUES (?, ?, ?)`,
		tokenHash, userID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserByToken(ctx context.Context, tokenHash string) (*models.User, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, "SELECT user_id FROM tokens WHERE token_hash = ?", tokenHash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return s.GetUser(ctx, userID)
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, tokenHash string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE token_hash = ?", tokenHash)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("token: %w", ErrNotFound)
	}
	return nil
}
