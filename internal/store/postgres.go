package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// VersionConflictError reports a save whose base version is no longer the
// case's head. The save is not applied; the caller must reload.
type VersionConflictError struct {
	CurrentVersion int
	YourVersion    int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: current %d, yours %d", e.CurrentVersion, e.YourVersion)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// Users
// =============================================================================

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const find = `SELECT id, display_name, email, role FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, find, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insert = `
		INSERT INTO users (display_name, email, role)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.casedesk.dev'), 'caseworker')
		RETURNING id, display_name, email, role
	`
	if err := s.db.QueryRowContext(ctx, insert, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(password_hash, ''), role FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(password_hash, ''), role FROM users WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role)
	if err != nil {
		if strings.Contains(err.Error(), "users_email_key") {
			return fmt.Errorf("email already registered")
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// =============================================================================
// Sessions
// =============================================================================

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// =============================================================================
// Departments and cases
// =============================================================================

func (s *PostgresStore) InsertDepartment(ctx context.Context, dept Department) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO departments (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, dept.ID, dept.Name)
	if err != nil {
		return fmt.Errorf("insert department: %w", err)
	}
	return nil
}

const caseColumns = `
	id, title, status, department_id,
	COALESCE(assigned_to, ''), COALESCE(fin_assigned_to, ''),
	current_version, COALESCE(legacy_fields, 'null'::jsonb)::text,
	created_by, created_at, updated_at
`

func scanCase(scan func(dest ...any) error) (Case, error) {
	var item Case
	var legacy string
	err := scan(
		&item.ID, &item.Title, &item.Status, &item.DepartmentID,
		&item.AssignedTo, &item.FinAssignedTo,
		&item.CurrentVersion, &legacy,
		&item.CreatedBy, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Case{}, err
	}
	if legacy != "" && legacy != "null" {
		if err := json.Unmarshal([]byte(legacy), &item.LegacyFields); err != nil {
			return Case{}, fmt.Errorf("decode legacy fields: %w", err)
		}
	}
	return item, nil
}

func (s *PostgresStore) InsertCase(ctx context.Context, item Case) error {
	var legacy any
	if item.LegacyFields != nil {
		raw, err := json.Marshal(item.LegacyFields)
		if err != nil {
			return fmt.Errorf("encode legacy fields: %w", err)
		}
		legacy = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases (id, title, status, department_id, assigned_to, fin_assigned_to, legacy_fields, created_by)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
	`, item.ID, item.Title, item.Status, item.DepartmentID, item.AssignedTo, item.FinAssignedTo, legacy, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCase(ctx context.Context, caseID string) (Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=$1`, caseID)
	return scanCase(row.Scan)
}

func (s *PostgresStore) ListCases(ctx context.Context) ([]Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var items []Case
	for rows.Next() {
		item, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateCaseStatus(ctx context.Context, caseID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cases SET status=$2, updated_at=NOW() WHERE id=$1
	`, caseID, status)
	if err != nil {
		return fmt.Errorf("update case status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateCaseAssignees(ctx context.Context, caseID, assignedTo, finAssignedTo string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cases SET assigned_to=NULLIF($2, ''), fin_assigned_to=NULLIF($3, ''), updated_at=NOW() WHERE id=$1
	`, caseID, assignedTo, finAssignedTo)
	if err != nil {
		return fmt.Errorf("update case assignees: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// =============================================================================
// Document versions
// =============================================================================

// SaveVersion persists a new immutable document version. The version
// comparison and the insert happen in one transaction holding the case row,
// so two sessions saving from the same base cannot both win: the loser gets
// a *VersionConflictError and writes nothing.
func (s *PostgresStore) SaveVersion(ctx context.Context, v DocumentVersion, expectedVersion int) (DocumentVersion, error) {
	fields, err := json.Marshal(v.FlattenedFields)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("encode flattened fields: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `SELECT current_version FROM cases WHERE id=$1 FOR UPDATE`, v.CaseID).Scan(&current)
	if err != nil {
		return DocumentVersion{}, err
	}
	if current != expectedVersion {
		return DocumentVersion{}, &VersionConflictError{CurrentVersion: current, YourVersion: expectedVersion}
	}

	v.Version = current + 1
	err = tx.QueryRowContext(ctx, `
		INSERT INTO case_document_versions (id, case_id, version, raw_tree, flattened_fields, track_changes_active, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, v.ID, v.CaseID, v.Version, string(v.RawTree), string(fields), v.TrackChangesActive, v.CreatedBy).Scan(&v.CreatedAt)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("insert version: %w", err)
	}

	searchText := flattenedSearchText(v.FlattenedFields)
	if _, err := tx.ExecContext(ctx, `
		UPDATE cases SET current_version=$2, search_text=$3, updated_at=NOW() WHERE id=$1
	`, v.CaseID, v.Version, searchText); err != nil {
		return DocumentVersion{}, fmt.Errorf("advance case head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DocumentVersion{}, fmt.Errorf("commit save: %w", err)
	}
	return v, nil
}

func flattenedSearchText(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		if fields[k] != "" {
			parts = append(parts, fields[k])
		}
	}
	return strings.Join(parts, "\n")
}

const versionColumns = `id, case_id, version, raw_tree, flattened_fields, track_changes_active, created_by, created_at`

func scanVersion(scan func(dest ...any) error) (DocumentVersion, error) {
	var v DocumentVersion
	var rawTree, fields string
	err := scan(&v.ID, &v.CaseID, &v.Version, &rawTree, &fields, &v.TrackChangesActive, &v.CreatedBy, &v.CreatedAt)
	if err != nil {
		return DocumentVersion{}, err
	}
	v.RawTree = []byte(rawTree)
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &v.FlattenedFields); err != nil {
			return DocumentVersion{}, fmt.Errorf("decode flattened fields: %w", err)
		}
	}
	return v, nil
}

func (s *PostgresStore) LatestVersion(ctx context.Context, caseID string) (DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM case_document_versions
		WHERE case_id=$1
		ORDER BY version DESC
		LIMIT 1
	`, caseID)
	return scanVersion(row.Scan)
}

func (s *PostgresStore) GetVersion(ctx context.Context, caseID string, version int) (DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM case_document_versions
		WHERE case_id=$1 AND version=$2
	`, caseID, version)
	return scanVersion(row.Scan)
}

// ListVersions returns version metadata, newest first, without the raw trees.
func (s *PostgresStore) ListVersions(ctx context.Context, caseID string) ([]DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, version, track_changes_active, created_by, created_at
		FROM case_document_versions
		WHERE case_id=$1
		ORDER BY version DESC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var items []DocumentVersion
	for rows.Next() {
		var v DocumentVersion
		if err := rows.Scan(&v.ID, &v.CaseID, &v.Version, &v.TrackChangesActive, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

// =============================================================================
// Comments
// =============================================================================

const commentColumns = `
	id, COALESCE(comment_id, ''), case_id, parent_id, body,
	COALESCE(anchor_text, ''), status, author_id, COALESCE(author_name, ''),
	created_at, resolved_at, COALESCE(resolved_by, '')
`

func scanComment(scan func(dest ...any) error) (Comment, error) {
	var c Comment
	err := scan(
		&c.ID, &c.CommentID, &c.CaseID, &c.ParentID, &c.Text,
		&c.AnchorText, &c.Status, &c.AuthorID, &c.AuthorName,
		&c.CreatedAt, &c.ResolvedAt, &c.ResolvedBy,
	)
	if err != nil {
		return Comment{}, err
	}
	return c, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_comments (id, comment_id, case_id, parent_id, body, anchor_text, status, author_id, author_name)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
	`, c.ID, c.CommentID, c.CaseID, c.ParentID, c.Text, c.AnchorText, c.Status, c.AuthorID, c.AuthorName)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, caseID, id string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+` FROM case_comments WHERE case_id=$1 AND id=$2
	`, caseID, id)
	return scanComment(row.Scan)
}

// ListComments returns every comment row of a case, roots and replies alike,
// ordered by creation time.
func (s *PostgresStore) ListComments(ctx context.Context, caseID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM case_comments WHERE case_id=$1 ORDER BY created_at, id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var items []Comment
	for rows.Next() {
		c, err := scanComment(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// SetCommentStatus toggles a root comment between open and resolved. Returns
// false when the row is already in the requested state or does not exist.
func (s *PostgresStore) SetCommentStatus(ctx context.Context, caseID, id, status, resolvedBy string) (bool, error) {
	var result sql.Result
	var err error
	if status == CommentResolved {
		result, err = s.db.ExecContext(ctx, `
			UPDATE case_comments SET status=$3, resolved_at=NOW(), resolved_by=$4
			WHERE case_id=$1 AND id=$2 AND parent_id IS NULL AND status <> $3
		`, caseID, id, status, resolvedBy)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE case_comments SET status=$3, resolved_at=NULL, resolved_by=NULL
			WHERE case_id=$1 AND id=$2 AND parent_id IS NULL AND status <> $3
		`, caseID, id, status)
	}
	if err != nil {
		return false, fmt.Errorf("set comment status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set comment status: %w", err)
	}
	return n > 0, nil
}

// DeleteCommentTree removes a root comment and all of its replies together.
func (s *PostgresStore) DeleteCommentTree(ctx context.Context, caseID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM case_comments WHERE case_id=$1 AND (id=$2 OR parent_id=$2)
	`, caseID, id)
	if err != nil {
		return fmt.Errorf("delete comment tree: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
