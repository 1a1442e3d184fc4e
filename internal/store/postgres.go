package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

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

// ── Submissions ──

const submissionColumns = `
	id, type, language, target_path, title, content, status,
	author_name, author_email, client_ip_hash,
	reviewer, review_notes, reviewed_at,
	pr_number, pr_url, pr_branch, pr_state, pr_error,
	created_at, updated_at
`

func scanSubmission(row interface{ Scan(...any) error }) (Submission, error) {
	var item Submission
	err := row.Scan(
		&item.ID, &item.Type, &item.Language, &item.TargetPath, &item.Title, &item.Content, &item.Status,
		&item.AuthorName, &item.AuthorEmail, &item.ClientIPHash,
		&item.Reviewer, &item.ReviewNotes, &item.ReviewedAt,
		&item.PRNumber, &item.PRURL, &item.PRBranch, &item.PRState, &item.PRError,
		&item.CreatedAt, &item.UpdatedAt,
	)
	return item, err
}

// CreateSubmission inserts the pending submission and its staged asset rows
// in one transaction, so a submission is never queryable without the assets
// its content references.
func (s *PostgresStore) CreateSubmission(ctx context.Context, item Submission, assets []SubmissionAsset) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO submissions (id, type, language, target_path, title, content, status,
				author_name, author_email, client_ip_hash)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9)
		`, item.ID, item.Type, item.Language, item.TargetPath, item.Title, item.Content,
			item.AuthorName, item.AuthorEmail, item.ClientIPHash)
		if err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
		for _, asset := range assets {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO submission_assets (submission_id, asset_id, file_name, content_type, size, sha256,
					tmp_key, temp_url, status, uploaded_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'uploaded', NOW())
			`, asset.SubmissionID, asset.AssetID, asset.FileName, asset.ContentType, asset.Size, asset.SHA256,
				asset.TmpKey, asset.TempURL)
			if err != nil {
				return fmt.Errorf("insert submission asset %s: %w", asset.AssetID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=$1`, id)
	return scanSubmission(row)
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, status string, limit, offset int) ([]Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions`
	args := []any{}
	if status != "" {
		query += ` WHERE status=$1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	items := make([]Submission, 0)
	for rows.Next() {
		item, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}

// LookupSubmissions finds submissions either by exact id or by author
// identity (email preferred, case-insensitive). Used by the public status
// lookup endpoint.
func (s *PostgresStore) LookupSubmissions(ctx context.Context, id, authorEmail, authorName string, limit int) ([]Submission, error) {
	var (
		query string
		args  []any
	)
	switch {
	case id != "":
		query = `SELECT ` + submissionColumns + ` FROM submissions WHERE id=$1`
		args = []any{id}
	case authorEmail != "":
		query = `SELECT ` + submissionColumns + ` FROM submissions WHERE LOWER(author_email)=LOWER($1) ORDER BY created_at DESC LIMIT $2`
		args = []any{authorEmail, limit}
	case authorName != "":
		query = `SELECT ` + submissionColumns + ` FROM submissions WHERE LOWER(author_name)=LOWER($1) ORDER BY created_at DESC LIMIT $2`
		args = []any{authorName, limit}
	default:
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup submissions: %w", err)
	}
	defer rows.Close()

	items := make([]Submission, 0)
	for rows.Next() {
		item, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountSubmissionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan submission count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submission counts: %w", err)
	}
	return counts, nil
}

// MarkReviewed transitions a submission out of pending exactly once. It
// returns false when the row was not pending, which the caller surfaces as
// a conflict.
func (s *PostgresStore) MarkReviewed(ctx context.Context, id, status, reviewer, notes string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET status=$2, reviewer=$3, review_notes=$4, reviewed_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='pending'
	`, id, status, reviewer, notes)
	if err != nil {
		return false, fmt.Errorf("mark reviewed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark reviewed rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) UpdateSubmissionContent(ctx context.Context, id, content string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET content=$2, updated_at=NOW() WHERE id=$1
	`, id, content)
	if err != nil {
		return fmt.Errorf("update submission content: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetPublishResult(ctx context.Context, id, prState string, prNumber *int, prURL, prBranch, prError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET pr_state=$2, pr_number=$3, pr_url=$4, pr_branch=$5, pr_error=$6, updated_at=NOW()
		WHERE id=$1
	`, id, prState, prNumber, prURL, prBranch, prError)
	if err != nil {
		return fmt.Errorf("set publish result: %w", err)
	}
	return nil
}

// ── Submission assets ──

const assetColumns = `
	submission_id, asset_id, file_name, content_type, size, sha256,
	tmp_key, temp_url, status, repo_path, public_path,
	created_at, uploaded_at, migrated_at, deleted_at
`

func scanAsset(row interface{ Scan(...any) error }) (SubmissionAsset, error) {
	var item SubmissionAsset
	err := row.Scan(
		&item.SubmissionID, &item.AssetID, &item.FileName, &item.ContentType, &item.Size, &item.SHA256,
		&item.TmpKey, &item.TempURL, &item.Status, &item.RepoPath, &item.PublicPath,
		&item.CreatedAt, &item.UploadedAt, &item.MigratedAt, &item.DeletedAt,
	)
	return item, err
}

func (s *PostgresStore) GetSubmissionAsset(ctx context.Context, submissionID, assetID string) (SubmissionAsset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM submission_assets WHERE submission_id=$1 AND asset_id=$2`,
		submissionID, assetID)
	return scanAsset(row)
}

func (s *PostgresStore) ListSubmissionAssets(ctx context.Context, submissionID string) ([]SubmissionAsset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM submission_assets WHERE submission_id=$1 ORDER BY created_at`,
		submissionID)
	if err != nil {
		return nil, fmt.Errorf("list submission assets: %w", err)
	}
	defer rows.Close()

	items := make([]SubmissionAsset, 0)
	for rows.Next() {
		item, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission asset: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submission assets: %w", err)
	}
	return items, nil
}

// MarkAssetMigrated records the permanent paths for an asset. Migration is
// write-once: only an 'uploaded' row transitions, so a concurrent or
// repeated migration leaves the original paths untouched.
func (s *PostgresStore) MarkAssetMigrated(ctx context.Context, submissionID, assetID, repoPath, publicPath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submission_assets
		SET status='migrated', repo_path=$3, public_path=$4, migrated_at=NOW()
		WHERE submission_id=$1 AND asset_id=$2 AND status='uploaded'
	`, submissionID, assetID, repoPath, publicPath)
	if err != nil {
		return fmt.Errorf("mark asset migrated: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkAssetDeleted(ctx context.Context, submissionID, assetID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submission_assets
		SET status='deleted', deleted_at=NOW()
		WHERE submission_id=$1 AND asset_id=$2 AND status <> 'deleted'
	`, submissionID, assetID)
	if err != nil {
		return fmt.Errorf("mark asset deleted: %w", err)
	}
	return nil
}

// ListStaleAssets returns uploaded assets eligible for the cleanup sweep:
// older than the cutoff, or belonging to a rejected submission.
func (s *PostgresStore) ListStaleAssets(ctx context.Context, cutoff time.Time) ([]SubmissionAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+`
		FROM submission_assets a
		WHERE a.status='uploaded'
			AND (a.created_at < $1
				OR EXISTS (SELECT 1 FROM submissions s WHERE s.id=a.submission_id AND s.status='rejected'))
		ORDER BY a.created_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale assets: %w", err)
	}
	defer rows.Close()

	items := make([]SubmissionAsset, 0)
	for rows.Next() {
		item, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale asset: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale assets: %w", err)
	}
	return items, nil
}

// ── IP bans ──

// GetActiveBan returns the ban for a hash when it is still in force, nil
// otherwise. The window check runs in Go (IPBan.ActiveAt) so it carries the
// same semantics everywhere the row is inspected.
func (s *PostgresStore) GetActiveBan(ctx context.Context, ipHash string) (*IPBan, error) {
	var item IPBan
	err := s.db.QueryRowContext(ctx, `
		SELECT ip_hash, reason, notes, banned_by, created_at, expires_at
		FROM ip_bans
		WHERE ip_hash=$1
	`, ipHash).Scan(&item.IPHash, &item.Reason, &item.Notes, &item.BannedBy, &item.CreatedAt, &item.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active ban: %w", err)
	}
	if !item.ActiveAt(time.Now()) {
		return nil, nil
	}
	return &item, nil
}

func (s *PostgresStore) UpsertBan(ctx context.Context, item IPBan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_bans (ip_hash, reason, notes, banned_by, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ip_hash) DO UPDATE
		SET reason=EXCLUDED.reason, notes=EXCLUDED.notes, banned_by=EXCLUDED.banned_by, expires_at=EXCLUDED.expires_at
	`, item.IPHash, item.Reason, item.Notes, item.BannedBy, item.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert ban: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBan(ctx context.Context, ipHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ip_bans WHERE ip_hash=$1`, ipHash)
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBans(ctx context.Context, limit, offset int) ([]IPBan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip_hash, reason, notes, banned_by, created_at, expires_at
		FROM ip_bans
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	defer rows.Close()

	items := make([]IPBan, 0)
	for rows.Next() {
		var item IPBan
		if err := rows.Scan(&item.IPHash, &item.Reason, &item.Notes, &item.BannedBy, &item.CreatedAt, &item.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bans: %w", err)
	}
	return items, nil
}

// ── Admin users & sessions ──

func (s *PostgresStore) GetAdminUser(ctx context.Context, username string) (AdminUser, error) {
	var item AdminUser
	err := s.db.QueryRowContext(ctx, `
		SELECT username, display_name, role, password_hash, disabled_at, created_at
		FROM admin_users
		WHERE username=$1
	`, strings.ToLower(username)).Scan(
		&item.Username, &item.DisplayName, &item.Role, &item.PasswordHash, &item.DisabledAt, &item.CreatedAt)
	if err != nil {
		return AdminUser{}, err
	}
	return item, nil
}

func (s *PostgresStore) CreateAdminUser(ctx context.Context, item AdminUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_users (username, display_name, role, password_hash)
		VALUES ($1, $2, $3, $4)
	`, strings.ToLower(item.Username), item.DisplayName, item.Role, item.PasswordHash)
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAdminUsers(ctx context.Context) ([]AdminUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, display_name, role, password_hash, disabled_at, created_at
		FROM admin_users
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list admin users: %w", err)
	}
	defer rows.Close()

	items := make([]AdminUser, 0)
	for rows.Next() {
		var item AdminUser
		if err := rows.Scan(&item.Username, &item.DisplayName, &item.Role, &item.PasswordHash, &item.DisabledAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan admin user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admin users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountAdminUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count admin users: %w", err)
	}
	return count, nil
}

// UpdateAdminPassword swaps the stored hash and revokes every session the
// user holds, in one transaction, so there is no stale-session window.
func (s *PostgresStore) UpdateAdminPassword(ctx context.Context, username, passwordHash string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE admin_users SET password_hash=$2 WHERE username=$1`,
			strings.ToLower(username), passwordHash); err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM admin_sessions WHERE username=$1`, strings.ToLower(username)); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		return nil
	})
}

// DisableAdminUser marks the account disabled and revokes its sessions in
// the same transaction.
func (s *PostgresStore) DisableAdminUser(ctx context.Context, username string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE admin_users SET disabled_at=NOW() WHERE username=$1 AND disabled_at IS NULL`,
			strings.ToLower(username)); err != nil {
			return fmt.Errorf("disable user: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM admin_sessions WHERE username=$1`, strings.ToLower(username)); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAdminSession(ctx context.Context, item AdminSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_sessions (token_hash, username, role, expires_at)
		VALUES ($1, $2, $3, $4)
	`, item.TokenHash, item.Username, item.Role, item.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create admin session: %w", err)
	}
	return nil
}

// LookupAdminSession resolves a session by token hash. The join to
// admin_users means the returned role is always the live one, and rows for
// expired sessions or disabled users never match.
func (s *PostgresStore) LookupAdminSession(ctx context.Context, tokenHash string) (AdminSession, error) {
	var item AdminSession
	err := s.db.QueryRowContext(ctx, `
		SELECT se.token_hash, se.username, u.role, se.created_at, se.expires_at, se.last_seen_at
		FROM admin_sessions se
		JOIN admin_users u ON u.username = se.username
		WHERE se.token_hash=$1
			AND se.expires_at > NOW()
			AND u.disabled_at IS NULL
			AND u.role IN ('admin', 'reviewer')
	`, tokenHash).Scan(&item.TokenHash, &item.Username, &item.Role, &item.CreatedAt, &item.ExpiresAt, &item.LastSeenAt)
	if err != nil {
		return AdminSession{}, err
	}
	return item, nil
}

func (s *PostgresStore) TouchAdminSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE admin_sessions SET last_seen_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("touch admin session: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAdminSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete admin session: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpiredSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return fmt.Errorf("purge expired sessions: %w", err)
	}
	return nil
}

// ── Word scores (Postgres leaderboard fallback) ──

// AddWordScore accumulates into the running total rather than overwriting,
// so repeated approvals add up without recomputing from history.
func (s *PostgresStore) AddWordScore(ctx context.Context, authorKey, displayName string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO word_scores (author_key, display_name, score, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (author_key) DO UPDATE
		SET score = word_scores.score + EXCLUDED.score,
			display_name = EXCLUDED.display_name,
			updated_at = NOW()
	`, authorKey, displayName, delta)
	if err != nil {
		return fmt.Errorf("add word score: %w", err)
	}
	return nil
}

func (s *PostgresStore) TopWordScores(ctx context.Context, limit int) ([]WordScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT author_key, display_name, score, updated_at
		FROM word_scores
		ORDER BY score DESC, author_key
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("top word scores: %w", err)
	}
	defer rows.Close()

	items := make([]WordScore, 0)
	for rows.Next() {
		var item WordScore
		if err := rows.Scan(&item.AuthorKey, &item.DisplayName, &item.Score, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan word score: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate word scores: %w", err)
	}
	return items, nil
}

// ── Search fallback ──

// SearchSubmissions is the Postgres ILIKE fallback used when Meilisearch is
// not configured.
func (s *PostgresStore) SearchSubmissions(ctx context.Context, q string, limit int) ([]Submission, error) {
	pattern := "%" + q + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE title ILIKE $1 OR author_name ILIKE $1 OR author_email ILIKE $1 OR target_path ILIKE $1
		ORDER BY created_at DESC
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search submissions: %w", err)
	}
	defer rows.Close()

	items := make([]Submission, 0)
	for rows.Next() {
		item, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}
