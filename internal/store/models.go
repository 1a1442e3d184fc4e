package store

import "time"

// Submission is one content-change proposal from an anonymous visitor.
// Status leaves "pending" exactly once (approved or rejected) and never
// transitions again; publish-result fields are backfilled by the approve
// flow only.
type Submission struct {
	ID           string
	Type         string // add | edit
	Language     string // zh | en
	TargetPath   string
	Title        string
	Content      string
	Status       string // pending | approved | rejected
	AuthorName   string
	AuthorEmail  string
	ClientIPHash string
	Reviewer     string
	ReviewNotes  string
	ReviewedAt   *time.Time
	PRNumber     *int
	PRURL        string
	PRBranch     string
	PRState      string // "" | created | failed
	PRError      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SubmissionAsset is one staged binary keyed by (submission_id, asset_id).
// RepoPath/PublicPath are write-once: set when the asset is migrated and
// immutable afterwards.
type SubmissionAsset struct {
	SubmissionID string
	AssetID      string
	FileName     string
	ContentType  string
	Size         int64
	SHA256       string
	TmpKey       string
	TempURL      string
	Status       string // uploaded | migrated | deleted
	RepoPath     string
	PublicPath   string
	CreatedAt    time.Time
	UploadedAt   *time.Time
	MigratedAt   *time.Time
	DeletedAt    *time.Time
}

// IPBan is keyed by the salted hash of a client IP. ExpiresAt nil means
// permanent; a ban is active iff ExpiresAt is nil or in the future.
type IPBan struct {
	IPHash    string
	Reason    string
	Notes     string
	BannedBy  string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// ActiveAt reports whether the ban is in force at the given instant.
func (b IPBan) ActiveAt(now time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

type AdminUser struct {
	Username     string
	DisplayName  string
	Role         string // admin | reviewer
	PasswordHash string
	DisabledAt   *time.Time
	CreatedAt    time.Time
}

// AdminSession stores only the hash of the bearer token. Role is a login
// snapshot; lookups join admin_users and use the live role.
type AdminSession struct {
	TokenHash  string
	Username   string
	Role       string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastSeenAt *time.Time
}

// WordScore is one leaderboard row: accumulated changed-word units for a
// normalized author identity.
type WordScore struct {
	AuthorKey   string
	DisplayName string
	Score       int64
	UpdatedAt   time.Time
}
