package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"handbook/api/internal/abuse"
	"handbook/api/internal/accounts"
	"handbook/api/internal/leaderboard"
	"handbook/api/internal/publish"
	"handbook/api/internal/search"
	"handbook/api/internal/staging"
	"handbook/api/internal/store"
	"handbook/api/internal/util"
)

const (
	maxTitleLength   = 200
	maxContentLength = 512 << 10
	maxAuthorLength  = 120
	maxNotesLength   = 4 << 10
)

// targetPathPattern is the hard contract for where a submission may land:
// a markdown file under content/<language>/.
var targetPathPattern = regexp.MustCompile(`^content/(zh|en)/[A-Za-z0-9._/-]+\.md$`)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// SubmitInput is the payload part of a submission request.
type SubmitInput struct {
	Type           string `json:"type"`
	Language       string `json:"language"`
	TargetPath     string `json:"target_path"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	AuthorName     string `json:"author_name"`
	AuthorEmail    string `json:"author_email"`
	TurnstileToken string `json:"turnstile_token"`
}

// LookupInput identifies submissions by id or author.
type LookupInput struct {
	ID             string `json:"id"`
	AuthorEmail    string `json:"author_email"`
	AuthorName     string `json:"author_name"`
	TurnstileToken string `json:"turnstile_token"`
}

// BanInput creates or updates a ban. IP and IPHash are alternatives: a raw
// IP is hashed server-side and never stored.
type BanInput struct {
	IP        string     `json:"ip"`
	IPHash    string     `json:"ip_hash"`
	Reason    string     `json:"reason"`
	Notes     string     `json:"notes"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// CleanupReport summarizes one stale-asset sweep, item by item. Orphans
// counts staging blobs past the TTL with no live row behind them, swept by
// listing the bucket directly.
type CleanupReport struct {
	Scanned int           `json:"scanned"`
	Deleted int           `json:"deleted"`
	Failed  int           `json:"failed"`
	Orphans int           `json:"orphans"`
	Items   []CleanupItem `json:"items"`
}

type CleanupItem struct {
	SubmissionID string `json:"submission_id"`
	AssetID      string `json:"asset_id"`
	Outcome      string `json:"outcome"` // deleted | failed
}

type dataStore interface {
	Ping(context.Context) error
	CreateSubmission(context.Context, store.Submission, []store.SubmissionAsset) error
	GetSubmission(context.Context, string) (store.Submission, error)
	ListSubmissions(context.Context, string, int, int) ([]store.Submission, error)
	LookupSubmissions(context.Context, string, string, string, int) ([]store.Submission, error)
	CountSubmissionsByStatus(context.Context) (map[string]int, error)
	MarkReviewed(context.Context, string, string, string, string) (bool, error)
	ListSubmissionAssets(context.Context, string) ([]store.SubmissionAsset, error)
	GetActiveBan(context.Context, string) (*store.IPBan, error)
	UpsertBan(context.Context, store.IPBan) error
	DeleteBan(context.Context, string) error
	ListBans(context.Context, int, int) ([]store.IPBan, error)
	ListStaleAssets(context.Context, time.Time) ([]store.SubmissionAsset, error)
	MarkAssetDeleted(context.Context, string, string) error
}

type stager interface {
	Stage(ctx context.Context, submissionID, content string, uploads []staging.Upload) (string, []store.SubmissionAsset, error)
}

type publisher interface {
	ValidateAssets(ctx context.Context, sub store.Submission) error
	Publish(ctx context.Context, sub store.Submission) (publish.Result, error)
}

type captcha interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

type blobSweeper interface {
	Delete(ctx context.Context, key string) error
	ListStagingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

type Service struct {
	store      dataStore
	staging    stager
	publisher  publisher
	captcha    captcha
	accounts   *accounts.Service
	ranking    leaderboard.Service
	search     *search.Service
	blobs      blobSweeper
	ipSalt     string
	stagingTTL time.Duration
}

type ServiceConfig struct {
	Store      dataStore
	Staging    stager
	Publisher  publisher
	Captcha    captcha
	Accounts   *accounts.Service
	Ranking    leaderboard.Service
	Search     *search.Service
	Blobs      blobSweeper
	IPSalt     string
	StagingTTL time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	return &Service{
		store:      cfg.Store,
		staging:    cfg.Staging,
		publisher:  cfg.Publisher,
		captcha:    cfg.Captcha,
		accounts:   cfg.Accounts,
		ranking:    cfg.Ranking,
		search:     cfg.Search,
		blobs:      cfg.Blobs,
		ipSalt:     cfg.IPSalt,
		stagingTTL: cfg.StagingTTL,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Accounts exposes the credential service to the HTTP layer.
func (s *Service) Accounts() *accounts.Service {
	return s.accounts
}

// gate runs the abuse and CAPTCHA checks every public mutating call makes
// before any other side effect, and returns the caller's ip hash.
func (s *Service) gate(ctx context.Context, remoteIP, captchaToken string) (string, error) {
	ipHash := abuse.HashIP(s.ipSalt, remoteIP)
	ban, err := s.store.GetActiveBan(ctx, ipHash)
	if err != nil {
		return "", fmt.Errorf("check ban: %w", err)
	}
	if ban != nil && ban.ActiveAt(time.Now()) {
		return "", domainError(http.StatusForbidden, "ip_banned", "Submissions from this address are blocked", banDisclosure(ban))
	}
	if err := s.captcha.Verify(ctx, captchaToken, remoteIP); err != nil {
		return "", domainError(http.StatusForbidden, "turnstile_failed", "Human verification failed", nil)
	}
	return ipHash, nil
}

// banDisclosure is the ban metadata a banned caller may see. The hash and
// internal notes never leave the admin surface.
func banDisclosure(ban *store.IPBan) map[string]any {
	return map[string]any{
		"reason":     ban.Reason,
		"banned_by":  ban.BannedBy,
		"expires_at": ban.ExpiresAt,
	}
}

// Submit validates the input, stages any uploaded assets, and persists the
// pending submission and its asset rows in one transaction. Blobs are fully
// staged before the first storage write, so a submission is never observable
// as pending while its assets are missing or half-written; if persisting
// fails, the just-staged blobs are swept.
func (s *Service) Submit(ctx context.Context, remoteIP string, input SubmitInput, uploads []staging.Upload) (store.Submission, error) {
	ipHash, err := s.gate(ctx, remoteIP, input.TurnstileToken)
	if err != nil {
		return store.Submission{}, err
	}
	if err := validateSubmitInput(input); err != nil {
		return store.Submission{}, err
	}

	now := time.Now().UTC()
	sub := store.Submission{
		ID:           util.NewID("sub"),
		Type:         input.Type,
		Language:     input.Language,
		TargetPath:   input.TargetPath,
		Title:        strings.TrimSpace(input.Title),
		Content:      input.Content,
		Status:       "pending",
		AuthorName:   strings.TrimSpace(input.AuthorName),
		AuthorEmail:  strings.TrimSpace(input.AuthorEmail),
		ClientIPHash: ipHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	rewritten, staged, err := s.staging.Stage(ctx, sub.ID, sub.Content, uploads)
	if err != nil {
		return store.Submission{}, err
	}
	sub.Content = rewritten

	if err := s.store.CreateSubmission(ctx, sub, staged); err != nil {
		for _, asset := range staged {
			if deleteErr := s.blobs.Delete(ctx, asset.TmpKey); deleteErr != nil {
				log.Printf("submit: sweep staged blob %s after persist failure: %v", asset.TmpKey, deleteErr)
			}
		}
		return store.Submission{}, fmt.Errorf("persist submission: %w", err)
	}

	if s.search != nil {
		s.search.Index(sub)
	}
	return sub, nil
}

// LookupResult is the public status view of one submission. Content and the
// ip hash are withheld.
type LookupResult struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Language   string     `json:"language"`
	TargetPath string     `json:"target_path"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	PRURL      string     `json:"pr_url,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
}

// Lookup reports the status of submissions matched by id or author, plus
// aggregate counts.
func (s *Service) Lookup(ctx context.Context, remoteIP string, input LookupInput) ([]LookupResult, map[string]int, error) {
	if _, err := s.gate(ctx, remoteIP, input.TurnstileToken); err != nil {
		return nil, nil, err
	}
	if input.ID == "" && input.AuthorEmail == "" && input.AuthorName == "" {
		return nil, nil, domainError(http.StatusUnprocessableEntity, "validation_error", "provide an id, author_email, or author_name", nil)
	}

	rows, err := s.store.LookupSubmissions(ctx, input.ID, input.AuthorEmail, input.AuthorName, 50)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup submissions: %w", err)
	}
	counts, err := s.store.CountSubmissionsByStatus(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("count submissions: %w", err)
	}

	results := make([]LookupResult, len(rows))
	for i, row := range rows {
		results[i] = LookupResult{
			ID:         row.ID,
			Type:       row.Type,
			Language:   row.Language,
			TargetPath: row.TargetPath,
			Title:      row.Title,
			Status:     row.Status,
			PRURL:      row.PRURL,
			CreatedAt:  row.CreatedAt,
			ReviewedAt: row.ReviewedAt,
		}
	}
	return results, counts, nil
}

// Leaderboard returns the top authors by accumulated changed-word score.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]leaderboard.Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.ranking.Top(ctx, limit)
}

// ── Admin: submissions ──

func (s *Service) ListSubmissions(ctx context.Context, status string, limit, offset int) ([]store.Submission, error) {
	if status != "" && status != "pending" && status != "approved" && status != "rejected" {
		return nil, domainError(http.StatusUnprocessableEntity, "validation_error", "status must be pending, approved, or rejected", nil)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListSubmissions(ctx, status, limit, offset)
}

func (s *Service) GetSubmission(ctx context.Context, id string) (store.Submission, error) {
	return s.store.GetSubmission(ctx, id)
}

func (s *Service) GetSubmissionAssets(ctx context.Context, id string) ([]store.SubmissionAsset, error) {
	return s.store.ListSubmissionAssets(ctx, id)
}

// Login verifies the CAPTCHA, then delegates to the credential store.
func (s *Service) Login(ctx context.Context, remoteIP, username, password, captchaToken string) (string, accounts.Identity, error) {
	if err := s.captcha.Verify(ctx, captchaToken, remoteIP); err != nil {
		return "", accounts.Identity{}, domainError(http.StatusForbidden, "turnstile_failed", "Human verification failed", nil)
	}
	return s.accounts.Login(ctx, username, password)
}

func (s *Service) SearchSubmissions(ctx context.Context, q string, limit int) ([]search.SubmissionRecord, error) {
	if strings.TrimSpace(q) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "validation_error", "q is required", nil)
	}
	if s.search == nil {
		return []search.SubmissionRecord{}, nil
	}
	return s.search.Search(ctx, q, limit)
}

// Approve flips a pending submission to approved and runs the publish
// pipeline. The status transition happens exactly once; a concurrent
// approve loses the MarkReviewed race and gets status_not_pending. A
// publish failure leaves the submission approved with pr_state=failed, and
// re-invoking approve on it retries publishing alone.
func (s *Service) Approve(ctx context.Context, identity accounts.Identity, id, notes string) (store.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return store.Submission{}, err
	}

	switch sub.Status {
	case "pending":
		if err := s.publisher.ValidateAssets(ctx, sub); err != nil {
			return store.Submission{}, err
		}
		ok, err := s.store.MarkReviewed(ctx, id, "approved", identity.Username, clampNotes(notes))
		if err != nil {
			return store.Submission{}, fmt.Errorf("mark approved: %w", err)
		}
		if !ok {
			return store.Submission{}, domainError(http.StatusConflict, "status_not_pending", "Submission already reviewed", nil)
		}
	case "approved":
		// Re-approve retries a failed or interrupted publish; the
		// idempotency check inside Publish handles the already-published
		// case.
	default:
		return store.Submission{}, domainError(http.StatusConflict, "status_not_pending", "Submission already reviewed", nil)
	}

	sub, err = s.store.GetSubmission(ctx, id)
	if err != nil {
		return store.Submission{}, err
	}
	if _, err := s.publisher.Publish(ctx, sub); err != nil {
		log.Printf("approve: publish %s: %v", id, err)
	}

	sub, err = s.store.GetSubmission(ctx, id)
	if err != nil {
		return store.Submission{}, err
	}
	if s.search != nil {
		s.search.Index(sub)
	}
	return sub, nil
}

// Reject flips a pending submission to rejected. Its staged blobs are left
// for the cleanup sweep.
func (s *Service) Reject(ctx context.Context, identity accounts.Identity, id, notes string) (store.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return store.Submission{}, err
	}
	if sub.Status != "pending" {
		return store.Submission{}, domainError(http.StatusConflict, "status_not_pending", "Submission already reviewed", nil)
	}
	ok, err := s.store.MarkReviewed(ctx, id, "rejected", identity.Username, clampNotes(notes))
	if err != nil {
		return store.Submission{}, fmt.Errorf("mark rejected: %w", err)
	}
	if !ok {
		return store.Submission{}, domainError(http.StatusConflict, "status_not_pending", "Submission already reviewed", nil)
	}

	sub, err = s.store.GetSubmission(ctx, id)
	if err != nil {
		return store.Submission{}, err
	}
	if s.search != nil {
		s.search.Index(sub)
	}
	return sub, nil
}

// ── Admin: bans ──

func (s *Service) BanIP(ctx context.Context, identity accounts.Identity, input BanInput) (store.IPBan, error) {
	hash := strings.TrimSpace(input.IPHash)
	if hash == "" && input.IP != "" {
		hash = abuse.HashIP(s.ipSalt, input.IP)
	}
	if hash == "" {
		return store.IPBan{}, domainError(http.StatusUnprocessableEntity, "validation_error", "provide ip or ip_hash", nil)
	}
	ban := store.IPBan{
		IPHash:    hash,
		Reason:    strings.TrimSpace(input.Reason),
		Notes:     strings.TrimSpace(input.Notes),
		BannedBy:  identity.Username,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: input.ExpiresAt,
	}
	if err := s.store.UpsertBan(ctx, ban); err != nil {
		return store.IPBan{}, fmt.Errorf("upsert ban: %w", err)
	}
	return ban, nil
}

func (s *Service) UnbanIP(ctx context.Context, ipHash string) error {
	if strings.TrimSpace(ipHash) == "" {
		return domainError(http.StatusUnprocessableEntity, "validation_error", "ip_hash is required", nil)
	}
	return s.store.DeleteBan(ctx, ipHash)
}

func (s *Service) ListBans(ctx context.Context, limit, offset int) ([]store.IPBan, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListBans(ctx, limit, offset)
}

// ── Admin: cleanup ──

// CleanupAssets sweeps temporary blobs whose submissions were rejected or
// whose staging window expired, marking the rows deleted as it goes. A
// second pass lists the staging prefix directly and deletes blobs past the
// cutoff that the row sweep did not touch, so a blob whose best-effort
// deletion failed at publish time still gets collected eventually.
func (s *Service) CleanupAssets(ctx context.Context) (CleanupReport, error) {
	cutoff := time.Now().Add(-s.stagingTTL)
	stale, err := s.store.ListStaleAssets(ctx, cutoff)
	if err != nil {
		return CleanupReport{}, fmt.Errorf("list stale assets: %w", err)
	}

	report := CleanupReport{Scanned: len(stale)}
	swept := make(map[string]struct{}, len(stale))
	for _, asset := range stale {
		item := CleanupItem{SubmissionID: asset.SubmissionID, AssetID: asset.AssetID, Outcome: "deleted"}
		if err := s.blobs.Delete(ctx, asset.TmpKey); err != nil {
			log.Printf("cleanup: delete blob %s: %v", asset.TmpKey, err)
			item.Outcome = "failed"
		} else if err := s.store.MarkAssetDeleted(ctx, asset.SubmissionID, asset.AssetID); err != nil {
			log.Printf("cleanup: mark %s/%s deleted: %v", asset.SubmissionID, asset.AssetID, err)
			item.Outcome = "failed"
		}
		swept[asset.TmpKey] = struct{}{}
		if item.Outcome == "deleted" {
			report.Deleted++
		} else {
			report.Failed++
		}
		report.Items = append(report.Items, item)
	}

	keys, err := s.blobs.ListStagingOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("cleanup: list staging blobs: %v", err)
		return report, nil
	}
	for _, key := range keys {
		if _, ok := swept[key]; ok {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			log.Printf("cleanup: delete orphaned blob %s: %v", key, err)
			report.Failed++
			continue
		}
		report.Orphans++
	}
	return report, nil
}

// ── Validation ──

func validateSubmitInput(input SubmitInput) error {
	if input.Type != "add" && input.Type != "edit" {
		return domainError(http.StatusUnprocessableEntity, "validation_error", "type must be add or edit", nil)
	}
	if input.Language != "zh" && input.Language != "en" {
		return domainError(http.StatusUnprocessableEntity, "validation_error", "language must be zh or en", nil)
	}
	if err := ValidateTargetPath(input.TargetPath, input.Language); err != nil {
		return err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" || len(title) > maxTitleLength {
		return domainError(http.StatusUnprocessableEntity, "validation_error", fmt.Sprintf("title is required and capped at %d characters", maxTitleLength), nil)
	}
	if strings.TrimSpace(input.Content) == "" {
		return domainError(http.StatusUnprocessableEntity, "validation_error", "content is required", nil)
	}
	if len(input.Content) > maxContentLength {
		return domainError(http.StatusUnprocessableEntity, "validation_error", "content is too large", nil)
	}
	if len(input.AuthorName) > maxAuthorLength || len(input.AuthorEmail) > maxAuthorLength {
		return domainError(http.StatusUnprocessableEntity, "validation_error", "author fields are too long", nil)
	}
	if email := strings.TrimSpace(input.AuthorEmail); email != "" && !emailPattern.MatchString(email) {
		return domainError(http.StatusUnprocessableEntity, "validation_error", "author_email is not a valid address", nil)
	}
	return nil
}

// ValidateTargetPath enforces the placement contract before any storage
// write: a markdown path under content/<language>/ whose embedded language
// matches the declared one, with no traversal segments.
func ValidateTargetPath(targetPath, language string) error {
	match := targetPathPattern.FindStringSubmatch(targetPath)
	if match == nil {
		return domainError(http.StatusUnprocessableEntity, "validation_error", "target_path must match content/(zh|en)/.../*.md", nil)
	}
	if match[1] != language {
		return domainError(http.StatusUnprocessableEntity, "validation_error", "target_path language does not match the declared language", nil)
	}
	for _, segment := range strings.Split(targetPath, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return domainError(http.StatusUnprocessableEntity, "validation_error", "target_path contains an invalid segment", nil)
		}
	}
	return nil
}

func clampNotes(notes string) string {
	notes = strings.TrimSpace(notes)
	if len(notes) > maxNotesLength {
		notes = notes[:maxNotesLength]
	}
	return notes
}
