// Package publish turns an approved submission into a pull request against
// the docs repository: staged assets move to permanent paths, content is
// rewritten to reference them, and the outcome is recorded on the submission.
package publish

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"path"
	"strings"

	"handbook/api/internal/blob"
	"handbook/api/internal/github"
	"handbook/api/internal/staging"
	"handbook/api/internal/store"
)

// Repo is the slice of the repository client the orchestrator drives.
type Repo interface {
	BranchHead(ctx context.Context, branch string) (string, error)
	EnsureBranch(ctx context.Context, branch, sha string) error
	GetFile(ctx context.Context, path, ref string) (*github.FileInfo, error)
	RawFile(ctx context.Context, path, ref string) (string, bool, error)
	PutFile(ctx context.Context, path, branch, message string, content []byte, sha string) error
	CreatePull(ctx context.Context, title, body, head, base string) (*github.PullRequest, error)
	AddLabels(ctx context.Context, number int, labels []string) error
	RequestReviewers(ctx context.Context, number int, reviewers []string) error
	AddAssignees(ctx context.Context, number int, assignees []string) error
}

// Blobs is the slice of temporary storage the orchestrator reads and sweeps.
type Blobs interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Store is the slice of the relational layer the orchestrator mutates.
// Submission status is deliberately absent: publishing never touches it.
type Store interface {
	GetSubmissionAsset(ctx context.Context, submissionID, assetID string) (store.SubmissionAsset, error)
	MarkAssetMigrated(ctx context.Context, submissionID, assetID, repoPath, publicPath string) error
	UpdateSubmissionContent(ctx context.Context, id, content string) error
	SetPublishResult(ctx context.Context, id, prState string, prNumber *int, prURL, prBranch, prError string) error
}

// Scores accumulates changed-word units per author.
type Scores interface {
	Add(ctx context.Context, authorKey, displayName string, delta int64) error
}

// Options carries the repository layout and PR decoration settings.
type Options struct {
	BaseBranch        string
	ContentRootPrefix string
	AssetRepoPrefix   string
	AssetPublicPrefix string
	PRLabels          []string
	PRReviewers       []string
	PRAssignees       []string
}

// Result is the pull-request reference a publish resolves to.
type Result struct {
	PRNumber int
	PRURL    string
	Branch   string
	Reused   bool
}

// DanglingReferenceError reports a temporary-reference token in submission
// content with no usable asset row behind it.
type DanglingReferenceError struct {
	SubmissionID string
	AssetID      string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("content references asset %s/%s which is missing or deleted", e.SubmissionID, e.AssetID)
}

// UnstagedReferenceError reports a local editor token that staging never
// rewrote. Such a token has no asset behind it and must never reach the
// published content verbatim.
type UnstagedReferenceError struct {
	SubmissionID string
	AssetID      string
}

func (e *UnstagedReferenceError) Error() string {
	return fmt.Sprintf("submission %s content still references unstaged asset %q", e.SubmissionID, e.AssetID)
}

type Orchestrator struct {
	repo   Repo
	blobs  Blobs
	store  Store
	scores Scores
	opts   Options
}

func NewOrchestrator(repo Repo, blobs Blobs, st Store, scores Scores, opts Options) *Orchestrator {
	return &Orchestrator{repo: repo, blobs: blobs, store: st, scores: scores, opts: opts}
}

// BranchName derives the deterministic publish branch for a submission, so a
// retried approve lands on the same ref.
func BranchName(submissionID string) string {
	return "submissions/" + submissionID
}

// ValidateAssets confirms the content carries no unstaged local tokens and
// that every temporary-reference token has a live asset row. Callers run
// this before flipping a submission to approved so a dangling reference
// never mutates review state.
func (o *Orchestrator) ValidateAssets(ctx context.Context, sub store.Submission) error {
	if ids := staging.ReferencedAssetIDs(sub.Content); len(ids) > 0 {
		return &UnstagedReferenceError{SubmissionID: sub.ID, AssetID: ids[0]}
	}
	for _, ref := range staging.TempReferences(sub.Content) {
		asset, err := o.store.GetSubmissionAsset(ctx, ref[0], ref[1])
		if err != nil {
			return &DanglingReferenceError{SubmissionID: ref[0], AssetID: ref[1]}
		}
		if asset.Status == "deleted" {
			return &DanglingReferenceError{SubmissionID: ref[0], AssetID: ref[1]}
		}
	}
	return nil
}

// Publish runs the approve-time pipeline for a submission that is already
// approved. It is idempotent: a submission that already carries PR fields
// returns them untouched, and every remote step tolerates "already exists".
// The final PR state is persisted whether the pipeline succeeds or fails;
// a failure leaves pr_state=failed with the error captured and the
// submission still approved, retryable by re-invoking approval.
func (o *Orchestrator) Publish(ctx context.Context, sub store.Submission) (Result, error) {
	if sub.PRNumber != nil && sub.PRURL != "" {
		return Result{PRNumber: *sub.PRNumber, PRURL: sub.PRURL, Branch: sub.PRBranch, Reused: true}, nil
	}

	branch := BranchName(sub.ID)
	result, err := o.execute(ctx, sub, branch)
	if err != nil {
		if persistErr := o.store.SetPublishResult(ctx, sub.ID, "failed", nil, "", branch, err.Error()); persistErr != nil {
			log.Printf("publish: record failure for %s: %v", sub.ID, persistErr)
		}
		return Result{}, err
	}

	number := result.PRNumber
	if err := o.store.SetPublishResult(ctx, sub.ID, "created", &number, result.PRURL, result.Branch, ""); err != nil {
		return Result{}, fmt.Errorf("record publish result: %w", err)
	}
	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, sub store.Submission, branch string) (Result, error) {
	contentPath := o.opts.ContentRootPrefix + sub.TargetPath

	baseSHA, err := o.repo.BranchHead(ctx, o.opts.BaseBranch)
	if err != nil {
		return Result{}, fmt.Errorf("resolve %s head: %w", o.opts.BaseBranch, err)
	}
	if err := o.repo.EnsureBranch(ctx, branch, baseSHA); err != nil {
		return Result{}, fmt.Errorf("ensure branch %s: %w", branch, err)
	}

	if sub.Type == "add" {
		existing, err := o.repo.GetFile(ctx, contentPath, o.opts.BaseBranch)
		if err != nil {
			return Result{}, fmt.Errorf("check %s on %s: %w", contentPath, o.opts.BaseBranch, err)
		}
		if existing != nil {
			return Result{}, fmt.Errorf("%s already exists on %s, an add must not overwrite it", contentPath, o.opts.BaseBranch)
		}
	}

	content, tmpKeys, err := o.migrateAssets(ctx, sub, branch)
	if err != nil {
		return Result{}, err
	}

	if err := o.commitContent(ctx, contentPath, branch, sub, content); err != nil {
		return Result{}, err
	}
	if content != sub.Content {
		if err := o.store.UpdateSubmissionContent(ctx, sub.ID, content); err != nil {
			return Result{}, fmt.Errorf("persist rewritten content: %w", err)
		}
	}

	pr, err := o.repo.CreatePull(ctx, pullTitle(sub), pullBody(sub), branch, o.opts.BaseBranch)
	if err != nil {
		return Result{}, fmt.Errorf("open pull request: %w", err)
	}

	o.recordScore(ctx, sub, contentPath, content)
	o.decoratePull(ctx, pr.Number)

	for _, key := range tmpKeys {
		if err := o.blobs.Delete(ctx, key); err != nil {
			log.Printf("publish: delete temporary blob %s: %v", key, err)
		}
	}

	return Result{PRNumber: pr.Number, PRURL: pr.HTMLURL, Branch: branch}, nil
}

// migrateAssets moves every referenced asset still in temporary storage to
// its permanent repository path and rewrites the content to the permanent
// public path. Already-migrated assets reuse their recorded paths, so a
// re-run commits nothing twice. The returned keys are the temporary blobs
// migrated during this call, eligible for cleanup once the PR exists.
func (o *Orchestrator) migrateAssets(ctx context.Context, sub store.Submission, branch string) (string, []string, error) {
	content := sub.Content
	var tmpKeys []string

	// Same guard as ValidateAssets: a local token that staging never
	// rewrote must fail the publish, not land in the PR verbatim.
	if ids := staging.ReferencedAssetIDs(content); len(ids) > 0 {
		return "", nil, &UnstagedReferenceError{SubmissionID: sub.ID, AssetID: ids[0]}
	}

	for _, ref := range staging.TempReferences(content) {
		subID, assetID := ref[0], ref[1]
		asset, err := o.store.GetSubmissionAsset(ctx, subID, assetID)
		if err != nil {
			return "", nil, &DanglingReferenceError{SubmissionID: subID, AssetID: assetID}
		}

		var repoPath, publicPath string
		switch asset.Status {
		case "migrated":
			repoPath, publicPath = asset.RepoPath, asset.PublicPath
		case "uploaded":
			name := permanentAssetName(subID, assetID, asset.FileName, asset.ContentType)
			repoPath = o.opts.AssetRepoPrefix + name
			publicPath = o.opts.AssetPublicPrefix + name

			data, err := o.fetchBlob(ctx, asset.TmpKey)
			if err != nil {
				return "", nil, fmt.Errorf("fetch staged asset %s/%s: %w", subID, assetID, err)
			}
			if err := o.putFileOnBranch(ctx, repoPath, branch,
				fmt.Sprintf("chore: add asset %s for submission %s", assetID, subID), data); err != nil {
				return "", nil, fmt.Errorf("commit asset %s/%s: %w", subID, assetID, err)
			}
			if err := o.store.MarkAssetMigrated(ctx, subID, assetID, repoPath, publicPath); err != nil {
				return "", nil, err
			}
			tmpKeys = append(tmpKeys, asset.TmpKey)
		default:
			return "", nil, &DanglingReferenceError{SubmissionID: subID, AssetID: assetID}
		}

		content = strings.ReplaceAll(content, staging.TempToken(subID, assetID), publicPath)
		if asset.TempURL != "" {
			content = strings.ReplaceAll(content, asset.TempURL, publicPath)
		}
	}
	return content, tmpKeys, nil
}

func (o *Orchestrator) fetchBlob(ctx context.Context, key string) ([]byte, error) {
	reader, err := o.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// putFileOnBranch creates or updates a file, resolving the current blob SHA
// on the branch first so the contents API accepts the write either way.
func (o *Orchestrator) putFileOnBranch(ctx context.Context, filePath, branch, message string, data []byte) error {
	sha := ""
	if existing, err := o.repo.GetFile(ctx, filePath, branch); err != nil {
		return err
	} else if existing != nil {
		sha = existing.SHA
	}
	return o.repo.PutFile(ctx, filePath, branch, message, data, sha)
}

func (o *Orchestrator) commitContent(ctx context.Context, contentPath, branch string, sub store.Submission, content string) error {
	message := fmt.Sprintf("docs: %s %s (submission %s)", sub.Type, sub.TargetPath, sub.ID)
	if err := o.putFileOnBranch(ctx, contentPath, branch, message, []byte(content)); err != nil {
		return fmt.Errorf("commit content to %s: %w", contentPath, err)
	}
	return nil
}

// recordScore accumulates the changed-word units of this publish into the
// author leaderboard. Scoring is auxiliary: failures are logged and never
// fail the publish.
func (o *Orchestrator) recordScore(ctx context.Context, sub store.Submission, contentPath, content string) {
	if o.scores == nil {
		return
	}
	key := AuthorKey(sub.AuthorEmail, sub.AuthorName)
	if key == "" {
		return
	}

	before := ""
	if sub.Type == "edit" {
		raw, exists, err := o.repo.RawFile(ctx, contentPath, o.opts.BaseBranch)
		if err != nil {
			log.Printf("publish: fetch pre-edit content for %s: %v", sub.ID, err)
			return
		}
		if exists {
			before = raw
		}
	}

	delta := ChangedWordUnits(before, content)
	if delta == 0 {
		return
	}
	display := sub.AuthorName
	if display == "" {
		display = sub.AuthorEmail
	}
	if err := o.scores.Add(ctx, key, display, delta); err != nil {
		log.Printf("publish: accumulate word score for %s: %v", sub.ID, err)
	}
}

func (o *Orchestrator) decoratePull(ctx context.Context, number int) {
	if err := o.repo.AddLabels(ctx, number, o.opts.PRLabels); err != nil {
		log.Printf("publish: label PR #%d: %v", number, err)
	}
	if err := o.repo.RequestReviewers(ctx, number, o.opts.PRReviewers); err != nil {
		log.Printf("publish: request reviewers on PR #%d: %v", number, err)
	}
	if err := o.repo.AddAssignees(ctx, number, o.opts.PRAssignees); err != nil {
		log.Printf("publish: assign PR #%d: %v", number, err)
	}
}

// permanentAssetName builds the file name an asset keeps forever. The
// original extension survives sanitization; when the name carries none, one
// is inferred from the content type.
func permanentAssetName(submissionID, assetID, fileName, contentType string) string {
	name := blob.SanitizeFileName(fileName)
	if path.Ext(name) == "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			name += exts[0]
		}
	}
	return submissionID + "/" + assetID + "-" + name
}

func pullTitle(sub store.Submission) string {
	verb := "Edit"
	if sub.Type == "add" {
		verb = "Add"
	}
	return fmt.Sprintf("[%s] %s: %s", sub.Language, verb, sub.Title)
}

func pullBody(sub store.Submission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Community submission `%s`\n\n", sub.ID)
	fmt.Fprintf(&b, "- Type: %s\n", sub.Type)
	fmt.Fprintf(&b, "- Language: %s\n", sub.Language)
	fmt.Fprintf(&b, "- Path: `%s`\n", sub.TargetPath)
	fmt.Fprintf(&b, "- Title: %s\n", sub.Title)
	if sub.AuthorName != "" || sub.AuthorEmail != "" {
		fmt.Fprintf(&b, "- Author: %s %s\n", sub.AuthorName, sub.AuthorEmail)
	}
	if sub.Reviewer != "" {
		fmt.Fprintf(&b, "- Reviewed by: %s\n", sub.Reviewer)
	}
	if sub.ReviewNotes != "" {
		fmt.Fprintf(&b, "\nReview notes:\n\n%s\n", sub.ReviewNotes)
	}
	return b.String()
}
