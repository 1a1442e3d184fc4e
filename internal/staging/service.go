// Package staging validates uploaded submission assets, writes them to
// temporary blob storage, and rewrites draft content references.
package staging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"

	"handbook/api/internal/blob"
	"handbook/api/internal/store"
)

const (
	// MaxAssetsPerSubmission caps how many binaries one submission may
	// reference (resource-exhaustion guard).
	MaxAssetsPerSubmission = 12
	// MaxAssetSize is the per-asset byte cap.
	MaxAssetSize = 5 << 20

	localScheme = "staged://"
	tempScheme  = "tmp://"
)

var allowedImageTypes = map[string]struct{}{
	"image/png":     {},
	"image/jpeg":    {},
	"image/gif":     {},
	"image/webp":    {},
	"image/svg+xml": {},
}

var assetIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// localTokenPattern matches the reference tokens a visitor's editor embeds
// in draft content before upload.
var localTokenPattern = regexp.MustCompile(`staged://([A-Za-z0-9_-]{1,64})`)

// tempTokenPattern matches staged references after rewriting.
var tempTokenPattern = regexp.MustCompile(`tmp://([A-Za-z0-9_.-]+)/([A-Za-z0-9_-]{1,64})`)

// ValidationError marks failures caused by the caller's input rather than
// by storage.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Upload is one binary part of a multipart submission, paired with its
// manifest entry.
type Upload struct {
	ID          string
	Name        string
	ContentType string
	Size        int64
	SHA256      string
	Data        []byte
}

// LocalToken returns the draft-content reference for a not-yet-staged asset.
func LocalToken(assetID string) string {
	return localScheme + assetID
}

// TempToken returns the temporary reference embedded after staging.
func TempToken(submissionID, assetID string) string {
	return tempScheme + submissionID + "/" + assetID
}

// ReferencedAssetIDs extracts the distinct local asset ids referenced by
// draft content, in first-appearance order.
func ReferencedAssetIDs(content string) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, match := range localTokenPattern.FindAllStringSubmatch(content, -1) {
		id := match[1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// TempReferences extracts (submissionID, assetID) pairs from staged content.
func TempReferences(content string) [][2]string {
	seen := map[string]struct{}{}
	var refs [][2]string
	for _, match := range tempTokenPattern.FindAllStringSubmatch(content, -1) {
		key := match[1] + "/" + match[2]
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		refs = append(refs, [2]string{match[1], match[2]})
	}
	return refs
}

// RewriteTokens replaces every exact local token with its replacement in a
// single pass. Replacement is keyed by whole-token match, so one token can
// never collide with a prefix of another.
func RewriteTokens(content string, replacements map[string]string) (string, error) {
	var missing []string
	rewritten := localTokenPattern.ReplaceAllStringFunc(content, func(token string) string {
		id := strings.TrimPrefix(token, localScheme)
		replacement, ok := replacements[id]
		if !ok {
			missing = append(missing, id)
			return token
		}
		return replacement
	})
	if len(missing) > 0 {
		return "", validationf("content references unknown assets: %s", strings.Join(missing, ", "))
	}
	return rewritten, nil
}

// BlobStore is the slice of the blob layer staging needs.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

type Service struct {
	blobs BlobStore
}

func NewService(blobs BlobStore) *Service {
	return &Service{blobs: blobs}
}

// Stage validates every uploaded asset referenced by the draft content,
// writes the blobs to temporary storage, and rewrites local references to
// temporary references. Staging touches blobs only; the returned asset rows
// are the caller's to persist together with the submission, so nothing is
// ever queryable before every blob exists. On any failure every blob written
// during this attempt is deleted before the error is returned.
func (s *Service) Stage(ctx context.Context, submissionID, content string, uploads []Upload) (string, []store.SubmissionAsset, error) {
	referenced := ReferencedAssetIDs(content)
	if len(referenced) == 0 && len(uploads) == 0 {
		return content, nil, nil
	}
	if len(referenced) > MaxAssetsPerSubmission {
		return "", nil, validationf("submission references %d assets, limit is %d", len(referenced), MaxAssetsPerSubmission)
	}
	if len(uploads) > MaxAssetsPerSubmission {
		return "", nil, validationf("submission carries %d uploads, limit is %d", len(uploads), MaxAssetsPerSubmission)
	}

	byID := make(map[string]Upload, len(uploads))
	for _, upload := range uploads {
		if !assetIDPattern.MatchString(upload.ID) {
			return "", nil, validationf("invalid asset id %q", upload.ID)
		}
		if _, dup := byID[upload.ID]; dup {
			return "", nil, validationf("duplicate upload for asset %q", upload.ID)
		}
		byID[upload.ID] = upload
	}
	for _, id := range referenced {
		if _, ok := byID[id]; !ok {
			return "", nil, validationf("content references asset %q but no matching part was uploaded", id)
		}
	}
	referencedSet := make(map[string]struct{}, len(referenced))
	for _, id := range referenced {
		referencedSet[id] = struct{}{}
	}
	for id := range byID {
		if _, ok := referencedSet[id]; !ok {
			return "", nil, validationf("uploaded asset %q is not referenced by the content", id)
		}
	}

	var (
		writtenKeys  []string
		staged       []store.SubmissionAsset
		replacements = make(map[string]string, len(referenced))
	)

	rollback := func() {
		for _, key := range writtenKeys {
			if err := s.blobs.Delete(ctx, key); err != nil {
				log.Printf("staging: rollback delete %s: %v", key, err)
			}
		}
	}

	for _, id := range referenced {
		upload := byID[id]
		if err := validateUpload(upload); err != nil {
			rollback()
			return "", nil, err
		}

		key := blob.TempKey(submissionID, id, upload.Name)
		if err := s.blobs.Put(ctx, key, bytes.NewReader(upload.Data), int64(len(upload.Data)), upload.ContentType); err != nil {
			rollback()
			return "", nil, fmt.Errorf("stage asset %s: %w", id, err)
		}
		writtenKeys = append(writtenKeys, key)

		staged = append(staged, store.SubmissionAsset{
			SubmissionID: submissionID,
			AssetID:      id,
			FileName:     upload.Name,
			ContentType:  upload.ContentType,
			Size:         int64(len(upload.Data)),
			SHA256:       upload.SHA256,
			TmpKey:       key,
			TempURL:      s.blobs.PublicURL(key),
			Status:       "uploaded",
		})
		replacements[id] = TempToken(submissionID, id)
	}

	rewritten, err := RewriteTokens(content, replacements)
	if err != nil {
		rollback()
		return "", nil, err
	}
	return rewritten, staged, nil
}

func validateUpload(upload Upload) error {
	if len(upload.Data) == 0 {
		return validationf("asset %q is empty", upload.ID)
	}
	if int64(len(upload.Data)) > MaxAssetSize {
		return validationf("asset %q exceeds the %d byte limit", upload.ID, MaxAssetSize)
	}
	contentType := strings.ToLower(strings.TrimSpace(upload.ContentType))
	if _, ok := allowedImageTypes[contentType]; !ok {
		return validationf("asset %q has unsupported content type %q", upload.ID, upload.ContentType)
	}
	if upload.Size != 0 && upload.Size != int64(len(upload.Data)) {
		return validationf("asset %q manifest size %d does not match uploaded %d bytes", upload.ID, upload.Size, len(upload.Data))
	}
	sum := sha256.Sum256(upload.Data)
	if !strings.EqualFold(upload.SHA256, hex.EncodeToString(sum[:])) {
		return validationf("asset %q hash mismatch between manifest and uploaded bytes", upload.ID)
	}
	return nil
}
