package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
)

type fakeBlobs struct {
	objects map[string][]byte
	putErr  map[string]error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}, putErr: map[string]error{}}
}

func (f *fakeBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if err := f.putErr[key]; err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobs) PublicURL(key string) string {
	return "http://blob.test/" + key
}

func upload(id, name string, data []byte) Upload {
	sum := sha256.Sum256(data)
	return Upload{
		ID:          id,
		Name:        name,
		ContentType: "image/png",
		Size:        int64(len(data)),
		SHA256:      hex.EncodeToString(sum[:]),
		Data:        data,
	}
}

func TestStageRewritesTokens(t *testing.T) {
	blobs := newFakeBlobs()
	svc := NewService(blobs)

	content := "intro\n![shot](staged://img1)\noutro"
	rewritten, staged, err := svc.Stage(context.Background(), "sub_1", content, []Upload{
		upload("img1", "shot.png", []byte("png-bytes")),
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if want := "intro\n![shot](tmp://sub_1/img1)\noutro"; rewritten != want {
		t.Errorf("rewritten = %q, want %q", rewritten, want)
	}
	if len(staged) != 1 || staged[0].Status != "uploaded" {
		t.Fatalf("unexpected staged rows: %+v", staged)
	}
	if len(blobs.objects) != 1 {
		t.Errorf("expected 1 blob, got %d", len(blobs.objects))
	}
	if staged[0].TmpKey != "staging/sub_1/img1-shot.png" {
		t.Errorf("unexpected tmp key %q", staged[0].TmpKey)
	}
}

func TestStageNoAssetsPassthrough(t *testing.T) {
	svc := NewService(newFakeBlobs())
	out, staged, err := svc.Stage(context.Background(), "sub_1", "plain markdown", nil)
	if err != nil || out != "plain markdown" || staged != nil {
		t.Errorf("passthrough failed: %q %v %v", out, staged, err)
	}
}

func TestStageMissingUpload(t *testing.T) {
	svc := NewService(newFakeBlobs())
	_, _, err := svc.Stage(context.Background(), "sub_1", "![x](staged://img1)", nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestStageUnreferencedUpload(t *testing.T) {
	svc := NewService(newFakeBlobs())
	_, _, err := svc.Stage(context.Background(), "sub_1", "no tokens here", []Upload{
		upload("img1", "x.png", []byte("data")),
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestStageHashMismatch(t *testing.T) {
	blobs := newFakeBlobs()
	svc := NewService(blobs)

	bad := upload("img1", "x.png", []byte("data"))
	bad.SHA256 = strings.Repeat("0", 64)
	_, _, err := svc.Stage(context.Background(), "sub_1", "![x](staged://img1)", []Upload{bad})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(blobs.objects) != 0 {
		t.Error("failed staging left blobs behind")
	}
}

// One bad asset out of three must leave zero blobs behind.
func TestStagePartialFailureRollsBack(t *testing.T) {
	blobs := newFakeBlobs()
	svc := NewService(blobs)

	oversize := Upload{
		ID:          "img3",
		Name:        "big.png",
		ContentType: "image/png",
		Data:        make([]byte, MaxAssetSize+1),
	}
	sum := sha256.Sum256(oversize.Data)
	oversize.SHA256 = hex.EncodeToString(sum[:])
	oversize.Size = int64(len(oversize.Data))

	content := "![a](staged://img1) ![b](staged://img2) ![c](staged://img3)"
	_, _, err := svc.Stage(context.Background(), "sub_1", content, []Upload{
		upload("img1", "a.png", []byte("aaa")),
		upload("img2", "b.png", []byte("bbb")),
		oversize,
	})
	if err == nil {
		t.Fatal("expected staging failure")
	}
	if len(blobs.objects) != 0 {
		t.Errorf("expected zero blobs after rollback, found %d", len(blobs.objects))
	}
}

func TestStageRejectsBadContentType(t *testing.T) {
	svc := NewService(newFakeBlobs())
	bad := upload("img1", "x.bin", []byte("data"))
	bad.ContentType = "application/octet-stream"
	_, _, err := svc.Stage(context.Background(), "sub_1", "![x](staged://img1)", []Upload{bad})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestStageRejectsEmptyAsset(t *testing.T) {
	svc := NewService(newFakeBlobs())
	empty := upload("img1", "x.png", nil)
	_, _, err := svc.Stage(context.Background(), "sub_1", "![x](staged://img1)", []Upload{empty})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestStageAssetCap(t *testing.T) {
	svc := NewService(newFakeBlobs())
	var tokens []string
	for i := 0; i <= MaxAssetsPerSubmission; i++ {
		tokens = append(tokens, LocalToken("img"+strings.Repeat("x", i+1)))
	}
	_, _, err := svc.Stage(context.Background(), "sub_1", strings.Join(tokens, " "), nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for cap, got %v", err)
	}
}

func TestRewriteTokensIsExactMatch(t *testing.T) {
	// "staged://img1" must not swallow part of "staged://img10".
	content := "staged://img1 staged://img10"
	out, err := RewriteTokens(content, map[string]string{
		"img1":  "tmp://s/img1",
		"img10": "tmp://s/img10",
	})
	if err != nil {
		t.Fatalf("RewriteTokens: %v", err)
	}
	if out != "tmp://s/img1 tmp://s/img10" {
		t.Errorf("rewrite collided across token prefixes: %q", out)
	}
}

func TestReferencedAssetIDsDeduplicates(t *testing.T) {
	ids := ReferencedAssetIDs("staged://a staged://b staged://a")
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestTempReferences(t *testing.T) {
	refs := TempReferences("x tmp://sub_1/a y tmp://sub_1/b tmp://sub_1/a")
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %v", refs)
	}
	if refs[0] != [2]string{"sub_1", "a"} || refs[1] != [2]string{"sub_1", "b"} {
		t.Errorf("unexpected refs %v", refs)
	}
}
