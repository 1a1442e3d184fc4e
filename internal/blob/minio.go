// Package blob stores staged submission assets in an S3-compatible bucket
// until the owning submission is approved or swept.
package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const stagingPrefix = "staging/"

// Config holds the connection settings for the temporary asset bucket.
type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
}

// Store is a thin wrapper around a MinIO client scoped to one bucket.
type Store struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

// NewStore dials the object store and ensures the staging bucket exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Store{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// TempKey derives the deterministic, collision-resistant staging key for an
// asset: submission id + asset id + sanitized original filename.
func TempKey(submissionID, assetID, fileName string) string {
	return stagingPrefix + submissionID + "/" + assetID + "-" + SanitizeFileName(fileName)
}

// SanitizeFileName strips path separators and anything outside a
// conservative character set so a caller-supplied name can never escape the
// staging prefix.
func SanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	cleaned := strings.TrimLeft(b.String(), ".")
	if strings.Trim(cleaned, "._") == "" {
		return "asset"
	}
	return cleaned
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	// GetObject is lazy; surface missing keys now rather than on first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}
	return obj, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// ListStagingOlderThan returns staging keys last modified before the cutoff,
// for the admin cleanup sweep.
func (s *Store) ListStagingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var keys []string
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    stagingPrefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list staging objects: %w", info.Err)
		}
		if info.LastModified.Before(cutoff) {
			keys = append(keys, info.Key)
		}
	}
	return keys, nil
}

// PublicURL returns the externally reachable URL for a staged key, used as
// the asset's temporary URL in rewritten content.
func (s *Store) PublicURL(key string) string {
	return s.publicBaseURL + "/" + key
}
