package s3storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dleitner/syllaparse/internal/config"
)

// Storage wraps MinIO/S3 interactions for archiving original documents.
// Archival is best-effort convenience for operators; the caches never depend
// on it.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config. Returns (nil, nil) when no
// endpoint is configured — archival is then simply off.
func New(cfg *config.Config) (*Storage, error) {
	if cfg.S3Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client: client,
		bucket: cfg.ArchiveBucket,
		region: cfg.S3Region,
	}, nil
}

// EnsureBucket makes sure the archive bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// ArchiveDocument stores the original upload under its checksum, so repeated
// uploads of the same content overwrite a single object.
func (s *Storage) ArchiveDocument(ctx context.Context, checksum string, reader io.Reader, size int64) error {
	key := fmt.Sprintf("documents/%s.pdf", checksum)
	opts := minio.PutObjectOptions{ContentType: "application/pdf"}
	if _, err := s.client.PutObject(ctx, s.bucket, key, reader, size, opts); err != nil {
		return fmt.Errorf("archive document: %w", err)
	}
	return nil
}

// PresignDocumentURL returns a signed GET URL for an archived document.
func (s *Storage) PresignDocumentURL(ctx context.Context, checksum string, expiry time.Duration) (string, error) {
	key := fmt.Sprintf("documents/%s.pdf", checksum)
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign document: %w", err)
	}
	return u.String(), nil
}
