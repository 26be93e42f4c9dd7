// Package s3 mirrors finished artifacts to S3-compatible object storage
// (AWS S3, MinIO, R2) through minio-go.
package s3

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

// Config captures the S3 endpoint and credentials.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// BlobStore uploads artifacts into one bucket.
type BlobStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

var _ grabber.BlobStore = (*BlobStore)(nil)

// New creates a client for cfg. No request is made until the first upload.
func New(cfg Config, logger *zap.Logger) (*BlobStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return &BlobStore{client: client, bucket: cfg.Bucket, logger: logger.Named("s3")}, nil
}

type lener interface{ Len() int }

type stater interface {
	Stat() (fs.FileInfo, error)
}

// objectSize returns the reader's length when it can be known without
// consuming it, or -1 to let minio stream a multipart upload.
func objectSize(r io.Reader) int64 {
	switch v := r.(type) {
	case lener:
		return int64(v.Len())
	case stater:
		if info, err := v.Stat(); err == nil {
			return info.Size()
		}
	}
	return -1
}

// PutObject uploads r and returns an s3:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	key := strings.TrimPrefix(strings.TrimSpace(path), "/")
	if key == "" {
		return "", fmt.Errorf("path is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, r, objectSize(r), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	s.logger.Debug("mirrored artifact", zap.String("key", key), zap.Int64("bytes", info.Size))
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
