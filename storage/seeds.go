// Package storage reads and publishes knowledge seed files in MinIO/S3.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"campusbot/config"
)

const (
	seedScheme      = "s3://"
	maxSeedBytes    = 4 * 1024 * 1024
	bucketTimeout   = 10 * time.Second
	transferTimeout = 15 * time.Second
)

var ErrNotConfigured = errors.New("storage: seed bucket not configured")

// SeedBucket holds knowledge seed documents.
type SeedBucket struct {
	client *minio.Client
	bucket string
}

// NewSeedBucket connects to MinIO and creates the bucket when missing.
// It returns (nil, nil) when MinIO is not configured.
func NewSeedBucket(ctx context.Context, cfg config.MinIOConfig) (*SeedBucket, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	client, err := minio.New(strings.TrimSpace(cfg.Endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	checkCtx, cancel := context.WithTimeout(ctx, bucketTimeout)
	defer cancel()

	exists, err := client.BucketExists(checkCtx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &SeedBucket{client: client, bucket: bucket}, nil
}

// IsRemote reports whether location points into the seed bucket.
func IsRemote(location string) bool {
	return strings.HasPrefix(strings.TrimSpace(location), seedScheme)
}

// ObjectKey turns "s3://key" or "s3://<bucket>/key" into an object key.
func (s *SeedBucket) ObjectKey(location string) (string, error) {
	key := strings.TrimPrefix(strings.TrimSpace(location), seedScheme)
	key = strings.Trim(key, "/")
	if s != nil && s.bucket != "" {
		key = strings.TrimPrefix(key, s.bucket+"/")
	}
	key = path.Clean(key)
	if key == "." || key == "" || strings.HasPrefix(key, "..") {
		return "", fmt.Errorf("storage: invalid seed location %q", location)
	}
	return key, nil
}

// Open downloads a seed document into memory.
func (s *SeedBucket) Open(ctx context.Context, location string) (io.Reader, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConfigured
	}
	key, err := s.ObjectKey(location)
	if err != nil {
		return nil, err
	}

	getCtx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	object, err := s.client.GetObject(getCtx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(io.LimitReader(object, maxSeedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	if len(data) > maxSeedBytes {
		return nil, fmt.Errorf("storage: seed %s exceeds %d bytes", key, maxSeedBytes)
	}
	return bytes.NewReader(data), nil
}

// Publish uploads a seed document and returns its s3:// location.
func (s *SeedBucket) Publish(ctx context.Context, location string, data []byte) (string, error) {
	if s == nil || s.client == nil {
		return "", ErrNotConfigured
	}
	if len(data) > maxSeedBytes {
		return "", fmt.Errorf("storage: seed exceeds %d bytes", maxSeedBytes)
	}
	key, err := s.ObjectKey(location)
	if err != nil {
		return "", err
	}

	putCtx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	_, err = s.client.PutObject(putCtx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/yaml",
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", key, err)
	}
	return seedScheme + key, nil
}
