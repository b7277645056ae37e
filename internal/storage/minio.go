package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioStorage implements ObjectStore using a MinIO (or any S3-compatible) backend.
// Other S3 providers only need a different STORAGE_ENDPOINT and credentials.
type MinioStorage struct {
	log    *zap.Logger
	client *minio.Client
}

// BucketSpec describes a bucket the service needs at startup.
type BucketSpec struct {
	Name string
	// PublicRead applies an anonymous s3:GetObject policy to the bucket.
	PublicRead bool
}

// NewMinioStorage creates a MinIO client, ensures every bucket exists with the
// requested policy, and returns a ready-to-use MinioStorage.
func NewMinioStorage(ctx context.Context, log *zap.Logger, endpoint, accessKey, secretKey string, useSSL bool, buckets ...BucketSpec) (*MinioStorage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &MinioStorage{log: log, client: client}
	for _, b := range buckets {
		if err := s.ensureBucket(ctx, b); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MinioStorage) ensureBucket(ctx context.Context, b BucketSpec) error {
	exists, err := s.client.BucketExists(ctx, b.Name)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, b.Name, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %q: %w", b.Name, err)
		}
		s.log.Info("created bucket", zap.String("bucket", b.Name))
	}

	// Private buckets get an empty policy so stale anonymous grants are removed.
	policy := ""
	if b.PublicRead {
		policy = publicReadPolicy(b.Name)
	}
	if err := s.client.SetBucketPolicy(ctx, b.Name, policy); err != nil {
		return fmt.Errorf("set bucket policy %q: %w", b.Name, err)
	}
	return nil
}

// HeadObject stats the object without reading its body.
func (s *MinioStorage) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("stat object %q: %w", key, err)
	}
	return ObjectInfo{Size: info.Size, ContentType: info.ContentType}, nil
}

// GetObjectRange opens [start, end] of the object. The request is issued
// eagerly through Stat so a missing object surfaces here rather than on the
// first Read, after response headers may already be committed.
func (s *MinioStorage) GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	switch {
	case start == 0 && end < 0:
		// whole object, no Range header
	case end < 0:
		if err := opts.SetRange(start, 0); err != nil {
			return nil, fmt.Errorf("set range %d-: %w", start, err)
		}
	default:
		if err := opts.SetRange(start, end); err != nil {
			return nil, fmt.Errorf("set range %d-%d: %w", start, end, err)
		}
	}
	obj, err := s.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open object %q: %w", key, err)
	}
	return obj, nil
}

// Upload streams reader to MinIO under key. size must be the exact byte count
// (-1 makes MinIO buffer the whole body).
func (s *MinioStorage) Upload(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	return nil
}

// Delete removes the object at key from the bucket.
func (s *MinioStorage) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %q: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound ||
			errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket"
	}
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound
}

// publicReadPolicy returns an S3 bucket policy JSON that allows anonymous GET on all objects.
func publicReadPolicy(bucket string) string {
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect":    "Allow",
				"Principal": "*",
				"Action":    "s3:GetObject",
				"Resource":  fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
			},
		},
	}
	b, _ := json.Marshal(policy)
	return string(b)
}
