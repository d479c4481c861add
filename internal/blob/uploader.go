// Package blob provides S3-compatible storage for document payloads and
// pre-signed URL generation. When blob storage is not configured (empty
// bucket), the NoopUploader is used and documents carry no blob key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/syncbridge/internal/config"
)

// ErrNotConfigured is returned when blob storage is not configured.
var ErrNotConfigured = errors.New("blob storage not configured")

// Uploader stores document payloads and generates pre-signed download URLs.
type Uploader interface {
	// Upload streams a document payload to storage under the given key.
	Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) error

	// PresignedURL returns a pre-signed URL for downloading the payload.
	// Returns ErrNotConfigured when blob storage is not configured.
	PresignedURL(ctx context.Context, key string) (url string, expiry time.Time, err error)
}

// s3Client defines the minimal minio.Client operations used by S3Uploader.
// This interface enables testing with mock implementations.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, body io.Reader, size int64, contentType string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, body io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := w.client.PutObject(ctx, bucket, objectName, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader stores document payloads in S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	urlExpiry time.Duration
}

// Upload streams the payload to storage.
func (u *S3Uploader) Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	if err := u.client.PutObject(ctx, u.bucket, key, body, size, contentType); err != nil {
		return fmt.Errorf("upload document blob: %w", err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for the payload.
func (u *S3Uploader) PresignedURL(ctx context.Context, key string) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, key, u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	expiry := time.Now().Add(u.urlExpiry)
	return presigned.String(), expiry, nil
}

// NoopUploader is used when blob storage is not configured.
// Upload is a no-op and PresignedURL returns ErrNotConfigured.
type NoopUploader struct{}

// Upload is a no-op when blob storage is not configured.
func (u *NoopUploader) Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	return nil
}

// PresignedURL returns ErrNotConfigured when blob storage is not configured.
func (u *NoopUploader) PresignedURL(ctx context.Context, key string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.BlobStorageConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		urlExpiry: time.Duration(cfg.URLExpiry),
	}, nil
}

// ObjectKey returns the storage key for a user's document payload.
// Convention: {user_id}/documents/{document_id}
func ObjectKey(userID, documentID string) string {
	return userID + "/documents/" + documentID
}
