// Package blob resolves download URLs for firmware and archive artifacts
// kept in object storage.
package blob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/benmeehan/iot-hub/internal/models"
)

// Resolver turns artifact records into URLs devices can download from.
type Resolver interface {
	FirmwareURL(ctx context.Context, fw *models.Firmware) (string, error)
	ArchiveURL(ctx context.Context, archive *models.Archive) (string, error)
}

// ObjectStorage resolves archive URLs as presigned GETs against a
// MinIO-compatible store.
type ObjectStorage struct {
	conn   *minio.Client
	bucket string
	expiry time.Duration
}

// NewObjectStorage connects to the object store and verifies the bucket
// exists.
func NewObjectStorage(endpoint, accessKeyID, secretAccessKey, bucket string, useSSL bool) (*ObjectStorage, error) {
	conn, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := conn.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to establish minio connection: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	return &ObjectStorage{
		conn:   conn,
		bucket: bucket,
		expiry: 24 * time.Hour,
	}, nil
}

// FirmwareURL presigns a GET for the firmware's object key.
func (o *ObjectStorage) FirmwareURL(ctx context.Context, fw *models.Firmware) (string, error) {
	u, err := o.conn.PresignedGetObject(ctx, o.bucket, fw.ObjectKey, o.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign firmware %s: %w", fw.UUID, err)
	}
	return u.String(), nil
}

// ArchiveURL presigns a GET for the archive's object key.
func (o *ObjectStorage) ArchiveURL(ctx context.Context, archive *models.Archive) (string, error) {
	u, err := o.conn.PresignedGetObject(ctx, o.bucket, archive.ObjectKey, o.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign archive %s: %w", archive.ID, err)
	}
	return u.String(), nil
}

// Static serves archives from a fixed base URL. Useful behind a CDN or in
// development where presigning is unnecessary.
type Static struct {
	BaseURL string
}

// FirmwareURL joins the base URL and the firmware's object key.
func (s Static) FirmwareURL(_ context.Context, fw *models.Firmware) (string, error) {
	return s.join(fw.ObjectKey), nil
}

// ArchiveURL joins the base URL and the archive's object key.
func (s Static) ArchiveURL(_ context.Context, archive *models.Archive) (string, error) {
	return s.join(archive.ObjectKey), nil
}

func (s Static) join(key string) string {
	return strings.TrimSuffix(s.BaseURL, "/") + "/" + strings.TrimPrefix(key, "/")
}
