// Package storage archives uploaded receipt images in MinIO so that
// disputed extractions can be re-checked against the original scan.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive wraps a MinIO bucket holding original receipt uploads.
type Archive struct {
	client *minio.Client
	bucket string
}

// NewArchiveFromEnv builds an Archive from MINIO_* environment
// variables. Returns nil without error when MINIO_ENDPOINT is unset:
// archiving is optional and the pipeline runs without it.
func NewArchiveFromEnv(ctx context.Context) (*Archive, error) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}

	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "receipts"
	}
	useSSL := os.Getenv("MINIO_USE_SSL") == "true"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	return &Archive{client: client, bucket: bucket}, nil
}

// Upload stores one receipt image under receipts/YYYY/MM/{receiptID}
// and returns the object path recorded in the result.
func (a *Archive) Upload(ctx context.Context, receiptID string, data []byte, contentType string) (string, error) {
	now := time.Now().UTC()
	objectName := fmt.Sprintf("receipts/%d/%02d/%s%s",
		now.Year(), now.Month(), receiptID, fileExtension(contentType))

	_, err := a.client.PutObject(ctx, a.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading receipt image: %w", err)
	}
	return fmt.Sprintf("%s/%s", a.bucket, objectName), nil
}

// PresignedURL generates a 24h viewing link for a stored image.
func (a *Archive) PresignedURL(ctx context.Context, objectPath string) (string, error) {
	objectName := strings.TrimPrefix(objectPath, a.bucket+"/")
	url, err := a.client.PresignedGetObject(ctx, a.bucket, objectName, 24*time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("generating presigned URL: %w", err)
	}
	return url.String(), nil
}

// Delete removes a stored image.
func (a *Archive) Delete(ctx context.Context, objectPath string) error {
	objectName := strings.TrimPrefix(objectPath, a.bucket+"/")
	return a.client.RemoveObject(ctx, a.bucket, objectName, minio.RemoveObjectOptions{})
}

func fileExtension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/jpeg":
		return ".jpg"
	default:
		return ".bin"
	}
}
