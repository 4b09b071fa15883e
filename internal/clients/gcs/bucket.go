// Package gcs wraps Google Cloud Storage for the ExternalImport avatar
// path: storage.Client wiring, bucket name from env, CDN-domain-aware
// public URL construction, trimmed to the upload + public-URL operations
// this repo needs.
package gcs

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"

	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

type BucketService interface {
	UploadFile(ctx context.Context, key string, file io.Reader) error
	GetPublicURL(key string) string
}

type bucketService struct {
	log        *logger.Logger
	client     *storage.Client
	bucketName string
	cdnDomain  string
}

func New(ctx context.Context, log *logger.Logger, bucketName, cdnDomain string) (BucketService, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucketName required")
	}
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &bucketService{log: log.With("client", "gcs.Bucket"), client: c, bucketName: bucketName, cdnDomain: cdnDomain}, nil
}

// UploadFile writes file to key with a bounded timeout, matching the
// non-fatal, best-effort avatar path: callers should log and
// continue past an error rather than failing the whole import.
func (b *bucketService) UploadFile(ctx context.Context, key string, file io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	w := b.client.Bucket(b.bucketName).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, file); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return w.Close()
}

func (b *bucketService) GetPublicURL(key string) string {
	if b.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", b.cdnDomain, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", b.bucketName, key)
}
