//go:build gcp

package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSUploader writes payloads to gs://bucket/prefix using application default credentials.
type GCSUploader struct {
	client *storage.Client
}

func NewGCSUploader(ctx context.Context) (*GCSUploader, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSUploader{client: client}, nil
}

func newGCSUploader(ctx context.Context) (Uploader, error) {
	return NewGCSUploader(ctx)
}

// Upload streams r into a temporary object, then copies it to its content address.
func (u *GCSUploader) Upload(ctx context.Context, endpoint string, r io.Reader, _ string) (string, error) {
	bucket, prefix, err := bucketAndPrefix(endpoint, "gs")
	if err != nil {
		return "", err
	}
	b := u.client.Bucket(bucket)

	tmp := b.Object(prefix + "incoming/" + randomName())
	w := tmp.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}

	key := prefix + hex.EncodeToString(h.Sum(nil)) + ".blob"
	dst := b.Object(key)
	if _, err := dst.CopierFrom(tmp).Run(ctx); err != nil {
		return "", fmt.Errorf("gcs copy failed: %w", err)
	}
	_ = tmp.Delete(ctx)
	return "gs://" + bucket + "/" + key, nil
}
