// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to write cleaned images to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every object name.
	Prefix string `mapstructure:"prefix"`
	// PublicURL, when set, is returned in place of the gs:// URI so the
	// marketplace can fetch the image (for example https://storage.googleapis.com/<bucket>).
	PublicURL string `mapstructure:"public_url"`
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &BlobStore{client: client, cfg: cfg}, nil
}

// CheckBucket fails fast when the bucket is missing or not readable.
func (s *BlobStore) CheckBucket(ctx context.Context) error {
	if _, err := s.client.Bucket(s.cfg.Bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("get bucket %q attributes: %w", s.cfg.Bucket, err)
	}
	return nil
}

// PutObject uploads data to the configured bucket and returns its URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	object := name
	if s.cfg.Prefix != "" {
		object = path.Join(s.cfg.Prefix, name)
	}
	writer := s.client.Bucket(s.cfg.Bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL + "/" + object, nil
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, object), nil
}
