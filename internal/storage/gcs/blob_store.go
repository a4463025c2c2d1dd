// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// ChunkSize is the resumable upload chunk size. Zero sends each page
	// payload in a single request.
	ChunkSize int
	// CacheControl is set on every written object when non-empty.
	CacheControl string
}

// BlobStore caches page payloads in a GCS bucket.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("chunk size must be >= 0, got %d", cfg.ChunkSize)
	}
	return &BlobStore{client: client, cfg: cfg}, nil
}

var _ crawler.BlobStore = (*BlobStore)(nil)

// PutObject uploads data and returns its gs:// URI. Rewriting a path replaces the object.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	obj, err := s.object(path)
	if err != nil {
		return "", err
	}
	writer := obj.NewWriter(ctx)
	writer.ChunkSize = s.cfg.ChunkSize
	writer.ContentType = contentType
	if s.cfg.CacheControl != "" {
		writer.CacheControl = s.cfg.CacheControl
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w (close writer: %v)", path, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, path), nil
}

// GetObject downloads the object at path. Missing objects wrap crawler.ErrObjectNotFound.
func (s *BlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.object(path)
	if err != nil {
		return nil, err
	}
	reader, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", s.cfg.Bucket, path, crawler.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (s *BlobStore) object(path string) (*storage.ObjectHandle, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("path is required")
	}
	if strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("object path %q must be relative", path)
	}
	return s.client.Bucket(s.cfg.Bucket).Object(path), nil
}
