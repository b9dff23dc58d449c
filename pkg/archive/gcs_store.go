//go:build gcp

package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore is a Google Cloud Storage implementation of BlobStore.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig configures the GCS blob store.
type GCSStoreConfig struct {
	Bucket string
	// Prefix is prepended to all object paths (e.g. "archive/").
	Prefix string
}

// NewGCSStore creates a GCS-backed blob store. Credentials come from
// Application Default Credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs store: create client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hashStr := hex.EncodeToString(sum[:])
	prefixedHash := "sha256:" + hashStr

	obj := s.client.Bucket(s.bucket).Object(s.prefix + hashStr + ".blob")

	// Idempotent: skip the upload if the object already exists.
	if _, err := obj.Attrs(ctx); err == nil {
		return prefixedHash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs store: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs store: close: %w", err)
	}

	return prefixedHash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	rawHash, err := parseHash(hash)
	if err != nil {
		return nil, err
	}

	obj := s.client.Bucket(s.bucket).Object(s.prefix + rawHash + ".blob")
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob not found: %s", hash)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	rawHash, err := parseHash(hash)
	if err != nil {
		return false, err
	}

	obj := s.client.Bucket(s.bucket).Object(s.prefix + rawHash + ".blob")
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs store: attrs: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	rawHash, err := parseHash(hash)
	if err != nil {
		return err
	}

	obj := s.client.Bucket(s.bucket).Object(s.prefix + rawHash + ".blob")
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs store: delete %s: %w", hash, err)
	}
	return nil
}

// Close releases the underlying GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
