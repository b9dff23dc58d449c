// Package archive pages the event journal into content-addressed blob
// storage. Segments are immutable JCS-canonical JSON, keyed by their
// SHA-256, so an auditor can verify a segment against its address.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// BlobStore is content-addressed storage for archived segments.
type BlobStore interface {
	// Put persists data and returns its content hash (SHA-256).
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks if a blob exists by its content hash.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes a blob by its content hash.
	Delete(ctx context.Context, hash string) error
}

// FileStore is a filesystem-backed implementation of BlobStore.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a content-addressed store at the given directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := sha256.Sum256(data)
	hashStr := hex.EncodeToString(sum[:])
	prefixedHash := "sha256:" + hashStr

	path := filepath.Join(s.baseDir, hashStr+".blob")

	// Idempotent: the address is the content.
	if _, err := os.Stat(path); err == nil {
		return prefixedHash, nil
	}

	// Write to temp, then rename.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	return prefixedHash, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.baseDir, rawHash+".blob")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", hash)
		}
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(filepath.Join(s.baseDir, rawHash+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rawHash, err := parseHash(hash)
	if err != nil {
		return err
	}

	err = os.Remove(filepath.Join(s.baseDir, rawHash+".blob"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// parseHash validates the "sha256:<hex>" address format.
func parseHash(hash string) (string, error) {
	if len(hash) < 7 || hash[:7] != "sha256:" {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	rawHash := hash[7:]
	if _, err := hex.DecodeString(rawHash); err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	return rawHash, nil
}
