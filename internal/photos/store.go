// Package photos stores progress photo blobs and enforces the upload policy.
package photos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"herdline/internal/domain"
)

var ErrBlobNotFound = errors.New("photo not found")

// Store keeps photo bytes under the ref chosen by the caller.
type Store interface {
	Put(ctx context.Context, ref domain.PhotoRef, data []byte, contentType string) error
	Get(ctx context.Context, ref domain.PhotoRef) ([]byte, error)
	Delete(ctx context.Context, ref domain.PhotoRef) error
}

// FileStore is a directory-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure photo dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(ref domain.PhotoRef) (string, error) {
	if err := checkRef(ref); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, string(ref)), nil
}

func (s *FileStore) Put(ctx context.Context, ref domain.PhotoRef, data []byte, contentType string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write photo: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit photo: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, ref domain.PhotoRef) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Delete is idempotent; a missing blob is not an error.
func (s *FileStore) Delete(ctx context.Context, ref domain.PhotoRef) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete photo: %w", err)
	}
	return nil
}

func checkRef(ref domain.PhotoRef) error {
	r := string(ref)
	if r == "" || strings.HasPrefix(r, ".") || strings.ContainsAny(r, `/\`) {
		return fmt.Errorf("invalid photo ref %q", r)
	}
	return nil
}
