// Package filesystem provides a local-directory storage.Store for development
// and single-host deployments.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/asclepius/streamrelay/pkg/storage"
)

// ErrInvalidKey is returned when a key would escape the root directory.
var ErrInvalidKey = errors.New("filesystem: key escapes root directory")

// Store writes objects as files below a root directory. The bucket reported
// in each [storage.Location] is the root's base name.
type Store struct {
	root   string
	bucket string
}

// New creates the root directory if needed and returns a Store.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("filesystem: root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("filesystem: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("filesystem: create root: %w", err)
	}
	return &Store{root: abs, bucket: filepath.Base(abs)}, nil
}

// Put writes body to root/key atomically by renaming a temp file into place.
// contentType is not recorded.
func (s *Store) Put(ctx context.Context, key string, body []byte, _ string) (storage.Location, error) {
	if err := ctx.Err(); err != nil {
		return storage.Location{}, err
	}
	key, err := storage.ValidateKey(key)
	if err != nil {
		return storage.Location{}, err
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return storage.Location{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return storage.Location{}, fmt.Errorf("filesystem: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return storage.Location{}, fmt.Errorf("filesystem: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return storage.Location{}, fmt.Errorf("filesystem: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return storage.Location{}, fmt.Errorf("filesystem: close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return storage.Location{}, fmt.Errorf("filesystem: rename %s: %w", key, err)
	}
	return storage.Location{Bucket: s.bucket, Key: key}, nil
}

// Check verifies the root directory still exists.
func (s *Store) Check(context.Context) error {
	fi, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("filesystem: stat root: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("filesystem: root %s is not a directory", s.root)
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
