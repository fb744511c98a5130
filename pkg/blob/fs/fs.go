// Package fs provides a [blob.Store] over a local directory. All access goes
// through an [os.Root] so keys cannot escape the configured directory.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/MrWong99/clonecall/pkg/blob"
)

// Store is a directory-backed [blob.Store].
type Store struct {
	root *os.Root
}

var _ blob.Store = (*Store)(nil)

// Open returns a Store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob fs: create %q: %w", dir, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("blob fs: open %q: %w", dir, err)
	}
	return &Store{root: root}, nil
}

// Get implements [blob.Store.Get].
func (s *Store) Get(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	if err := blob.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.root.Open(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("blob fs: open %q: %w", key, err)
	}
	defer f.Close()

	var r io.Reader = f
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blob fs: read %q: %w", key, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, blob.ErrTooLarge
	}
	return data, nil
}

// Put implements [blob.Store.Put]. Data is written to a temporary file and
// renamed into place so readers never observe a partial sample.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := blob.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir := path.Dir(key); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("blob fs: mkdir %q: %w", dir, err)
		}
	}
	tmp := key + ".tmp"
	if err := s.root.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("blob fs: write %q: %w", key, err)
	}
	if err := s.root.Rename(tmp, key); err != nil {
		_ = s.root.Remove(tmp)
		return fmt.Errorf("blob fs: rename %q: %w", key, err)
	}
	return nil
}

// Close releases the directory handle.
func (s *Store) Close() error {
	return s.root.Close()
}
