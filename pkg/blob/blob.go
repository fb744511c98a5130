// Package blob defines the byte-fetch contract for voice sample storage.
//
// A Store maps opaque keys to byte blobs. Implementations live in the fs
// (local directory) and s3 (S3-compatible object storage) sub-packages.
package blob

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when no blob exists under the requested key.
var ErrNotFound = errors.New("blob: not found")

// ErrInvalidKey is returned for keys that are empty or try to escape the
// store's namespace.
var ErrInvalidKey = errors.New("blob: invalid key")

// Store reads and writes blobs by key. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the blob stored under key or [ErrNotFound]. At most maxBytes
	// are read when maxBytes is positive; larger blobs yield [ErrTooLarge].
	Get(ctx context.Context, key string, maxBytes int64) ([]byte, error)

	// Put stores data under key, replacing any existing blob.
	Put(ctx context.Context, key string, data []byte) error
}

// ErrTooLarge is returned by [Store.Get] when a blob exceeds the size limit.
var ErrTooLarge = errors.New("blob: too large")

// ValidateKey rejects keys that are empty, absolute or contain ".." segments.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
