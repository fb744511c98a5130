// Package sample resolves callers to the raw voice samples their clones are
// trained on.
//
// A [Repository] looks up the caller's sample key in the store's sample index
// and fetches the bytes from one or more blob backends. Backends are tried in
// order through a [resilience.FallbackGroup], so a mirror can serve samples
// while the primary is down.
package sample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/clonecall/internal/resilience"
	"github.com/MrWong99/clonecall/internal/store"
	"github.com/MrWong99/clonecall/pkg/blob"
)

var (
	// ErrNoSample is returned when no sample is registered for a caller or
	// the registered key is missing from every backend.
	ErrNoSample = errors.New("sample: no voice sample for caller")

	// ErrInvalidSample is returned for samples that are empty or exceed the
	// configured size limit.
	ErrInvalidSample = errors.New("sample: invalid voice sample")
)

// Defaults for [Options].
const (
	DefaultMaxBytes = 10 << 20
	DefaultMinBytes = 1 << 10
)

// Options configures a [Repository].
type Options struct {
	// MaxBytes caps the size of a sample. Default: 10 MiB.
	MaxBytes int64

	// MinBytes rejects samples too short to clone from. Default: 1 KiB.
	MinBytes int64

	// Breaker tunes the per-backend circuit breakers.
	Breaker resilience.CircuitBreakerConfig
}

// Backend names a blob store for the fallback chain.
type Backend struct {
	Name  string
	Store blob.Store
}

// Repository resolves caller IDs to sample bytes.
type Repository struct {
	index    store.SampleIndex
	backends *resilience.FallbackGroup[blob.Store]
	maxBytes int64
	minBytes int64
}

// New creates a Repository reading keys from index and bytes from backends,
// tried in the given order. At least one backend is required.
func New(index store.SampleIndex, backends []Backend, opts Options) (*Repository, error) {
	if index == nil {
		return nil, errors.New("sample: index must not be nil")
	}
	if len(backends) == 0 {
		return nil, errors.New("sample: at least one backend is required")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MinBytes <= 0 {
		opts.MinBytes = DefaultMinBytes
	}

	cb := opts.Breaker
	cb.IsFailure = isBackendFailure
	group := resilience.NewFallbackGroup(backends[0].Store, backends[0].Name, resilience.FallbackConfig{CircuitBreaker: cb})
	for _, b := range backends[1:] {
		group.AddFallback(b.Name, b.Store)
	}
	slog.Debug("sample backends configured", "order", group.Names())

	return &Repository{
		index:    index,
		backends: group,
		maxBytes: opts.MaxBytes,
		minBytes: opts.MinBytes,
	}, nil
}

// Has reports whether a sample key is registered for callerID. It does not
// touch the blob backends, so it is cheap enough for the inbound-call path.
func (r *Repository) Has(ctx context.Context, callerID string) (bool, error) {
	_, err := r.index.SampleKey(ctx, callerID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("sample: lookup %q: %w", callerID, err)
	}
}

// Fetch returns the sample bytes for callerID. Returns [ErrNoSample] if
// nothing is registered or the blob is missing everywhere, and
// [ErrInvalidSample] if the stored blob is unusable.
func (r *Repository) Fetch(ctx context.Context, callerID string) ([]byte, error) {
	key, err := r.index.SampleKey(ctx, callerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoSample
		}
		return nil, fmt.Errorf("sample: lookup %q: %w", callerID, err)
	}

	data, err := resilience.ExecuteWithResult(r.backends, func(b blob.Store) ([]byte, error) {
		return b.Get(ctx, key, r.maxBytes)
	})
	if err != nil {
		switch {
		case errors.Is(err, blob.ErrTooLarge):
			return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidSample, key, r.maxBytes)
		case errors.Is(err, blob.ErrNotFound):
			return nil, fmt.Errorf("%w: key %q missing from storage", ErrNoSample, key)
		}
		return nil, fmt.Errorf("sample: fetch %q: %w", key, err)
	}
	if err := r.check(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Register stores data under key and maps callerID to it. When data is nil
// only the mapping is written, for samples uploaded out of band.
func (r *Repository) Register(ctx context.Context, callerID, key string, data []byte) error {
	if err := blob.ValidateKey(key); err != nil {
		return fmt.Errorf("sample: register %q: %w", callerID, err)
	}
	if data != nil {
		if err := r.check(data); err != nil {
			return err
		}
		err := r.backends.Execute(func(b blob.Store) error {
			return b.Put(ctx, key, data)
		})
		if err != nil {
			return fmt.Errorf("sample: store %q: %w", key, err)
		}
	}
	if err := r.index.PutSampleKey(ctx, callerID, key); err != nil {
		return fmt.Errorf("sample: register %q: %w", callerID, err)
	}
	return nil
}

func (r *Repository) check(data []byte) error {
	n := int64(len(data))
	if n == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidSample)
	}
	if n < r.minBytes {
		return fmt.Errorf("%w: %d bytes is shorter than the %d byte minimum", ErrInvalidSample, n, r.minBytes)
	}
	if n > r.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidSample, n, r.maxBytes)
	}
	return nil
}

// isBackendFailure excludes lookup misses and bad keys from breaker
// accounting; only storage faults count against a backend.
func isBackendFailure(err error) bool {
	return !errors.Is(err, blob.ErrNotFound) &&
		!errors.Is(err, blob.ErrTooLarge) &&
		!errors.Is(err, blob.ErrInvalidKey)
}
