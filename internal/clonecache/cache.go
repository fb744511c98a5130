// Package clonecache answers "does this caller already have a usable cloned
// voice?" and records clone reuse.
//
// The persistent store is the source of truth. An optional shared [Layer]
// (Redis in production) sits in front of it as a read-through optimisation.
// A layer hit is served without a store read; the background reuse update
// then compares the two and, when they disagree, rewrites or drops the layer
// entry from the store's record.
package clonecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/clonecall/internal/clock"
	"github.com/MrWong99/clonecall/internal/observe"
	"github.com/MrWong99/clonecall/internal/store"
)

// Entry is what a [Layer] caches per caller.
type Entry struct {
	VoiceID   string    `json:"voice_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Layer is a fast shared cache in front of the store. Implementations must be
// safe for concurrent use.
type Layer interface {
	// Get returns the cached entry, or ok=false on a miss.
	Get(ctx context.Context, callerID string) (e Entry, ok bool, err error)

	// Set caches e until its ExpiresAt.
	Set(ctx context.Context, callerID string, e Entry) error

	// Delete drops any cached entry for callerID.
	Delete(ctx context.Context, callerID string) error
}

// Option configures a [Cache].
type Option func(*Cache)

// WithLayer puts l in front of the store. Layer entries carry the store's
// expiry, so an expired clone is never served from the layer. A clone that was
// replaced or deleted in the store without going through [Cache.Put] can be
// served from the layer once more before the reuse update corrects it.
func WithLayer(l Layer) Option {
	return func(c *Cache) { c.layer = l }
}

// WithClock sets the time source used for expiry checks.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clock = clk }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithTouchTimeout bounds the background reuse-count update. Default: 5s.
func WithTouchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.touchTimeout = d }
}

// Cache is the voice clone cache. Safe for concurrent use.
type Cache struct {
	store        store.CloneStore
	layer        Layer
	clock        clock.Clock
	metrics      *observe.Metrics
	touchTimeout time.Duration

	touches sync.WaitGroup
}

// New creates a Cache over s.
func New(s store.CloneStore, opts ...Option) *Cache {
	c := &Cache{
		store:        s,
		clock:        clock.System{},
		touchTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Get returns the voice cloned for callerID if one exists and is unexpired.
// A hit schedules a best-effort reuse-count increment that never delays the
// caller. err is non-nil only when the store itself could not be read.
func (c *Cache) Get(ctx context.Context, callerID string) (voiceID string, ok bool, err error) {
	now := c.clock.Now()

	if c.layer != nil {
		e, hit, lerr := c.layer.Get(ctx, callerID)
		switch {
		case lerr != nil:
			c.metrics.RecordCacheLookup(ctx, "redis", "error")
			observe.Logger(ctx).Warn("clone cache layer read failed, falling back to store", "caller_id", callerID, "err", lerr)
		case hit && e.ExpiresAt.After(now) && e.VoiceID != "":
			c.metrics.RecordCacheLookup(ctx, "redis", "hit")
			c.touch(ctx, callerID, e.VoiceID, now)
			return e.VoiceID, true, nil
		default:
			c.metrics.RecordCacheLookup(ctx, "redis", "miss")
		}
	}

	rec, err := c.store.GetClone(ctx, callerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.metrics.RecordCacheLookup(ctx, "store", "miss")
			return "", false, nil
		}
		c.metrics.RecordCacheLookup(ctx, "store", "error")
		return "", false, fmt.Errorf("clonecache: get %q: %w", callerID, err)
	}
	if rec.Expired(now) {
		c.metrics.RecordCacheLookup(ctx, "store", "expired")
		return "", false, nil
	}

	c.metrics.RecordCacheLookup(ctx, "store", "hit")
	c.fill(ctx, callerID, Entry{VoiceID: rec.ClonedVoiceID, ExpiresAt: rec.TTLExpiresAt})
	c.touch(ctx, callerID, rec.ClonedVoiceID, now)
	return rec.ClonedVoiceID, true, nil
}

// Put records voiceID as the clone for callerID, valid for ttl. Writing the
// same voice again refreshes the TTL and keeps the reuse count.
func (c *Cache) Put(ctx context.Context, callerID, voiceID string, ttl time.Duration) error {
	if voiceID == "" {
		return errors.New("clonecache: put: voice id must not be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("clonecache: put: ttl must be positive, got %v", ttl)
	}
	now := c.clock.Now()
	rec := store.CloneRecord{
		CallerID:      callerID,
		ClonedVoiceID: voiceID,
		CreatedAt:     now,
		TTLExpiresAt:  now.Add(ttl),
		LastUsedAt:    now,
	}
	if err := c.store.UpsertClone(ctx, rec); err != nil {
		return fmt.Errorf("clonecache: put %q: %w", callerID, err)
	}
	c.fill(ctx, callerID, Entry{VoiceID: voiceID, ExpiresAt: rec.TTLExpiresAt})
	return nil
}

// Purge physically removes clone records that expired before cutoff.
func (c *Cache) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := c.store.PurgeClones(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clonecache: purge: %w", err)
	}
	return n, nil
}

// Flush waits for pending background reuse updates.
func (c *Cache) Flush() {
	c.touches.Wait()
}

// touch increments the reuse counter in the background and reconciles the
// layer with the store: a missing or expired record drops the layer entry and
// a different voice overwrites it.
func (c *Cache) touch(ctx context.Context, callerID, voiceID string, now time.Time) {
	c.touches.Add(1)
	go func() {
		defer c.touches.Done()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.touchTimeout)
		defer cancel()

		rec, err := c.store.TouchClone(tctx, callerID, now)
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.evict(tctx, callerID)
		case err != nil:
			observe.Logger(tctx).Warn("clone reuse update failed", "caller_id", callerID, "err", err)
		case rec.ClonedVoiceID != voiceID:
			observe.Logger(tctx).Info("clone cache layer disagreed with store, store wins",
				"caller_id", callerID, "layer_voice_id", voiceID, "store_voice_id", rec.ClonedVoiceID)
			c.fill(tctx, callerID, Entry{VoiceID: rec.ClonedVoiceID, ExpiresAt: rec.TTLExpiresAt})
		}
	}()
}

func (c *Cache) fill(ctx context.Context, callerID string, e Entry) {
	if c.layer == nil {
		return
	}
	if err := c.layer.Set(ctx, callerID, e); err != nil {
		observe.Logger(ctx).Warn("clone cache layer write failed", "caller_id", callerID, "err", err)
	}
}

func (c *Cache) evict(ctx context.Context, callerID string) {
	if c.layer == nil {
		return
	}
	if err := c.layer.Delete(ctx, callerID); err != nil {
		observe.Logger(ctx).Warn("clone cache layer evict failed", "caller_id", callerID, "err", err)
	}
}
