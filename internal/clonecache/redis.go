package clonecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces clone entries in Redis.
const DefaultKeyPrefix = "clonecall:clone:"

// RedisLayer is a [Layer] backed by Redis. Entries are stored as JSON with a
// Redis TTL matching the clone's remaining lifetime.
type RedisLayer struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Layer = (*RedisLayer)(nil)

// NewRedisLayer wraps client. An empty prefix selects [DefaultKeyPrefix].
func NewRedisLayer(client redis.UniversalClient, prefix string) *RedisLayer {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLayer{client: client, prefix: prefix, now: time.Now}
}

// Get implements [Layer.Get].
func (r *RedisLayer) Get(ctx context.Context, callerID string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.key(callerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("clonecache redis: get: %w", err)
	}
	e, err := decodeEntry(raw)
	if err != nil {
		// A corrupt entry is a miss; the next fill overwrites it.
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Set implements [Layer.Set]. Entries that are already expired are not written.
func (r *RedisLayer) Set(ctx context.Context, callerID string, e Entry) error {
	ttl := e.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("clonecache redis: encode: %w", err)
	}
	if err := r.client.Set(ctx, r.key(callerID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("clonecache redis: set: %w", err)
	}
	return nil
}

// Delete implements [Layer.Delete].
func (r *RedisLayer) Delete(ctx context.Context, callerID string) error {
	if err := r.client.Del(ctx, r.key(callerID)).Err(); err != nil {
		return fmt.Errorf("clonecache redis: delete: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness checks.
func (r *RedisLayer) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLayer) key(callerID string) string {
	return r.prefix + callerID
}

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, err
	}
	if e.VoiceID == "" {
		return Entry{}, errors.New("entry without voice id")
	}
	return e, nil
}
