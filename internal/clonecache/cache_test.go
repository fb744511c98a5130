package clonecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/clonecall/internal/clock"
	"github.com/MrWong99/clonecall/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLayer struct {
	mu      sync.Mutex
	entries map[string]Entry
	getErr  error
	deletes int
}

func newFakeLayer() *fakeLayer { return &fakeLayer{entries: map[string]Entry{}} }

func (f *fakeLayer) Get(_ context.Context, callerID string) (Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Entry{}, false, f.getErr
	}
	e, ok := f.entries[callerID]
	return e, ok, nil
}

func (f *fakeLayer) Set(_ context.Context, callerID string, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[callerID] = e
	return nil
}

func (f *fakeLayer) Delete(_ context.Context, callerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, callerID)
	f.deletes++
	return nil
}

func (f *fakeLayer) entry(callerID string) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[callerID]
	return e, ok
}

type failingStore struct {
	store.CloneStore
	err error
}

func (f failingStore) GetClone(context.Context, string) (store.CloneRecord, error) {
	return store.CloneRecord{}, f.err
}

func TestCache_MissThenHit(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	clk := clock.NewManual(t0)
	c := New(st, WithClock(clk))
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "+15550001"); err != nil || ok {
		t.Fatalf("Get on empty cache: ok=%v err=%v", ok, err)
	}

	if err := c.Put(ctx, "+15550001", "voice-1", time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := c.Get(ctx, "+15550001")
	if err != nil || !ok {
		t.Fatalf("Get after Put: ok=%v err=%v", ok, err)
	}
	if got != "voice-1" {
		t.Errorf("voice = %q, want voice-1", got)
	}
	c.Flush()

	rec, err := st.GetClone(ctx, "+15550001")
	if err != nil {
		t.Fatalf("GetClone: %v", err)
	}
	if rec.ReuseCount != 1 {
		t.Errorf("ReuseCount = %d, want 1", rec.ReuseCount)
	}
}

func TestCache_ReuseCountIncrementsPerHit(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	c := New(st, WithClock(clock.NewManual(t0)))
	ctx := context.Background()

	if err := c.Put(ctx, "caller", "voice-1", time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for range 3 {
		if _, ok, _ := c.Get(ctx, "caller"); !ok {
			t.Fatal("expected hit")
		}
	}
	c.Flush()

	rec, _ := st.GetClone(ctx, "caller")
	if rec.ReuseCount != 3 {
		t.Errorf("ReuseCount = %d, want 3", rec.ReuseCount)
	}
}

func TestCache_ExpiredIsMiss(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	clk := clock.NewManual(t0)
	layer := newFakeLayer()
	c := New(st, WithClock(clk), WithLayer(layer))
	ctx := context.Background()

	if err := c.Put(ctx, "caller", "voice-1", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Exactly at the expiry instant the record is no longer usable.
	clk.Advance(time.Minute)
	if _, ok, err := c.Get(ctx, "caller"); err != nil || ok {
		t.Fatalf("Get at expiry: ok=%v err=%v, want miss", ok, err)
	}
	c.Flush()

	rec, _ := st.GetClone(ctx, "caller")
	if rec.ReuseCount != 0 {
		t.Errorf("expired lookup touched the record: ReuseCount = %d", rec.ReuseCount)
	}
}

func TestCache_PutRefreshesTTL(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	clk := clock.NewManual(t0)
	c := New(st, WithClock(clk))
	ctx := context.Background()

	if err := c.Put(ctx, "caller", "voice-1", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if err := c.Put(ctx, "caller", "voice-2", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, _ := c.Get(ctx, "caller")
	if !ok || got != "voice-2" {
		t.Fatalf("Get = %q, %v; want voice-2, true", got, ok)
	}
}

func TestCache_LayerHitSkipsStoreRead(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	layer := newFakeLayer()
	c := New(st, WithClock(clock.NewManual(t0)), WithLayer(layer))
	ctx := context.Background()

	if err := c.Put(ctx, "caller", "voice-1", time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e, ok := layer.entry("caller")
	if !ok || e.VoiceID != "voice-1" || !e.ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("layer entry = %+v, %v", e, ok)
	}

	got, hit, err := c.Get(ctx, "caller")
	if err != nil || !hit || got != "voice-1" {
		t.Fatalf("Get = %q, %v, %v", got, hit, err)
	}
	c.Flush()

	rec, _ := st.GetClone(ctx, "caller")
	if rec.ReuseCount != 1 {
		t.Errorf("ReuseCount = %d, want 1", rec.ReuseCount)
	}
}

func TestCache_StaleLayerEntryReplacedFromStore(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	layer := newFakeLayer()
	c := New(st, WithClock(clock.NewManual(t0)), WithLayer(layer))
	ctx := context.Background()

	// The layer believes in a voice the store no longer has.
	_ = layer.Set(ctx, "caller", Entry{VoiceID: "voice-old", ExpiresAt: t0.Add(time.Hour)})
	_ = st.UpsertClone(ctx, store.CloneRecord{
		CallerID:      "caller",
		ClonedVoiceID: "voice-new",
		CreatedAt:     t0,
		TTLExpiresAt:  t0.Add(time.Hour),
	})

	if _, ok, _ := c.Get(ctx, "caller"); !ok {
		t.Fatal("expected hit")
	}
	c.Flush()

	if e, ok := layer.entry("caller"); !ok || e.VoiceID != "voice-new" {
		t.Errorf("layer entry = %+v, %v; want the store's voice-new", e, ok)
	}

	got, ok, _ := c.Get(ctx, "caller")
	if !ok || got != "voice-new" {
		t.Errorf("Get after reconcile = %q, %v; want voice-new", got, ok)
	}
}

func TestCache_LayerEntryDroppedWhenStoreLosesClone(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	layer := newFakeLayer()
	c := New(st, WithClock(clock.NewManual(t0)), WithLayer(layer))
	ctx := context.Background()

	_ = layer.Set(ctx, "caller", Entry{VoiceID: "voice-gone", ExpiresAt: t0.Add(time.Hour)})
	if _, ok, _ := c.Get(ctx, "caller"); !ok {
		t.Fatal("expected layer hit")
	}
	c.Flush()

	if _, ok := layer.entry("caller"); ok {
		t.Error("layer entry kept after the store lost the clone")
	}
	if _, ok, _ := c.Get(ctx, "caller"); ok {
		t.Error("Get still hits after the layer was reconciled")
	}
}

func TestCache_LayerErrorFallsBackToStore(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	layer := newFakeLayer()
	layer.getErr = errors.New("connection refused")
	c := New(st, WithClock(clock.NewManual(t0)), WithLayer(layer))
	ctx := context.Background()

	if err := c.Put(ctx, "caller", "voice-1", time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := c.Get(ctx, "caller")
	if err != nil || !ok || got != "voice-1" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}
	c.Flush()
}

func TestCache_StoreErrorSurfaces(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	c := New(failingStore{err: boom}, WithClock(clock.NewManual(t0)))

	_, ok, err := c.Get(context.Background(), "caller")
	if ok || !errors.Is(err, boom) {
		t.Fatalf("Get = %v, %v; want wrapped store error", ok, err)
	}
}

func TestCache_PutValidation(t *testing.T) {
	t.Parallel()

	c := New(store.NewMemStore())
	ctx := context.Background()

	if err := c.Put(ctx, "caller", "", time.Hour); err == nil {
		t.Error("Put with empty voice: expected error")
	}
	if err := c.Put(ctx, "caller", "voice", 0); err == nil {
		t.Error("Put with zero ttl: expected error")
	}
}

func TestCache_Purge(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	clk := clock.NewManual(t0)
	c := New(st, WithClock(clk))
	ctx := context.Background()

	_ = c.Put(ctx, "a", "voice-a", time.Minute)
	_ = c.Put(ctx, "b", "voice-b", time.Hour)

	n, err := c.Purge(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := st.GetClone(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetClone(a) err = %v, want ErrNotFound", err)
	}
}

func TestDecodeEntry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "valid", raw: `{"voice_id":"v1","expires_at":"2026-03-01T13:00:00Z"}`},
		{name: "missing voice", raw: `{"expires_at":"2026-03-01T13:00:00Z"}`, wantErr: true},
		{name: "garbage", raw: `not json`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, err := decodeEntry([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && e.VoiceID != "v1" {
				t.Errorf("VoiceID = %q", e.VoiceID)
			}
		})
	}
}

func TestRedisLayer_Key(t *testing.T) {
	t.Parallel()

	if got := NewRedisLayer(nil, "").key("+1555"); got != DefaultKeyPrefix+"+1555" {
		t.Errorf("key = %q", got)
	}
	if got := NewRedisLayer(nil, "x:").key("c"); got != "x:c" {
		t.Errorf("key = %q", got)
	}
}
