package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It is
// suitable for tests and single-replica deployments without PostgreSQL.
type MemStore struct {
	mu      sync.RWMutex
	calls   map[string]CallRecord
	clones  map[string]CloneRecord
	events  map[string][]CloneEvent
	samples map[string]string
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		calls:   make(map[string]CallRecord),
		clones:  make(map[string]CloneRecord),
		events:  make(map[string][]CloneEvent),
		samples: make(map[string]string),
	}
}

// CreateCall implements [CallStore.CreateCall].
func (s *MemStore) CreateCall(_ context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calls[rec.CallID]; ok {
		return ErrCallExists
	}
	s.calls[rec.CallID] = rec
	return nil
}

// GetCall implements [CallStore.GetCall].
func (s *MemStore) GetCall(_ context.Context, callID string) (CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.calls[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

// Transition implements [CallStore.Transition].
func (s *MemStore) Transition(_ context.Context, callID string, to Status, upd Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return false, ErrNotFound
	}
	if !CanTransition(rec.Status, to) {
		return false, nil
	}

	rec.Status = to
	if !upd.EndedAt.IsZero() {
		ended := upd.EndedAt
		rec.EndedAt = &ended
	}
	if upd.ClonedVoiceID != "" {
		rec.ClonedVoiceID = upd.ClonedVoiceID
	}
	if !upd.Session.IsZero() {
		rec.Session = upd.Session
	}
	if upd.FailureKind != FailureNone {
		rec.FailureKind = upd.FailureKind
	}
	if upd.FailureCause != "" {
		rec.FailureCause = upd.FailureCause
	}
	s.calls[callID] = rec
	return true, nil
}

// SetFallbackSession implements [CallStore.SetFallbackSession].
func (s *MemStore) SetFallbackSession(_ context.Context, callID string, sess Session) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return false, ErrNotFound
	}
	if (rec.Status != StatusFailed && rec.Status != StatusTimedOut) || !rec.Session.IsZero() || rec.FallbackError != "" {
		return false, nil
	}
	rec.Session = sess
	rec.Fallback = true
	s.calls[callID] = rec
	return true, nil
}

// SetFallbackError implements [CallStore.SetFallbackError].
func (s *MemStore) SetFallbackError(_ context.Context, callID, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	rec.FallbackError = cause
	s.calls[callID] = rec
	return nil
}

// ListOverdueCalls implements [CallStore.ListOverdueCalls].
func (s *MemStore) ListOverdueCalls(_ context.Context, startedBefore time.Time, limit int) ([]CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []CallRecord
	for _, rec := range s.calls {
		if rec.Status.IsTerminal() || !rec.StartedAt.Before(startedBefore) {
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b CallRecord) int { return a.StartedAt.Compare(b.StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetClone implements [CloneStore.GetClone].
func (s *MemStore) GetClone(_ context.Context, callerID string) (CloneRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.clones[callerID]
	if !ok {
		return CloneRecord{}, ErrNotFound
	}
	return rec, nil
}

// UpsertClone implements [CloneStore.UpsertClone].
func (s *MemStore) UpsertClone(_ context.Context, rec CloneRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.clones[rec.CallerID]; ok && old.ClonedVoiceID == rec.ClonedVoiceID {
		rec.ReuseCount = old.ReuseCount
		rec.CreatedAt = old.CreatedAt
	} else {
		rec.ReuseCount = 0
	}
	if rec.LastUsedAt.IsZero() {
		rec.LastUsedAt = rec.CreatedAt
	}
	s.clones[rec.CallerID] = rec
	return nil
}

// TouchClone implements [CloneStore.TouchClone].
func (s *MemStore) TouchClone(_ context.Context, callerID string, now time.Time) (CloneRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.clones[callerID]
	if !ok || rec.Expired(now) {
		return CloneRecord{}, ErrNotFound
	}
	rec.ReuseCount++
	rec.LastUsedAt = now
	s.clones[callerID] = rec
	return rec, nil
}

// PurgeClones implements [CloneStore.PurgeClones].
func (s *MemStore) PurgeClones(_ context.Context, expiredBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.clones {
		if rec.TTLExpiresAt.Before(expiredBefore) {
			delete(s.clones, id)
			n++
		}
	}
	return n, nil
}

// AppendEvent implements [EventLog.AppendEvent].
func (s *MemStore) AppendEvent(_ context.Context, ev CloneEvent) error {
	if ev.ID == "" {
		ev.ID = NewEventID(ev.CreatedAt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.CallID] = append(s.events[ev.CallID], ev)
	return nil
}

// ListEvents implements [EventLog.ListEvents].
func (s *MemStore) ListEvents(_ context.Context, callID string) ([]CloneEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events[callID]), nil
}

// SampleKey implements [SampleIndex.SampleKey].
func (s *MemStore) SampleKey(_ context.Context, callerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.samples[callerID]
	if !ok {
		return "", ErrNotFound
	}
	return key, nil
}

// PutSampleKey implements [SampleIndex.PutSampleKey].
func (s *MemStore) PutSampleKey(_ context.Context, callerID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[callerID] = key
	return nil
}

// Ping implements [Store.Ping]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store.Close]. It is a no-op.
func (s *MemStore) Close() error { return nil }
