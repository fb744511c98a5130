package store

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// CallStore persists [CallRecord] values. Implementations must be safe for
// concurrent use.
type CallStore interface {
	// CreateCall inserts rec. Returns [ErrCallExists] if the call ID is taken.
	CreateCall(ctx context.Context, rec CallRecord) error

	// GetCall returns the record for callID or [ErrNotFound].
	GetCall(ctx context.Context, callID string) (CallRecord, error)

	// Transition moves the call to status to, applying upd, but only if the
	// stored status is one of to.AllowedFrom(). It reports whether the write
	// was applied; a false result with a nil error means the call had already
	// moved on and the caller must discard its result. Returns [ErrNotFound]
	// for an unknown call.
	Transition(ctx context.Context, callID string, to Status, upd Update) (bool, error)

	// SetFallbackSession records a default-voice session for a failed or timed
	// out call. It reports false if the call is not in such a state, already
	// has a session or has a fallback error recorded.
	SetFallbackSession(ctx context.Context, callID string, s Session) (bool, error)

	// SetFallbackError records why a fallback session could not be started.
	SetFallbackError(ctx context.Context, callID, cause string) error

	// ListOverdueCalls returns up to limit calls still pending or cloning that
	// started before startedBefore.
	ListOverdueCalls(ctx context.Context, startedBefore time.Time, limit int) ([]CallRecord, error)
}

// CloneStore persists [CloneRecord] values keyed by caller.
type CloneStore interface {
	// GetClone returns the stored record for callerID (expired or not) or
	// [ErrNotFound].
	GetClone(ctx context.Context, callerID string) (CloneRecord, error)

	// UpsertClone inserts or replaces the record for rec.CallerID. Writing the
	// same voice again keeps the reuse counter; a new voice resets it.
	UpsertClone(ctx context.Context, rec CloneRecord) error

	// TouchClone atomically increments the reuse counter and sets LastUsedAt
	// to now, but only while the record is unexpired at now. Returns the
	// updated record or [ErrNotFound].
	TouchClone(ctx context.Context, callerID string, now time.Time) (CloneRecord, error)

	// PurgeClones physically deletes records that expired before the given
	// instant and returns how many were removed.
	PurgeClones(ctx context.Context, expiredBefore time.Time) (int64, error)
}

// EventLog is the append-only [CloneEvent] log.
type EventLog interface {
	AppendEvent(ctx context.Context, ev CloneEvent) error
	ListEvents(ctx context.Context, callID string) ([]CloneEvent, error)
}

// SampleIndex maps callers to the storage key of their voice sample.
type SampleIndex interface {
	// SampleKey returns the key registered for callerID or [ErrNotFound].
	SampleKey(ctx context.Context, callerID string) (string, error)

	// PutSampleKey registers or replaces the key for callerID.
	PutSampleKey(ctx context.Context, callerID, key string) error
}

// Store is the full persistence surface used by the service.
type Store interface {
	CallStore
	CloneStore
	EventLog
	SampleIndex

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases held resources.
	Close() error
}

// NewEventID returns a lexically time-sortable identifier for a [CloneEvent].
func NewEventID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), rand.Reader).String()
}
