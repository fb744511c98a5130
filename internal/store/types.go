// Package store defines the persisted entities of the clone-call workflow and
// the storage contracts the rest of the service talks to.
//
// The store is the single source of truth for call status: every component
// reads and writes call state through a [CallStore] so that status polls served
// by one replica observe transitions made by an orchestrator on another.
// Terminal transitions are compare-and-set writes; see [CallStore.Transition].
//
// Two implementations exist: [MemStore] for tests and single-process runs, and
// the PostgreSQL store in the postgres sub-package.
package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist (or, for
	// clone records touched via [CloneStore.TouchClone], has expired).
	ErrNotFound = errors.New("store: not found")

	// ErrCallExists is returned by [CallStore.CreateCall] when a record with the
	// same call ID is already present.
	ErrCallExists = errors.New("store: call already exists")
)

// Protocol names the telephony protocol a call arrived on.
type Protocol string

const (
	ProtocolTwilio Protocol = "twilio"
	ProtocolSIP    Protocol = "sip"
	ProtocolOther  Protocol = "other"
)

// IsValid reports whether p is a recognised protocol.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolTwilio, ProtocolSIP, ProtocolOther:
		return true
	}
	return false
}

// Status is the lifecycle state of a [CallRecord].
type Status string

const (
	StatusPending   Status = "pending"
	StatusCloning   Status = "cloning"
	StatusConnected Status = "connected"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusCloning, StatusConnected, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusConnected || s == StatusFailed || s == StatusTimedOut
}

// AllowedFrom returns the statuses a call may be in for a transition to s to
// be applied. A nil result means nothing may transition into s.
//
//	pending -> cloning
//	cloning -> connected
//	pending | cloning -> failed | timed_out
//
// pending may fail directly when no sample exists or the caller hangs up
// before the orchestrator starts.
func (s Status) AllowedFrom() []Status {
	switch s {
	case StatusCloning:
		return []Status{StatusPending}
	case StatusConnected:
		return []Status{StatusCloning}
	case StatusFailed, StatusTimedOut:
		return []Status{StatusPending, StatusCloning}
	}
	return nil
}

// CanTransition reports whether a call in status from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range to.AllowedFrom() {
		if s == from {
			return true
		}
	}
	return false
}

// FailureKind classifies why a call ended in failed or timed_out.
type FailureKind string

const (
	FailureNone     FailureKind = ""
	FailureNoSample FailureKind = "no_sample"
	FailureProvider FailureKind = "provider"
	FailureDeadline FailureKind = "deadline"
	FailureHangup   FailureKind = "hangup"
	FailureInternal FailureKind = "internal"
)

// Session references an agent session started with the voice provider.
type Session struct {
	// ID is the provider-assigned session identifier.
	ID string `json:"id"`

	// MediaURL is where the protocol adapter streams call audio to.
	MediaURL string `json:"media_url"`

	// VoiceID is the voice the agent speaks with.
	VoiceID string `json:"voice_id"`
}

// IsZero reports whether s carries no session.
func (s Session) IsZero() bool { return s.ID == "" && s.MediaURL == "" }

// CallRecord is one row per call attempt. Status transitions are its only
// mutations once created.
type CallRecord struct {
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id"`
	Protocol  Protocol  `json:"protocol"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`

	// EndedAt is set when the call reaches a terminal status.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// ClonedVoiceID is the voice used for the connected agent session.
	ClonedVoiceID string `json:"cloned_voice_id,omitempty"`

	// Session is the agent session the call is handed to. For failed or timed
	// out calls this is the default-voice fallback session, if one was started.
	Session Session `json:"session"`

	// Fallback is true when Session is a default-voice fallback session.
	Fallback bool `json:"fallback"`

	// FallbackError records why a fallback session could not be started.
	FallbackError string `json:"fallback_error,omitempty"`

	FailureKind  FailureKind `json:"failure_kind,omitempty"`
	FailureCause string      `json:"failure_cause,omitempty"`
}

// Update carries the fields written together with a status transition. Zero
// fields leave the stored value untouched.
type Update struct {
	EndedAt       time.Time
	ClonedVoiceID string
	Session       Session
	FailureKind   FailureKind
	FailureCause  string
}

// CloneRecord caches the voice cloned for a caller.
type CloneRecord struct {
	CallerID      string    `json:"caller_id"`
	ClonedVoiceID string    `json:"cloned_voice_id"`
	CreatedAt     time.Time `json:"created_at"`
	TTLExpiresAt  time.Time `json:"ttl_expires_at"`
	ReuseCount    int64     `json:"reuse_count"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// Expired reports whether the record must no longer be reused at now.
func (r CloneRecord) Expired(now time.Time) bool {
	return !r.TTLExpiresAt.After(now)
}

// EventKind names a [CloneEvent].
type EventKind string

const (
	EventReady       EventKind = "ready"
	EventFailed      EventKind = "failed"
	EventTransferred EventKind = "transferred"
)

// CloneEvent is a write-once audit entry. The live control path never reads
// events back.
type CloneEvent struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id"`
	Kind      EventKind `json:"kind"`
	VoiceID   string    `json:"voice_id,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
