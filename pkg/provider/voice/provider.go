// Package voice defines the Provider interface for voice-cloning agent
// backends.
//
// A voice provider turns a short caller audio sample into a cloned voice and
// starts conversational agent sessions that speak with a given voice. Both
// operations are remote, fallible and slow (seconds to tens of seconds), so
// callers are expected to wrap them with retry and deadline handling; see the
// voiceclient package.
//
// Implementations must be safe for concurrent use.
package voice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// CallContext is the caller information passed to an agent session.
type CallContext struct {
	// CallID is the protocol-native call identifier.
	CallID string

	// CallerID is the normalised caller number.
	CallerID string

	// Protocol is the telephony protocol the call arrived on.
	Protocol string

	// Fallback is true when the session is started with the default voice
	// because cloning failed or timed out.
	Fallback bool
}

// Session references a started agent session.
type Session struct {
	// ID is the provider-assigned session identifier.
	ID string

	// MediaURL is the WebSocket URL the telephony layer streams audio to.
	MediaURL string
}

// Provider is the abstraction over any voice-cloning agent backend.
type Provider interface {
	// CreateVoiceClone trains a voice from sample and returns the
	// provider-assigned voice ID. name is a human-readable label stored with
	// the voice.
	//
	// Returns an [*Error] for provider-side failures so callers can decide
	// whether to retry.
	CreateVoiceClone(ctx context.Context, sample []byte, name string) (string, error)

	// StartAgentSession starts a conversational agent speaking with voiceID
	// and returns the session reference the call should be connected to.
	// An empty voiceID keeps the agent's configured voice.
	StartAgentSession(ctx context.Context, voiceID string, call CallContext) (Session, error)
}

// Error is returned by providers for failed remote operations.
type Error struct {
	// Op is the operation that failed, e.g. "create voice clone".
	Op string

	// StatusCode is the HTTP status returned by the provider, or 0 when no
	// response was received.
	StatusCode int

	// Retryable reports whether repeating the request may succeed.
	Retryable bool

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError builds an [*Error] from an HTTP status code. 5xx, 408 and 429
// are retryable; every other 4xx is not.
func StatusError(op string, status int, err error) *Error {
	return &Error{
		Op:         op,
		StatusCode: status,
		Retryable:  status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout,
		Err:        err,
	}
}

// TransportError builds an [*Error] for a request that never received a
// response. Network failures and timeouts are retryable; cancellation of the
// caller's context is not.
func TransportError(op string, err error) *Error {
	retryable := true
	if errors.Is(err, context.Canceled) {
		retryable = false
	}
	return &Error{Op: op, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err (or an error it wraps) is a provider
// failure worth retrying. Timeouts reported by the network stack count as
// retryable even when they were not wrapped in an [*Error].
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
