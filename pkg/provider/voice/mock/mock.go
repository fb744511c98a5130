// Package mock provides a test double for the voice.Provider interface.
//
// Use Provider to script clone and session outcomes and to verify how often
// and with which arguments the backend was called.
//
// Example:
//
//	p := &mock.Provider{
//	    CloneVoiceID: "v1",
//	    CloneErrs:    []error{voice.StatusError("clone", 503, errBusy)},
//	    Session:      voice.Session{ID: "s1", MediaURL: "wss://agent"},
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/clonecall/pkg/provider/voice"
)

// CreateVoiceCloneCall records a single invocation of CreateVoiceClone.
type CreateVoiceCloneCall struct {
	// Sample is a copy of the audio passed to CreateVoiceClone.
	Sample []byte
	// Name is the display name passed to CreateVoiceClone.
	Name string
}

// StartAgentSessionCall records a single invocation of StartAgentSession.
type StartAgentSessionCall struct {
	VoiceID string
	Call    voice.CallContext
}

// Provider is a mock implementation of voice.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CloneVoiceID is returned by CreateVoiceClone once CloneErrs is drained.
	CloneVoiceID string

	// CloneErrs are returned by successive CreateVoiceClone calls, one per
	// call, before CloneVoiceID is returned.
	CloneErrs []error

	// CloneErr, if non-nil, is returned by every CreateVoiceClone call after
	// CloneErrs is drained.
	CloneErr error

	// CloneDelay is how long CreateVoiceClone takes. The wait ends early with
	// ctx.Err() if ctx is done first.
	CloneDelay time.Duration

	// CloneBlock, if non-nil, makes CreateVoiceClone wait until the channel is
	// closed or ctx is done.
	CloneBlock chan struct{}

	// Session is returned by StartAgentSession when SessionErr is nil.
	Session voice.Session

	// SessionErr, if non-nil, is returned by StartAgentSession.
	SessionErr error

	// SessionDelay is how long StartAgentSession takes.
	SessionDelay time.Duration

	// --- Call records ---

	CreateVoiceCloneCalls  []CreateVoiceCloneCall
	StartAgentSessionCalls []StartAgentSessionCall
}

// Ensure Provider implements voice.Provider at compile time.
var _ voice.Provider = (*Provider)(nil)

// CreateVoiceClone records the call and returns the scripted outcome.
func (p *Provider) CreateVoiceClone(ctx context.Context, sample []byte, name string) (string, error) {
	p.mu.Lock()
	p.CreateVoiceCloneCalls = append(p.CreateVoiceCloneCalls, CreateVoiceCloneCall{
		Sample: append([]byte(nil), sample...),
		Name:   name,
	})
	var err error
	switch {
	case len(p.CloneErrs) > 0:
		err = p.CloneErrs[0]
		p.CloneErrs = p.CloneErrs[1:]
	case p.CloneErr != nil:
		err = p.CloneErr
	}
	id, delay, block := p.CloneVoiceID, p.CloneDelay, p.CloneBlock
	p.mu.Unlock()

	if werr := wait(ctx, delay, block); werr != nil {
		return "", werr
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// StartAgentSession records the call and returns Session, SessionErr.
func (p *Provider) StartAgentSession(ctx context.Context, voiceID string, call voice.CallContext) (voice.Session, error) {
	p.mu.Lock()
	p.StartAgentSessionCalls = append(p.StartAgentSessionCalls, StartAgentSessionCall{VoiceID: voiceID, Call: call})
	sess, err, delay := p.Session, p.SessionErr, p.SessionDelay
	p.mu.Unlock()

	if werr := wait(ctx, delay, nil); werr != nil {
		return voice.Session{}, werr
	}
	if err != nil {
		return voice.Session{}, err
	}
	return sess, nil
}

// CloneCalls returns the number of CreateVoiceClone invocations. Thread-safe.
func (p *Provider) CloneCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CreateVoiceCloneCalls)
}

// SessionCalls returns a copy of the recorded StartAgentSession calls.
func (p *Provider) SessionCalls() []StartAgentSessionCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartAgentSessionCall, len(p.StartAgentSessionCalls))
	copy(out, p.StartAgentSessionCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateVoiceCloneCalls = nil
	p.StartAgentSessionCalls = nil
}

func wait(ctx context.Context, d time.Duration, block chan struct{}) error {
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
