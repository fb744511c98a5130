// Package fake provides a self-contained voice.Provider for local development.
// It never talks to a remote service: clones and sessions are minted with
// random UUIDs after a configurable simulated latency.
package fake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/clonecall/pkg/provider/voice"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithCloneLatency sets how long CreateVoiceClone takes.
func WithCloneLatency(d time.Duration) Option {
	return func(p *Provider) { p.cloneLatency = d }
}

// WithSessionLatency sets how long StartAgentSession takes.
func WithSessionLatency(d time.Duration) Option {
	return func(p *Provider) { p.sessionLatency = d }
}

// WithMediaBaseURL sets the URL prefix of minted session media URLs.
func WithMediaBaseURL(u string) Option {
	return func(p *Provider) { p.mediaBaseURL = u }
}

// Provider is a local stand-in for a real voice backend.
type Provider struct {
	cloneLatency   time.Duration
	sessionLatency time.Duration
	mediaBaseURL   string
}

var _ voice.Provider = (*Provider)(nil)

// New returns a Provider with two seconds of clone latency and 300ms of
// session latency unless overridden.
func New(opts ...Option) *Provider {
	p := &Provider{
		cloneLatency:   2 * time.Second,
		sessionLatency: 300 * time.Millisecond,
		mediaBaseURL:   "wss://agent.invalid/sessions/",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CreateVoiceClone sleeps for the clone latency and returns a fresh voice ID.
func (p *Provider) CreateVoiceClone(ctx context.Context, sample []byte, _ string) (string, error) {
	if len(sample) == 0 {
		return "", voice.StatusError("fake: create voice clone", 400, errors.New("empty sample"))
	}
	if err := sleep(ctx, p.cloneLatency); err != nil {
		return "", voice.TransportError("fake: create voice clone", err)
	}
	return "fake-voice-" + uuid.NewString(), nil
}

// StartAgentSession sleeps for the session latency and returns a session
// whose media URL embeds the voice ID, when one is given.
func (p *Provider) StartAgentSession(ctx context.Context, voiceID string, _ voice.CallContext) (voice.Session, error) {
	if err := sleep(ctx, p.sessionLatency); err != nil {
		return voice.Session{}, voice.TransportError("fake: start agent session", err)
	}
	id := uuid.New()
	if voiceID == "" {
		return voice.Session{ID: id.String(), MediaURL: p.mediaBaseURL + id.String()}, nil
	}
	return voice.Session{
		ID:       id.String(),
		MediaURL: fmt.Sprintf("%s%s?voice_id=%s", p.mediaBaseURL, id, voiceID),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
