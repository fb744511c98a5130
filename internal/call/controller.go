// Package call is the entry point protocol adapters talk to. The
// [Controller] answers inbound call notifications with holding instructions,
// starts the background clone workflow and, on every status check, tells the
// adapter whether to keep holding, connect the agent or give up.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/clonecall/internal/clock"
	"github.com/MrWong99/clonecall/internal/observe"
	"github.com/MrWong99/clonecall/internal/orchestrator"
	"github.com/MrWong99/clonecall/internal/store"
	"github.com/MrWong99/clonecall/pkg/provider/voice"
)

var (
	// ErrUnknownCall is returned for call IDs the store has never seen.
	ErrUnknownCall = errors.New("call: unknown call")

	// ErrInvalidCall is returned when an inbound notification is missing
	// required fields.
	ErrInvalidCall = errors.New("call: invalid call context")
)

// Default caller-facing messages.
const (
	DefaultGreeting       = "Please hold while we connect you."
	DefaultFailureMessage = "We're sorry, we cannot take your call right now. Goodbye."

	causeNoSample    = "no voice sample registered for caller"
	causeStartFailed = "could not start clone workflow"
)

// Context describes an inbound call. It never changes after arrival.
type Context struct {
	CallID    string
	CallerID  string
	Protocol  store.Protocol
	CreatedAt time.Time

	// Metadata carries protocol specific values the controller ignores.
	Metadata map[string]string
}

// FallbackAction is what happens to a call whose clone workflow did not
// succeed.
type FallbackAction string

const (
	// FallbackHangup ends the call.
	FallbackHangup FallbackAction = "hangup"

	// FallbackDefaultVoice connects the caller to an agent speaking with the
	// default voice.
	FallbackDefaultVoice FallbackAction = "default_voice"
)

// IsValid reports whether a is a known action.
func (a FallbackAction) IsValid() bool {
	return a == FallbackHangup || a == FallbackDefaultVoice
}

// FallbackPolicy picks a [FallbackAction] per failure class. Zero fields mean
// [FallbackHangup].
type FallbackPolicy struct {
	OnFailure FallbackAction
	OnTimeout FallbackAction

	// DefaultVoiceID is passed to the provider for fallback sessions. Empty
	// selects the agent's configured voice.
	DefaultVoiceID string
}

// actionFor returns the action for a terminal call. Calls that never had a
// sample or whose caller hung up are never upgraded to a fallback session.
func (p FallbackPolicy) actionFor(rec store.CallRecord) FallbackAction {
	if rec.FailureKind == store.FailureNoSample || rec.FailureKind == store.FailureHangup {
		return FallbackHangup
	}
	var a FallbackAction
	switch rec.Status {
	case store.StatusFailed:
		a = p.OnFailure
	case store.StatusTimedOut:
		a = p.OnTimeout
	}
	if a == "" {
		return FallbackHangup
	}
	return a
}

// Store is the persistence the controller needs.
type Store interface {
	store.CallStore
	store.EventLog
}

// SampleChecker reports whether a caller has a registered voice sample.
type SampleChecker interface {
	Has(ctx context.Context, callerID string) (bool, error)
}

// Config holds the dependencies and caller-facing settings of a [Controller].
type Config struct {
	Store        Store
	Samples      SampleChecker
	Orchestrator *orchestrator.Orchestrator

	// Provider starts default-voice fallback sessions. Required when either
	// fallback action is [FallbackDefaultVoice].
	Provider voice.Provider

	Greeting       string
	HoldAudioURL   string
	FailureMessage string
	Fallback       FallbackPolicy

	Clock clock.Clock
}

// Controller implements the call-facing operations. Safe for concurrent use.
type Controller struct {
	store    Store
	samples  SampleChecker
	orch     *orchestrator.Orchestrator
	provider voice.Provider
	policy   clock.Policy
	clock    clock.Clock

	greeting  string
	holdAudio string
	failMsg   string
	fallback  FallbackPolicy

	fallbacks singleflight.Group
	bg        sync.WaitGroup
}

// New creates a Controller from cfg.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Samples == nil || cfg.Orchestrator == nil {
		return nil, errors.New("call: store, samples and orchestrator are required")
	}
	if cfg.Fallback.OnFailure == FallbackDefaultVoice || cfg.Fallback.OnTimeout == FallbackDefaultVoice {
		if cfg.Provider == nil {
			return nil, errors.New("call: default_voice fallback requires a provider")
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.FailureMessage == "" {
		cfg.FailureMessage = DefaultFailureMessage
	}
	return &Controller{
		store:     cfg.Store,
		samples:   cfg.Samples,
		orch:      cfg.Orchestrator,
		provider:  cfg.Provider,
		policy:    cfg.Orchestrator.Policy(),
		clock:     cfg.Clock,
		greeting:  cfg.Greeting,
		holdAudio: cfg.HoldAudioURL,
		failMsg:   cfg.FailureMessage,
		fallback:  cfg.Fallback,
	}, nil
}

// HandleInboundCall registers a new call and returns what the caller hears
// first. It never waits for cloning. Repeated notifications for the same call
// ID return the instructions for the call's current state and start nothing.
//
// A caller without a registered sample is failed immediately: the record goes
// straight from pending to failed and the returned instructions hang up.
func (c *Controller) HandleInboundCall(ctx context.Context, cc Context) (Instructions, error) {
	ctx, span := observe.StartCallSpan(ctx, "call.inbound", cc.CallID,
		attribute.String("call.protocol", string(cc.Protocol)),
	)
	defer span.End()

	if cc.CallID == "" {
		return Instructions{}, fmt.Errorf("%w: missing call id", ErrInvalidCall)
	}
	if cc.Protocol == "" {
		cc.Protocol = store.ProtocolOther
	}
	if !cc.Protocol.IsValid() {
		return Instructions{}, fmt.Errorf("%w: unknown protocol %q", ErrInvalidCall, cc.Protocol)
	}
	callerID, err := NormalizeCallerID(cc.CallerID)
	if err != nil {
		return Instructions{}, fmt.Errorf("%w: caller %q: %v", ErrInvalidCall, cc.CallerID, err)
	}

	if rec, err := c.store.GetCall(ctx, cc.CallID); err == nil {
		observe.Logger(ctx).Debug("repeated call notification", "status", rec.Status)
		return c.instructionsFor(ctx, rec, c.greeting)
	} else if !errors.Is(err, store.ErrNotFound) {
		return Instructions{}, fmt.Errorf("call: inbound %s: %w", cc.CallID, err)
	}

	has, err := c.samples.Has(ctx, callerID)
	if err != nil {
		return Instructions{}, fmt.Errorf("call: inbound %s: %w", cc.CallID, err)
	}

	started := cc.CreatedAt
	if started.IsZero() {
		started = c.clock.Now()
	}
	rec := store.CallRecord{
		CallID:    cc.CallID,
		CallerID:  callerID,
		Protocol:  cc.Protocol,
		Status:    store.StatusPending,
		StartedAt: started.UTC(),
	}
	if err := c.store.CreateCall(ctx, rec); err != nil {
		if errors.Is(err, store.ErrCallExists) {
			return c.CheckStatus(ctx, cc.CallID)
		}
		return Instructions{}, fmt.Errorf("call: inbound %s: %w", cc.CallID, err)
	}

	log := observe.Logger(ctx).With("caller_id", callerID)

	if !has {
		if _, err := c.orch.Terminate(ctx, rec, store.StatusFailed, store.FailureNoSample, causeNoSample); err != nil {
			return Instructions{}, fmt.Errorf("call: inbound %s: %w", cc.CallID, err)
		}
		log.Info("rejecting call without voice sample")
		return Terminal(c.failMsg, true), nil
	}

	applied, err := c.store.Transition(ctx, cc.CallID, store.StatusCloning, store.Update{})
	if err != nil {
		// Nobody would work on a call left pending, so end it now.
		log.Error("could not start clone workflow", "err", err)
		observe.FailSpan(span, err)
		if _, terr := c.orch.Terminate(context.WithoutCancel(ctx), rec, store.StatusFailed, store.FailureInternal, causeStartFailed); terr != nil {
			return Instructions{}, fmt.Errorf("call: inbound %s: %w", cc.CallID, errors.Join(err, terr))
		}
		return c.CheckStatus(ctx, cc.CallID)
	}
	if !applied {
		return c.CheckStatus(ctx, cc.CallID)
	}
	rec.Status = store.StatusCloning

	c.orch.Start(ctx, rec)
	log.Info("call on hold, cloning voice", "protocol", cc.Protocol)
	return Hold(c.greeting, c.holdAudio, c.policy.PollInterval), nil
}

// CheckStatus returns the instructions for the call's current state. Calls
// past their deadline are timed out here, so progress does not depend on the
// orchestrator's own watchdog. Returns [ErrUnknownCall] for unknown IDs.
func (c *Controller) CheckStatus(ctx context.Context, callID string) (Instructions, error) {
	ctx, span := observe.StartCallSpan(ctx, "call.status", callID)
	defer span.End()

	rec, err := c.get(ctx, callID)
	if err != nil {
		return Instructions{}, err
	}
	return c.instructionsFor(ctx, rec, "")
}

// Hangup tells the controller the caller has gone. A call still on hold is
// failed with cause "caller hung up" and its workflow cancelled; a provider
// request already in flight completes but its result is dropped. On a failed
// or timed out call without a fallback session, the hangup is recorded so no
// default-voice session is connected afterwards.
func (c *Controller) Hangup(ctx context.Context, callID, reason string) error {
	ctx, span := observe.StartCallSpan(ctx, "call.hangup", callID)
	defer span.End()

	rec, err := c.get(ctx, callID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		c.orch.Cancel(callID)
		if rec.Status != store.StatusConnected && rec.Session.IsZero() && rec.FallbackError == "" {
			// Keeps a pending or in-flight fallback start from connecting.
			if err := c.store.SetFallbackError(ctx, callID, orchestrator.CauseHangup); err != nil {
				return fmt.Errorf("call: hangup %s: %w", callID, err)
			}
		}
		return nil
	}
	cause := orchestrator.CauseHangup
	if reason != "" {
		cause += " (" + reason + ")"
	}
	if _, err := c.orch.Terminate(ctx, rec, store.StatusFailed, store.FailureHangup, cause); err != nil {
		return fmt.Errorf("call: hangup %s: %w", callID, err)
	}
	return nil
}

// Inspect returns the stored record and audit events for callID.
func (c *Controller) Inspect(ctx context.Context, callID string) (store.CallRecord, []store.CloneEvent, error) {
	rec, err := c.get(ctx, callID)
	if err != nil {
		return store.CallRecord{}, nil, err
	}
	evs, err := c.store.ListEvents(ctx, callID)
	if err != nil {
		return store.CallRecord{}, nil, fmt.Errorf("call: inspect %s: %w", callID, err)
	}
	return rec, evs, nil
}

// Wait blocks until background fallback session starts have finished.
func (c *Controller) Wait() {
	c.bg.Wait()
}

func (c *Controller) get(ctx context.Context, callID string) (store.CallRecord, error) {
	rec, err := c.store.GetCall(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		return store.CallRecord{}, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if err != nil {
		return store.CallRecord{}, fmt.Errorf("call: get %s: %w", callID, err)
	}
	return rec, nil
}

// instructionsFor maps rec to instructions. speech is said when the call is
// still on hold.
func (c *Controller) instructionsFor(ctx context.Context, rec store.CallRecord, speech string) (Instructions, error) {
	if !rec.Status.IsTerminal() {
		expired, err := c.orch.Expire(ctx, rec)
		if err != nil {
			return Instructions{}, fmt.Errorf("call: status %s: %w", rec.CallID, err)
		}
		if !expired {
			return Hold(speech, c.holdAudio, c.policy.PollInterval), nil
		}
		// The write may have lost to a concurrent one; read back the winner.
		if rec, err = c.get(ctx, rec.CallID); err != nil {
			return Instructions{}, err
		}
	}

	switch rec.Status {
	case store.StatusConnected:
		return Connect(rec.Session), nil
	case store.StatusFailed, store.StatusTimedOut:
		return c.terminal(ctx, rec), nil
	}
	return Hold("", c.holdAudio, c.policy.PollInterval), nil
}

// terminal applies the fallback policy to a failed or timed out call.
func (c *Controller) terminal(ctx context.Context, rec store.CallRecord) Instructions {
	if c.fallback.actionFor(rec) != FallbackDefaultVoice {
		return Terminal(c.failMsg, true)
	}
	switch {
	case rec.Fallback && !rec.Session.IsZero():
		return Connect(rec.Session)
	case rec.FallbackError != "":
		return Terminal(c.failMsg, true)
	}
	c.startFallback(ctx, rec)
	return Hold("", c.holdAudio, c.policy.PollInterval)
}

// startFallback starts a default-voice session for rec in the background.
// Concurrent polls for the same call share one attempt.
func (c *Controller) startFallback(ctx context.Context, rec store.CallRecord) {
	bctx := context.WithoutCancel(ctx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		_, _, _ = c.fallbacks.Do(rec.CallID, func() (any, error) {
			c.runFallback(bctx, rec)
			return nil, nil
		})
	}()
}

func (c *Controller) runFallback(ctx context.Context, rec store.CallRecord) {
	ctx, cancel := context.WithTimeout(ctx, c.policy.Deadline)
	defer cancel()
	log := observe.Logger(observe.WithCallID(ctx, rec.CallID))

	// Another replica or an earlier poll may already have finished.
	cur, err := c.store.GetCall(ctx, rec.CallID)
	if err != nil {
		log.Error("fallback: reload call", "err", err)
		return
	}
	if !cur.Session.IsZero() || cur.FallbackError != "" {
		return
	}

	sess, err := c.provider.StartAgentSession(ctx, c.fallback.DefaultVoiceID, voice.CallContext{
		CallID:   rec.CallID,
		CallerID: rec.CallerID,
		Protocol: string(rec.Protocol),
		Fallback: true,
	})
	if err != nil {
		log.Warn("fallback session failed", "err", err)
		if serr := c.store.SetFallbackError(ctx, rec.CallID, err.Error()); serr != nil {
			log.Error("fallback: record error", "err", serr)
		}
		return
	}
	ok, err := c.store.SetFallbackSession(ctx, rec.CallID, store.Session{
		ID:       sess.ID,
		MediaURL: sess.MediaURL,
		VoiceID:  c.fallback.DefaultVoiceID,
	})
	if err != nil {
		log.Error("fallback: record session", "err", err)
		return
	}
	if !ok {
		log.Info("discarding fallback session, call no longer wants one", "session_id", sess.ID)
		return
	}
	log.Info("fallback session ready", "session_id", sess.ID)
}
