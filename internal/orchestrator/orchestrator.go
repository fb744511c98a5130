// Package orchestrator runs the per-call background workflow that turns a
// caller's voice sample into a live agent session.
//
// For each call the [Orchestrator] checks the clone cache, falls back to
// cloning a fresh voice from the caller's stored sample, starts an agent
// session and finally hands the call over by moving its record from cloning
// to connected. A watchdog bound to the call's deadline races the workflow;
// whichever terminal write lands first in the store wins and the loser's
// result is discarded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/clonecall/internal/clock"
	"github.com/MrWong99/clonecall/internal/observe"
	"github.com/MrWong99/clonecall/internal/resilience"
	"github.com/MrWong99/clonecall/internal/sample"
	"github.com/MrWong99/clonecall/internal/store"
	"github.com/MrWong99/clonecall/pkg/provider/voice"
)

// Cause strings recorded on failed events.
const (
	CauseDeadline = "deadline exceeded"
	CauseHangup   = "caller hung up"
)

// writeTimeout bounds store writes made after the task context is gone.
const writeTimeout = 5 * time.Second

// Store is the persistence the orchestrator needs.
type Store interface {
	store.CallStore
	store.EventLog
}

// VoiceCache looks up and records cloned voices per caller.
type VoiceCache interface {
	Get(ctx context.Context, callerID string) (voiceID string, ok bool, err error)
	Put(ctx context.Context, callerID, voiceID string, ttl time.Duration) error
}

// SampleSource fetches a caller's voice sample.
type SampleSource interface {
	Fetch(ctx context.Context, callerID string) ([]byte, error)
}

// Config holds the dependencies of an [Orchestrator].
type Config struct {
	Store    Store
	Cache    VoiceCache
	Samples  SampleSource
	Provider voice.Provider

	// Policy carries the deadline and clone TTL. Zero fields take defaults.
	Policy clock.Policy

	// Clock defaults to [clock.System].
	Clock clock.Clock

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Orchestrator runs clone workflows. Safe for concurrent use.
type Orchestrator struct {
	store    Store
	cache    VoiceCache
	samples  SampleSource
	provider voice.Provider
	policy   clock.Policy
	clock    clock.Clock
	metrics  *observe.Metrics

	registry *Registry
	clones   singleflight.Group
}

// New creates an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{
		store:    cfg.Store,
		cache:    cfg.Cache,
		samples:  cfg.Samples,
		provider: cfg.Provider,
		policy:   cfg.Policy.WithDefaults(),
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		registry: NewRegistry(),
	}
}

// Policy returns the effective timeout policy.
func (o *Orchestrator) Policy() clock.Policy { return o.policy }

// Start launches the workflow for rec in the background. rec must already be
// in the cloning state. It returns false without doing anything if a workflow
// for rec.CallID is already running.
func (o *Orchestrator) Start(ctx context.Context, rec store.CallRecord) bool {
	return o.registry.Go(ctx, TaskInfo{
		CallID:    rec.CallID,
		CallerID:  rec.CallerID,
		StartedAt: rec.StartedAt,
	}, func(tctx context.Context) {
		o.run(tctx, rec)
	})
}

// Running reports whether a workflow for callID is in flight.
func (o *Orchestrator) Running(callID string) bool { return o.registry.Running(callID) }

// Active returns the in-flight workflows.
func (o *Orchestrator) Active() []TaskInfo { return o.registry.Active() }

// Cancel stops the workflow for callID without writing a status. Any
// provider request already in flight completes in the background and its
// result is dropped.
func (o *Orchestrator) Cancel(callID string) bool { return o.registry.Cancel(callID) }

// Shutdown cancels all workflows and waits for them until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if n := o.registry.Len(); n > 0 {
		observe.Logger(ctx).Info("cancelling in-flight clone workflows", "count", n)
	}
	if err := o.registry.Shutdown(ctx); err != nil {
		return fmt.Errorf("orchestrator: shutdown: %w", err)
	}
	return nil
}

// Terminate moves rec to the terminal status to (failed or timed_out),
// appends a failed event with cause and cancels any running workflow for the
// call. It reports whether this call's write was the one applied; false means
// the call was already terminal and nothing was recorded.
func (o *Orchestrator) Terminate(ctx context.Context, rec store.CallRecord, to store.Status, kind store.FailureKind, cause string) (bool, error) {
	ctx = observe.WithCallID(ctx, rec.CallID)
	if to != store.StatusFailed && to != store.StatusTimedOut {
		return false, fmt.Errorf("orchestrator: terminate %s: invalid target status %q", rec.CallID, to)
	}
	now := o.clock.Now()
	applied, err := o.store.Transition(ctx, rec.CallID, to, store.Update{
		EndedAt:      now,
		FailureKind:  kind,
		FailureCause: cause,
	})
	if err != nil {
		return false, fmt.Errorf("orchestrator: terminate %s: %w", rec.CallID, err)
	}
	o.registry.Cancel(rec.CallID)
	if !applied {
		return false, nil
	}

	o.appendEvent(ctx, store.CloneEvent{
		CallID:    rec.CallID,
		CallerID:  rec.CallerID,
		Kind:      store.EventFailed,
		Cause:     cause,
		CreatedAt: now,
	})
	o.metrics.RecordCallOutcome(ctx, string(to), string(kind), now.Sub(rec.StartedAt))
	observe.Logger(ctx).Info("call ended without clone",
		"status", to,
		"failure_kind", kind,
		"cause", cause,
	)
	return true, nil
}

// Expire times out rec if its deadline has passed and it is not yet
// terminal. It reports whether the call was moved to timed_out.
func (o *Orchestrator) Expire(ctx context.Context, rec store.CallRecord) (bool, error) {
	if rec.Status.IsTerminal() || !o.policy.Expired(rec.StartedAt, o.clock.Now()) {
		return false, nil
	}
	return o.Terminate(ctx, rec, store.StatusTimedOut, store.FailureDeadline, CauseDeadline)
}

// SweepOverdue times out calls stuck in pending or cloning past their
// deadline, such as those owned by a replica that crashed. It returns the
// number of calls it moved to timed_out.
func (o *Orchestrator) SweepOverdue(ctx context.Context, limit int) (int, error) {
	cutoff := o.clock.Now().Add(-o.policy.Deadline)
	recs, err := o.store.ListOverdueCalls(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: sweep: %w", err)
	}
	var n int
	for _, rec := range recs {
		ok, err := o.Expire(ctx, rec)
		if err != nil {
			return n, fmt.Errorf("orchestrator: sweep: %w", err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// run is the workflow body. ctx is cancelled by hangup, shutdown or the
// deadline watchdog.
func (o *Orchestrator) run(ctx context.Context, rec store.CallRecord) {
	o.metrics.ActiveOrchestrations.Add(ctx, 1)
	defer o.metrics.ActiveOrchestrations.Add(context.WithoutCancel(ctx), -1)

	ctx, span := observe.StartCallSpan(ctx, "orchestrator.run", rec.CallID,
		attribute.String("call.protocol", string(rec.Protocol)),
	)
	defer span.End()
	log := observe.Logger(ctx).With("caller_id", rec.CallerID)

	remaining := o.policy.Remaining(rec.StartedAt, o.clock.Now())
	if remaining <= 0 {
		o.expire(ctx, rec)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := time.AfterFunc(remaining, func() {
		o.expire(ctx, rec)
		cancel()
	})
	defer watchdog.Stop()

	start := time.Now()
	defer func() {
		o.metrics.ClonePipelineDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	}()

	voiceID, hit, err := o.cache.Get(ctx, rec.CallerID)
	if err != nil {
		log.Warn("clone cache lookup failed, cloning fresh", "err", err)
	}
	if hit {
		log.Debug("reusing cached voice clone", "voice_id", voiceID)
		span.SetAttributes(attribute.Bool("clone.cached", true))
	} else {
		voiceID, err = o.clone(ctx, rec)
		if err != nil {
			o.fail(ctx, rec, err)
			observe.FailSpan(span, err)
			return
		}
		o.appendEvent(context.WithoutCancel(ctx), store.CloneEvent{
			CallID:    rec.CallID,
			CallerID:  rec.CallerID,
			Kind:      store.EventReady,
			VoiceID:   voiceID,
			CreatedAt: o.clock.Now(),
		})
	}
	if ctx.Err() != nil {
		log.Debug("workflow stopped before session start", "err", ctx.Err())
		return
	}

	sess, err := o.provider.StartAgentSession(ctx, voiceID, voice.CallContext{
		CallID:   rec.CallID,
		CallerID: rec.CallerID,
		Protocol: string(rec.Protocol),
	})
	if err != nil {
		o.fail(ctx, rec, err)
		observe.FailSpan(span, err)
		return
	}
	o.connect(ctx, rec, voiceID, sess)
}

// clone resolves the caller's sample and clones a voice from it. Concurrent
// workflows for the same caller share one provider request. If the workflow
// that owns the shared request is cancelled, the others start a new one.
func (o *Orchestrator) clone(ctx context.Context, rec store.CallRecord) (string, error) {
	for {
		ch := o.clones.DoChan(rec.CallerID, func() (any, error) {
			return o.cloneOnce(ctx, rec.CallerID)
		})
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if ctx.Err() == nil && isCanceled(res.Err) {
					continue
				}
				return "", res.Err
			}
			return res.Val.(string), nil
		}
	}
}

func (o *Orchestrator) cloneOnce(ctx context.Context, callerID string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.clone")
	defer span.End()

	data, err := o.samples.Fetch(ctx, callerID)
	if err != nil {
		return "", err
	}
	voiceID, err := o.provider.CreateVoiceClone(ctx, data, "caller "+callerID)
	if err != nil {
		return "", err
	}
	if err := o.cache.Put(context.WithoutCancel(ctx), callerID, voiceID, o.policy.CloneTTL); err != nil {
		observe.Logger(ctx).Warn("failed to record voice clone", "caller_id", callerID, "voice_id", voiceID, "err", err)
	}
	return voiceID, nil
}

// connect performs the hand-off write. The deadline is re-checked first so a
// success that arrives late is discarded even if the watchdog has not fired.
func (o *Orchestrator) connect(ctx context.Context, rec store.CallRecord, voiceID string, sess voice.Session) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	log := observe.Logger(ctx)

	if ctx.Err() != nil {
		log.Info("discarding late agent session", "session_id", sess.ID)
		return
	}
	now := o.clock.Now()
	if o.policy.Expired(rec.StartedAt, now) {
		log.Info("discarding agent session past deadline", "session_id", sess.ID)
		o.expire(ctx, rec)
		return
	}

	applied, err := o.store.Transition(wctx, rec.CallID, store.StatusConnected, store.Update{
		EndedAt:       now,
		ClonedVoiceID: voiceID,
		Session: store.Session{
			ID:       sess.ID,
			MediaURL: sess.MediaURL,
			VoiceID:  voiceID,
		},
	})
	if err != nil {
		log.Error("failed to record hand-off", "err", err)
		return
	}
	if !applied {
		log.Info("call already ended, discarding agent session", "session_id", sess.ID)
		return
	}

	o.appendEvent(wctx, store.CloneEvent{
		CallID:    rec.CallID,
		CallerID:  rec.CallerID,
		Kind:      store.EventTransferred,
		VoiceID:   voiceID,
		CreatedAt: now,
	})
	o.metrics.RecordCallOutcome(wctx, string(store.StatusConnected), "", now.Sub(rec.StartedAt))
	log.Info("call handed to agent", "voice_id", voiceID, "session_id", sess.ID)
}

// fail records an unrecoverable workflow error. Errors caused by the task
// being cancelled are not recorded; whoever cancelled it owns the final
// status.
func (o *Orchestrator) fail(ctx context.Context, rec store.CallRecord, err error) {
	if ctx.Err() != nil {
		observe.Logger(ctx).Debug("workflow cancelled", "err", err)
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if _, terr := o.Terminate(wctx, rec, store.StatusFailed, classify(err), err.Error()); terr != nil {
		observe.Logger(ctx).Error("failed to record workflow failure", "err", terr, "cause", err)
	}
}

func (o *Orchestrator) expire(ctx context.Context, rec store.CallRecord) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if _, err := o.Terminate(wctx, rec, store.StatusTimedOut, store.FailureDeadline, CauseDeadline); err != nil {
		observe.Logger(ctx).Error("failed to record deadline", "err", err)
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, ev store.CloneEvent) {
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		observe.Logger(observe.WithCallID(ctx, ev.CallID)).Error("failed to append clone event", "kind", ev.Kind, "err", err)
	}
}

// classify maps a workflow error to the failure kind stored on the call.
func classify(err error) store.FailureKind {
	var verr *voice.Error
	switch {
	case errors.Is(err, sample.ErrNoSample), errors.Is(err, sample.ErrInvalidSample):
		return store.FailureNoSample
	case errors.As(err, &verr), errors.Is(err, resilience.ErrCircuitOpen):
		return store.FailureProvider
	case errors.Is(err, context.DeadlineExceeded):
		return store.FailureProvider
	}
	return store.FailureInternal
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
