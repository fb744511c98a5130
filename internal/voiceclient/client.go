// Package voiceclient wraps a [voice.Provider] with the retry, timeout and
// circuit-breaking policy every provider call in the service goes through.
//
// Each attempt runs under its own request timeout that is detached from the
// caller's cancellation: once a request is on the wire it is allowed to finish
// (remote APIs cannot be aborted mid-request), but a caller whose context is
// cancelled stops waiting immediately and the late result is dropped. Attempt
// goroutines are tracked so [Client.Wait] can drain them on shutdown.
package voiceclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/clonecall/internal/clock"
	"github.com/MrWong99/clonecall/internal/observe"
	"github.com/MrWong99/clonecall/internal/resilience"
	"github.com/MrWong99/clonecall/pkg/provider/voice"
)

// Defaults for [Config].
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 4 * time.Second
)

// Config tunes a [Client]. Zero fields take their defaults.
type Config struct {
	// ProviderName labels metrics, spans and logs. Default: "voice".
	ProviderName string

	// Attempts is the total number of tries per operation, including the
	// first. Default: 3.
	Attempts int

	// BaseDelay is the first backoff delay; it doubles per retry.
	// Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff delay. Default: 4s.
	MaxDelay time.Duration

	// RequestTimeout bounds one attempt. Default: [clock.DefaultRequestTimeout].
	RequestTimeout time.Duration

	// Breaker configures the circuit breaker shared by both operations.
	// Only retryable failures count against it.
	Breaker resilience.CircuitBreakerConfig

	// Metrics receives per-attempt observations. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Client is the retrying front for a voice provider. Safe for concurrent use.
type Client struct {
	provider voice.Provider
	name     string
	attempts int
	base     time.Duration
	max      time.Duration
	timeout  time.Duration
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics

	inflight sync.WaitGroup
}

var _ voice.Provider = (*Client)(nil)

// New wraps p with the policy in cfg.
func New(p voice.Provider, cfg Config) *Client {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "voice"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = clock.DefaultRequestTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	bc := cfg.Breaker
	if bc.Name == "" {
		bc.Name = cfg.ProviderName
	}
	bc.IsFailure = voice.IsRetryable

	return &Client{
		provider: p,
		name:     cfg.ProviderName,
		attempts: cfg.Attempts,
		base:     cfg.BaseDelay,
		max:      cfg.MaxDelay,
		timeout:  cfg.RequestTimeout,
		breaker:  resilience.NewCircuitBreaker(bc),
		metrics:  cfg.Metrics,
	}
}

// CreateVoiceClone clones a voice from sample, retrying transient failures.
func (c *Client) CreateVoiceClone(ctx context.Context, sample []byte, name string) (string, error) {
	var id string
	err := c.run(ctx, "clone", func(actx context.Context) error {
		v, err := c.provider.CreateVoiceClone(actx, sample, name)
		if err == nil {
			id = v
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("voiceclient: create voice clone: %w", err)
	}
	return id, nil
}

// StartAgentSession starts an agent session speaking with voiceID, retrying
// transient failures.
func (c *Client) StartAgentSession(ctx context.Context, voiceID string, call voice.CallContext) (voice.Session, error) {
	var sess voice.Session
	err := c.run(ctx, "session", func(actx context.Context) error {
		s, err := c.provider.StartAgentSession(actx, voiceID, call)
		if err == nil {
			sess = s
		}
		return err
	})
	if err != nil {
		return voice.Session{}, fmt.Errorf("voiceclient: start agent session: %w", err)
	}
	return sess, nil
}

// Wait blocks until every in-flight attempt has returned.
func (c *Client) Wait() {
	c.inflight.Wait()
}

// BreakerState reports the provider circuit breaker state.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// run drives op through the retry loop. op results are only published to the
// caller when the attempt finished before ctx was done.
func (c *Client) run(ctx context.Context, kind string, op func(context.Context) error) error {
	ctx, span := observe.StartSpan(ctx, "voiceclient."+kind,
		trace.WithAttributes(
			attribute.String("provider", c.name),
			attribute.String("kind", kind),
		),
	)
	defer span.End()

	b := retry.WithMaxRetries(uint64(c.attempts-1),
		retry.WithCappedDuration(c.max, retry.NewExponential(c.base)))

	var (
		attempt int
		lastErr error
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := c.attempt(ctx, kind, op)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
		if !voice.IsRetryable(err) {
			return err
		}
		observe.Logger(ctx).Warn("voice provider request failed, retrying",
			"provider", c.name, "kind", kind, "attempt", attempt, "err", err)
		return retry.RetryableError(err)
	})
	if err != nil && lastErr != nil && ctx.Err() != nil {
		// Cancelled or out of time: keep the provider cause visible.
		err = fmt.Errorf("%w (last attempt: %v)", err, lastErr)
	}
	span.SetAttributes(attribute.Int("attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordProviderError(ctx, c.name, kind)
	}
	return err
}

// attempt executes op once on a detached context bounded by the request
// timeout. If ctx finishes first the caller gets ctx's error and the attempt
// completes in the background.
func (c *Client) attempt(ctx context.Context, kind string, op func(context.Context) error) error {
	done := make(chan error, 1)
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer cancel()

		start := time.Now()
		err := c.breaker.Execute(func() error { return op(actx) })
		c.metrics.RecordProviderRequest(actx, c.name, kind, statusOf(err), time.Since(start))
		done <- err
	}()

	select {
	case err := <-done:
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return &voice.Error{Op: kind, Err: err}
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case voice.IsRetryable(err):
		return "retryable_error"
	default:
		return "error"
	}
}
