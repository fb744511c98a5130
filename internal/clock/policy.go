package clock

import (
	"fmt"
	"time"
)

// Default timeout values. The request timeout must stay below the call
// deadline so one slow provider request cannot consume the whole budget.
const (
	DefaultDeadline       = 35 * time.Second
	DefaultRequestTimeout = 12 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultCloneTTL       = 24 * time.Hour
)

// Policy bundles the durations that govern one call's hold phase.
type Policy struct {
	// Deadline is the hard upper bound on how long a call may stay in the
	// cloning state, measured from the call's start.
	Deadline time.Duration

	// RequestTimeout bounds a single provider request.
	RequestTimeout time.Duration

	// PollInterval is how long the protocol adapter waits between status polls.
	PollInterval time.Duration

	// CloneTTL is how long a freshly created clone may be reused.
	CloneTTL time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Deadline:       DefaultDeadline,
		RequestTimeout: DefaultRequestTimeout,
		PollInterval:   DefaultPollInterval,
		CloneTTL:       DefaultCloneTTL,
	}
}

// WithDefaults returns p with every zero field replaced by its default.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.Deadline <= 0 {
		p.Deadline = d.Deadline
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = d.RequestTimeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.CloneTTL <= 0 {
		p.CloneTTL = d.CloneTTL
	}
	return p
}

// Validate reports an error when the durations are not coherent.
func (p Policy) Validate() error {
	switch {
	case p.Deadline <= 0:
		return fmt.Errorf("clock: deadline must be positive, got %s", p.Deadline)
	case p.RequestTimeout <= 0:
		return fmt.Errorf("clock: request timeout must be positive, got %s", p.RequestTimeout)
	case p.RequestTimeout >= p.Deadline:
		return fmt.Errorf("clock: request timeout %s must be shorter than the deadline %s", p.RequestTimeout, p.Deadline)
	case p.PollInterval <= 0:
		return fmt.Errorf("clock: poll interval must be positive, got %s", p.PollInterval)
	case p.CloneTTL <= 0:
		return fmt.Errorf("clock: clone ttl must be positive, got %s", p.CloneTTL)
	}
	return nil
}

// DeadlineFor returns the instant after which a call started at startedAt
// counts as timed out.
func (p Policy) DeadlineFor(startedAt time.Time) time.Time {
	return startedAt.Add(p.Deadline)
}

// Expired reports whether a call started at startedAt has passed its deadline
// at now.
func (p Policy) Expired(startedAt, now time.Time) bool {
	return !now.Before(p.DeadlineFor(startedAt))
}

// Remaining returns the time left before the deadline, never negative.
func (p Policy) Remaining(startedAt, now time.Time) time.Duration {
	if r := p.DeadlineFor(startedAt).Sub(now); r > 0 {
		return r
	}
	return 0
}
