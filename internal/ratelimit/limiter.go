package ratelimit

import (
	"context"
	"fmt"
	"time"

	"roomchat/pkg/clock"
)

// Default cooldown parameters: each charge consumes five seconds of budget and
// a client may run twenty seconds ahead of real time before being told to wait.
const (
	DefaultIncrement = 5 * time.Second
	DefaultBurst     = 20 * time.Second
)

// Store holds nextAllowedTime per client key
// ARCHITECTURAL DISCOVERY: Advance is the only mutation and must be a single
// indivisible read-modify-write so concurrent charges for one key serialize
type Store interface {
	// Advance sets next = max(now, next) + increment and returns the new value.
	// An increment of zero must not create or modify state.
	Advance(ctx context.Context, key string, now time.Time, increment time.Duration) (time.Time, error)
}

// Limiter is the rate limiter service. It implements interfaces.RateLimiter.
type Limiter struct {
	store     Store
	clock     clock.Clock
	increment time.Duration
	burst     time.Duration
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithIncrement sets the budget consumed per charge
func WithIncrement(d time.Duration) Option {
	return func(l *Limiter) { l.increment = d }
}

// WithBurst sets the budget a key may consume before cooldowns turn positive
func WithBurst(d time.Duration) Option {
	return func(l *Limiter) { l.burst = d }
}

// NewLimiter creates a limiter service over store
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:     store,
		clock:     clock.System{},
		increment: DefaultIncrement,
		burst:     DefaultBurst,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Charge consumes one increment for key and returns the resulting cooldown
func (l *Limiter) Charge(ctx context.Context, key string) (time.Duration, error) {
	return l.advance(ctx, key, l.increment)
}

// Peek returns the cooldown for key without consuming budget
func (l *Limiter) Peek(ctx context.Context, key string) (time.Duration, error) {
	return l.advance(ctx, key, 0)
}

func (l *Limiter) advance(ctx context.Context, key string, increment time.Duration) (time.Duration, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}

	now := l.clock.Now()
	next, err := l.store.Advance(ctx, key, now, increment)
	if err != nil {
		return 0, fmt.Errorf("advance %q: %w", key, err)
	}

	// cooldown = max(0, next - now - burst)
	cooldown := next.Sub(now) - l.burst
	if cooldown < 0 {
		cooldown = 0
	}
	return cooldown, nil
}
