// Package ratelimit implements per-key token-bucket admission control.
//
// Buckets refill on interval boundaries: once a whole window has passed since
// the last refill the bucket jumps straight back to capacity, regardless of how
// many tokens were left.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
	ErrInvalidPolicy    = errors.New("rate limit policy requires positive capacity and window")
)

type Policy struct {
	Scope    string
	Capacity int
	Window   time.Duration
}

var (
	AuthPolicy = Policy{Scope: "auth", Capacity: 5, Window: 15 * time.Minute}
	APIPolicy  = Policy{Scope: "api", Capacity: 100, Window: time.Minute}
)

func (p Policy) Key(identifier string) string {
	return p.Scope + ":" + identifier
}

func (p Policy) Validate() error {
	if p.Capacity <= 0 || p.Window <= 0 {
		return fmt.Errorf("%s policy: %w", p.Scope, ErrInvalidPolicy)
	}
	return nil
}

type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time until the next refill boundary; zero when allowed.
	RetryAfter time.Duration
}

// Store holds bucket state. Take must apply refill-then-consume for one key as
// a single atomic step.
type Store interface {
	Take(ctx context.Context, key string, capacity int, window time.Duration, now time.Time) (Decision, error)
	Reset(ctx context.Context, key string) error
}

type Limiter struct {
	store Store
	now   func() time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Take(ctx context.Context, key string, capacity int, window time.Duration) (Decision, error) {
	if capacity <= 0 || window <= 0 {
		return Decision{}, ErrInvalidPolicy
	}

	decision, err := l.store.Take(ctx, key, capacity, window, l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("take %s: %w", key, err)
	}
	if decision.Allowed {
		decision.RetryAfter = 0
	} else if decision.RetryAfter <= 0 {
		decision.RetryAfter = time.Second
	}
	return decision, nil
}

// TryConsume reports whether one token was taken. A store failure counts as a
// rejection.
func (l *Limiter) TryConsume(ctx context.Context, key string, capacity int, window time.Duration) bool {
	decision, err := l.Take(ctx, key, capacity, window)
	return err == nil && decision.Allowed
}

func (l *Limiter) Allow(ctx context.Context, policy Policy, identifier string) (Decision, error) {
	return l.Take(ctx, policy.Key(identifier), policy.Capacity, policy.Window)
}

// Reset restores the key's bucket to full capacity.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Reset(ctx, key); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}
