package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryLimiter(clock *fakeClock) *Limiter {
	return NewLimiter(NewMemoryStore(DefaultMaxKeys), WithClock(clock.Now))
}

func TestTryConsume_CapacityThenRefill(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	limiter := newMemoryLimiter(clock)

	for i := 0; i < 5; i++ {
		require.True(t, limiter.TryConsume(ctx, "auth:1.2.3.4", 5, 15*time.Minute), "attempt %d", i+1)
	}
	assert.False(t, limiter.TryConsume(ctx, "auth:1.2.3.4", 5, 15*time.Minute))

	clock.Advance(15*time.Minute - time.Second)
	assert.False(t, limiter.TryConsume(ctx, "auth:1.2.3.4", 5, 15*time.Minute))

	clock.Advance(time.Second)
	for i := 0; i < 5; i++ {
		require.True(t, limiter.TryConsume(ctx, "auth:1.2.3.4", 5, 15*time.Minute), "after refill %d", i+1)
	}
	assert.False(t, limiter.TryConsume(ctx, "auth:1.2.3.4", 5, 15*time.Minute))
}

func TestTake_RetryAfterPointsAtNextBoundary(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	limiter := newMemoryLimiter(clock)

	_, err := limiter.Take(ctx, "k", 1, time.Minute)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	decision, err := limiter.Take(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)
	assert.Equal(t, 40*time.Second, decision.RetryAfter)
}

func TestTake_RefillAlignsToWindowBoundary(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	limiter := newMemoryLimiter(clock)

	require.True(t, limiter.TryConsume(ctx, "k", 1, time.Minute))

	// Two and a half windows later the boundary is at +2m, so the next refill is
	// 30s away rather than a full window.
	clock.Advance(150 * time.Second)
	require.True(t, limiter.TryConsume(ctx, "k", 1, time.Minute))

	decision, err := limiter.Take(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 30*time.Second, decision.RetryAfter)
}

func TestTake_RejectionHasNoSideEffect(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	limiter := newMemoryLimiter(clock)

	require.True(t, limiter.TryConsume(ctx, "k", 1, time.Minute))
	for i := 0; i < 10; i++ {
		assert.False(t, limiter.TryConsume(ctx, "k", 1, time.Minute))
	}

	clock.Advance(time.Minute)
	decision, err := limiter.Take(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestReset_RestoresFullCapacity(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	limiter := newMemoryLimiter(clock)

	for i := 0; i < 5; i++ {
		limiter.TryConsume(ctx, AuthPolicy.Key("9.9.9.9"), 5, 15*time.Minute)
	}
	require.False(t, limiter.TryConsume(ctx, AuthPolicy.Key("9.9.9.9"), 5, 15*time.Minute))

	require.NoError(t, limiter.Reset(ctx, AuthPolicy.Key("9.9.9.9")))
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.TryConsume(ctx, AuthPolicy.Key("9.9.9.9"), 5, 15*time.Minute))
	}
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := newMemoryLimiter(newClock())

	require.True(t, limiter.TryConsume(ctx, AuthPolicy.Key("a"), 1, time.Minute))
	assert.False(t, limiter.TryConsume(ctx, AuthPolicy.Key("a"), 1, time.Minute))
	assert.True(t, limiter.TryConsume(ctx, AuthPolicy.Key("b"), 1, time.Minute))
	assert.True(t, limiter.TryConsume(ctx, APIPolicy.Key("a"), 1, time.Minute))
}

func TestSeparateLimitersDoNotShareState(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	first := newMemoryLimiter(clock)
	second := newMemoryLimiter(clock)

	require.True(t, first.TryConsume(ctx, "k", 1, time.Minute))
	assert.False(t, first.TryConsume(ctx, "k", 1, time.Minute))
	assert.True(t, second.TryConsume(ctx, "k", 1, time.Minute))
}

func TestTake_InvalidPolicy(t *testing.T) {
	limiter := newMemoryLimiter(newClock())

	_, err := limiter.Take(context.Background(), "k", 0, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	_, err = limiter.Take(context.Background(), "k", 1, 0)
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	assert.Error(t, Policy{Scope: "x"}.Validate())
	assert.NoError(t, AuthPolicy.Validate())
	assert.NoError(t, APIPolicy.Validate())
}

type brokenStore struct{}

func (brokenStore) Take(context.Context, string, int, time.Duration, time.Time) (Decision, error) {
	return Decision{}, ErrStoreUnavailable
}

func (brokenStore) Reset(context.Context, string) error { return errors.New("down") }

func TestTryConsume_StoreFailureRejects(t *testing.T) {
	limiter := NewLimiter(brokenStore{})

	assert.False(t, limiter.TryConsume(context.Background(), "k", 5, time.Minute))
	_, err := limiter.Take(context.Background(), "k", 5, time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Error(t, limiter.Reset(context.Background(), "k"))
}

func TestTryConsume_ConcurrentNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	limiter := newMemoryLimiter(newClock())

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if limiter.TryConsume(ctx, "shared", 100, time.Minute) {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 100, allowed.Load())
}

func TestPolicyKey(t *testing.T) {
	assert.Equal(t, "auth:10.0.0.1", AuthPolicy.Key("10.0.0.1"))
	assert.Equal(t, "api:10.0.0.1", APIPolicy.Key("10.0.0.1"))
	assert.Equal(t, fmt.Sprintf("%s:%s", "custom", "x"), Policy{Scope: "custom"}.Key("x"))
}
