// ABOUTME: Tests for the identity cache and the caching verifier.
// ABOUTME: Validates expiry, LRU eviction, cleanup, concurrency and that failures are never cached.

package identity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/arith-gateway/internal/observability"
)

// fakeClock is a manually advanced clock for cache tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, size int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewCache(size)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_GetMissing(t *testing.T) {
	c, _ := newTestCache(t, 10)
	_, ok := c.Get("never-seen")
	assert.False(t, ok)
}

func TestCache_PutAndExpire(t *testing.T) {
	c, clock := newTestCache(t, 10)
	id := &Identity{Subject: "user-1"}

	c.Put("k", id, clock.Now().Add(time.Minute))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Same(t, id, got)

	clock.Advance(time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be removed on read")
}

func TestCache_PutAlreadyExpiredIsIgnored(t *testing.T) {
	c, clock := newTestCache(t, 10)
	c.Put("k", &Identity{}, clock.Now().Add(-time.Second))
	assert.Equal(t, 0, c.Len())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, clock := newTestCache(t, 2)
	exp := clock.Now().Add(time.Hour)

	c.Put("a", &Identity{Subject: "a"}, exp)
	c.Put("b", &Identity{Subject: "b"}, exp)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", &Identity{Subject: "c"}, exp)

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCache_RunCleanup(t *testing.T) {
	c, clock := newTestCache(t, 10)
	c.Put("short", &Identity{}, clock.Now().Add(time.Second))
	c.Put("long", &Identity{}, clock.Now().Add(time.Hour))

	clock.Advance(time.Minute)
	c.runCleanup()

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("long")
	assert.True(t, ok)
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := NewCache(1)
	assert.NotPanics(t, func() {
		c.Close()
		c.Close()
	})
}

func TestCache_Concurrency(t *testing.T) {
	c, clock := newTestCache(t, 50)
	exp := clock.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d-%d", n, j%10)
				c.Put(key, &Identity{Subject: key}, exp)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}

func TestCachingVerifier(t *testing.T) {
	c, clock := newTestCache(t, 10)
	metrics := observability.NewMetrics("test")

	var calls atomic.Int32
	next := VerifierFunc(func(ctx context.Context, token string) (*Identity, error) {
		calls.Add(1)
		switch token {
		case "good":
			return &Identity{Subject: "user-1", ExpiresAt: clock.Now().Add(time.Hour)}, nil
		case "short-lived":
			return &Identity{Subject: "user-2", ExpiresAt: clock.Now().Add(10 * time.Second)}, nil
		default:
			return nil, newVerificationError(ErrInvalidSignature, nil)
		}
	})
	v := NewCachingVerifier(next, c, time.Minute, metrics)
	ctx := context.Background()

	t.Run("success is cached", func(t *testing.T) {
		calls.Store(0)
		for i := 0; i < 3; i++ {
			id, err := v.Verify(ctx, "good")
			require.NoError(t, err)
			assert.Equal(t, "user-1", id.Subject)
		}
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("failure is not cached", func(t *testing.T) {
		calls.Store(0)
		for i := 0; i < 2; i++ {
			_, err := v.Verify(ctx, "bad")
			assert.ErrorIs(t, err, ErrInvalidSignature)
		}
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("entry ends at token expiry", func(t *testing.T) {
		calls.Store(0)
		_, err := v.Verify(ctx, "short-lived")
		require.NoError(t, err)
		clock.Advance(11 * time.Second)
		_, err = v.Verify(ctx, "short-lived")
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("entry ends at ttl", func(t *testing.T) {
		calls.Store(0)
		_, err := v.Verify(ctx, "good")
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)
		_, err = v.Verify(ctx, "good")
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := v.Verify(ctx, "")
		assert.ErrorIs(t, err, ErrMissingToken)
	})
}
