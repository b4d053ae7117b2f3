// ABOUTME: Thread-safe expiring LRU cache of verified identities and the caching Verifier built on it.
// ABOUTME: Keys are SHA-256 digests of the token; only successful verifications are stored.

package identity

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/2389/arith-gateway/internal/observability"
)

// cacheEntry stores the identity, its expiry and the list element for a cached key.
type cacheEntry struct {
	identity  *Identity
	expiresAt time.Time
	element   *list.Element
}

// Cache is a size-limited identity cache with per-entry expiry.
// The least recently used entry is evicted when the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys, least recently used at front
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewCache creates a cache holding at most maxSize identities.
// A background goroutine periodically drops expired entries until Close.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the identity stored under key if it has not expired.
func (c *Cache) Get(key string) (*Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.removeLocked(key, entry)
		return nil, false
	}
	c.order.MoveToBack(entry.element)
	return entry.identity, true
}

// Put stores id under key until expiresAt. Entries that are already expired are ignored.
func (c *Cache) Put(key string, id *Identity, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.now().Before(expiresAt) {
		return
	}

	if entry, exists := c.entries[key]; exists {
		entry.identity = id
		entry.expiresAt = expiresAt
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		identity:  id,
		expiresAt: expiresAt,
		element:   elem,
	}
}

// Len returns the number of entries, including expired ones not yet cleaned up.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the least recently used entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			c.removeLocked(key, entry)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// CachingVerifier serves repeat tokens from a Cache and delegates the rest.
type CachingVerifier struct {
	next    Verifier
	cache   *Cache
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewCachingVerifier wraps next. Successful results are kept for ttl, or until
// the token expires if that is sooner.
func NewCachingVerifier(next Verifier, cache *Cache, ttl time.Duration, metrics *observability.Metrics) *CachingVerifier {
	return &CachingVerifier{
		next:    next,
		cache:   cache,
		ttl:     ttl,
		metrics: metrics,
	}
}

// Verify implements Verifier.
func (v *CachingVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, newVerificationError(ErrMissingToken, nil)
	}

	key := tokenKey(token)
	if id, ok := v.cache.Get(key); ok {
		v.metrics.RecordCacheLookup(true)
		return id, nil
	}
	v.metrics.RecordCacheLookup(false)

	id, err := v.next.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	expiresAt := v.cache.now().Add(v.ttl)
	if !id.ExpiresAt.IsZero() && id.ExpiresAt.Before(expiresAt) {
		expiresAt = id.ExpiresAt
	}
	v.cache.Put(key, id, expiresAt)
	return id, nil
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
