package txmetrics

import (
	"strings"
	"sync"
	"time"

	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/metrics"
)

// DefaultCacheTTL is how long a resolved result is served from memory.
const DefaultCacheTTL = 5 * time.Minute

// CacheKey builds "chain:lowercased-address[:operation]".
func CacheKey(c chain.Chain, address, operation string) string {
	key := string(c) + ":" + strings.ToLower(strings.TrimSpace(address))
	if operation != "" {
		key += ":" + operation
	}
	return key
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Cache is an in-process TTL map. It is not shared across processes and is
// lost on restart.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a cache whose entries live for ttl. A nil now uses
// time.Now.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     now,
	}
}

// Get returns the live value for key. Expired entries are removed and
// reported as absent.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		metrics.ResolverCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		metrics.ResolverCacheTotal.WithLabelValues("expired").Inc()
		return nil, false
	}
	metrics.ResolverCacheTotal.WithLabelValues("hit").Inc()
	return e.value, true
}

// Set stores value under key for the cache TTL.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
