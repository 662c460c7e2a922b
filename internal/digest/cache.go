package digest

import (
	"os"
	"sync"
	"time"
)

type cacheKey struct {
	path    string
	modTime int64
}

type cacheEntry struct {
	digest   string
	storedAt time.Time
}

// Cache memoizes file digests keyed by (path, modification time) so repeated
// hashing of the same on-disk artifact within a short window is avoided. It
// is bounded and evicts the oldest entries once full; entries also expire
// after the configured TTL. Purely a performance optimization.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
	limit   int
	ttl     time.Duration
	now     func() time.Time
}

const (
	defaultCacheLimit = 256
	defaultCacheTTL   = 5 * time.Minute
)

// NewCache creates a digest cache holding at most limit entries for at most
// ttl each. Non-positive arguments fall back to defaults.
func NewCache(limit int, ttl time.Duration) *Cache {
	if limit <= 0 {
		limit = defaultCacheLimit
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		entries: make(map[cacheKey]cacheEntry),
		limit:   limit,
		ttl:     ttl,
		now:     time.Now,
	}
}

// FileDigest returns the digest of the file at path, consulting the cache
// first. A changed modification time invalidates the memoized value.
func (c *Cache) FileDigest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := cacheKey{path: path, modTime: info.ModTime().UnixNano()}

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		if c.now().Sub(entry.storedAt) < c.ttl {
			c.mu.Unlock()
			return entry.digest, nil
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	computed, err := File(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.evictLocked()
	c.entries[key] = cacheEntry{digest: computed, storedAt: c.now()}
	c.mu.Unlock()
	return computed, nil
}

// Len reports the current number of memoized entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops expired entries, then the oldest remaining entries until
// one slot is free.
func (c *Cache) evictLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
	for len(c.entries) >= c.limit {
		var oldestKey cacheKey
		var oldest time.Time
		first := true
		for key, entry := range c.entries {
			if first || entry.storedAt.Before(oldest) {
				oldestKey = key
				oldest = entry.storedAt
				first = false
			}
		}
		delete(c.entries, oldestKey)
	}
}
