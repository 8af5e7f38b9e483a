package userstore

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// CacheTTL configures identity cache expiry in milliseconds.
// 0 disables caching entirely, -1 caches without expiry, any positive value
// is a time-to-live applied per entry.
const (
	CacheDisabled    = 0
	CacheNeverExpire = -1
)

// cacheEntry is a username to DN mapping with its insertion time.
type cacheEntry struct {
	username string
	dn       string
	storedAt time.Time
}

// IdentityCache is a bounded username-to-DN cache shared by all operations of
// one store instance. It is safe for concurrent use; DN resolution is
// idempotent, so last-writer-wins on population races is acceptable.
//
// Every write path that can change a username, a DN, or a role membership
// must go through InvalidateOnRename or InvalidateOnAttributeChange rather
// than deleting entries ad hoc.
type IdentityCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration
	enabled    bool
	expires    bool
	logger     *slog.Logger
	now        func() time.Time

	hits   int64
	misses int64
}

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// NewIdentityCache creates a cache holding at most maxEntries mappings.
// ttlMillis follows the CacheDisabled / CacheNeverExpire / TTL convention.
func NewIdentityCache(maxEntries int, ttlMillis int64, logger *slog.Logger) *IdentityCache {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = defaultUserDNCacheSize
	}

	return &IdentityCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        time.Duration(ttlMillis) * time.Millisecond,
		enabled:    ttlMillis != CacheDisabled,
		expires:    ttlMillis > 0,
		logger:     logger,
		now:        time.Now,
	}
}

// Get returns the cached DN for a username. Expired entries are removed on
// access and reported as a miss.
func (c *IdentityCache) Get(username string) (string, bool) {
	if !c.enabled {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[username]
	if !ok {
		c.misses++
		return "", false
	}

	entry := el.Value.(*cacheEntry)
	if c.expires && c.now().Sub(entry.storedAt) > c.ttl {
		c.removeLocked(username, el)
		c.misses++
		return "", false
	}

	c.order.MoveToFront(el)
	c.hits++
	return entry.dn, true
}

// Put stores a username-to-DN mapping, evicting the least recently used
// entry when the cache is full.
func (c *IdentityCache) Put(username, dn string) {
	if !c.enabled || username == "" || dn == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[username]; ok {
		entry := el.Value.(*cacheEntry)
		entry.dn = dn
		entry.storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*cacheEntry)
		c.removeLocked(evicted.username, oldest)
		c.logger.Debug("identity_cache_evicted",
			slog.String("username", evicted.username))
	}

	el := c.order.PushFront(&cacheEntry{username: username, dn: dn, storedAt: c.now()})
	c.entries[username] = el
}

// Invalidate removes the cached DN for a username. Invalidating an absent
// entry is a no-op, so repeated calls are idempotent.
func (c *IdentityCache) Invalidate(username string) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[username]; ok {
		c.removeLocked(username, el)
	}
}

// InvalidateOnRename drops the mapping after an entry rename. A rename
// changes the DN and invalidates any role membership derived from it, so the
// entry must never survive the operation.
func (c *IdentityCache) InvalidateOnRename(username string) {
	c.Invalidate(username)
	c.logger.Debug("identity_cache_invalidated_on_rename",
		slog.String("username", username))
}

// InvalidateOnAttributeChange drops the mapping when a username-bearing
// attribute is modified.
func (c *IdentityCache) InvalidateOnAttributeChange(username string) {
	c.Invalidate(username)
}

// Clear removes all cached mappings.
func (c *IdentityCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Stats returns a snapshot of the cache counters.
func (c *IdentityCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

func (c *IdentityCache) removeLocked(username string, el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, username)
}
