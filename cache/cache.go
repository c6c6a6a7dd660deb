package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/use-agent/proofshot/locate"
	"github.com/use-agent/proofshot/models"
)

// entry holds a cached record with its creation timestamp.
type entry struct {
	record    *models.EvidenceRecord
	createdAt time.Time
}

// Cache is a simple in-memory cache of captured evidence.
// It is safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	store      map[string]*entry
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// New creates a new Cache with the given maximum number of entries.
// Entries older than ttl are never served; a background goroutine evicts
// them every 5 minutes until stop is closed.
func New(maxEntries int, ttl time.Duration, stop <-chan struct{}) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Cache{
		store:      make(map[string]*entry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}

	go c.cleanupLoop(stop)
	return c
}

// Key generates a cache key from the URL and the normalized target text, so
// fragments that differ only in case, punctuation or spacing share a key.
func Key(url, targetText string) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte("|"))
	h.Write([]byte(locate.Normalize(targetText)))
	return hex.EncodeToString(h.Sum(nil))
}

// Get retrieves a cached record if it exists and is younger than maxAge
// (and the cache TTL). If maxAge <= 0, no cache lookup is performed.
func (c *Cache) Get(key string, maxAge time.Duration) (*models.EvidenceRecord, bool) {
	if maxAge <= 0 {
		return nil, false
	}

	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	age := c.now().Sub(e.createdAt)
	if age > maxAge || age > c.ttl {
		return nil, false
	}

	return e.record, true
}

// Set stores a captured record. Failed records are not cached. If the cache
// is at capacity, a random entry is evicted to make room.
func (c *Cache) Set(key string, rec *models.EvidenceRecord) {
	if rec == nil || rec.Status != models.StatusCaptured || c.maxEntries <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict one random entry if at capacity (map iteration is random in Go).
	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxEntries {
		for k := range c.store {
			delete(c.store, k)
			break
		}
	}

	c.store[key] = &entry{
		record:    rec,
		createdAt: c.now(),
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// cleanupLoop evicts expired entries every 5 minutes.
func (c *Cache) cleanupLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	for k, e := range c.store {
		if e.createdAt.Before(cutoff) {
			delete(c.store, k)
		}
	}
	c.mu.Unlock()
}
