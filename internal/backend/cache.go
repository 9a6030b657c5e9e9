package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/kalambet/parley/internal/ollama"
)

// Fingerprint returns the canonical cache key for a request: a hash over
// the model name and the full role-tagged message list. Two requests with
// the same fingerprint are interchangeable for caching purposes.
func Fingerprint(model string, messages []ollama.Message) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	enc := json.NewEncoder(h)
	for _, m := range messages {
		enc.Encode(m)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	reply     Reply
	expiresAt time.Time
}

// Cache holds recent backend replies keyed by request fingerprint so
// duplicate retries within the TTL are absorbed without a backend call.
// Writes are last-writer-wins; a racing Put simply replaces the entry.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	now func() time.Time
}

// NewCache creates a Cache with the given TTL. A zero or negative TTL
// returns a nil cache, which disables caching (all methods are nil-safe).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		return nil
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached reply for the fingerprint, if present and fresh.
func (c *Cache) Get(fp string) (Reply, bool) {
	if c == nil {
		return Reply{}, false
	}
	c.mu.RLock()
	e, ok := c.entries[fp]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return Reply{}, false
	}
	r := e.reply
	r.Cached = true
	return r, true
}

// Put stores a reply under the fingerprint and opportunistically drops
// expired entries.
func (c *Cache) Put(fp string, r Reply) {
	if c == nil {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[fp] = cacheEntry{reply: r, expiresAt: now.Add(c.ttl)}
}

// Len returns the number of entries currently held (including expired ones
// not yet pruned); used by stats.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
