package cache

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"
)

// CachedResponse represents a cached API reply
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// Cache keeps replies for a fixed time. A zero TTL keeps them forever.
type Cache struct {
	entries sync.Map
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache whose entries expire after ttl
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// GenerateCacheKey generates a cache key from a query, ignoring surrounding whitespace
func GenerateCacheKey(query string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(query)))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns a live entry for key
func (c *Cache) Get(key string) (string, bool) {
	val, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	cached := val.(CachedResponse)
	if c.ttl > 0 && c.now().Sub(cached.Timestamp) > c.ttl {
		c.entries.Delete(key)
		return "", false
	}
	return cached.Response, true
}

// Store saves a reply under key
func (c *Cache) Store(key, response string) {
	c.entries.Store(key, CachedResponse{
		Response:  response,
		Timestamp: c.now(),
	})
}
