// Package dedupe suppresses duplicate frames. The cache maps message
// fingerprints to arrival timestamps, bounded by an LRU cap and aged out
// by a TTL window. Retransmissions inside the window are dropped;
// anything older has fallen out of the reliable-send lifecycle anyway.
package dedupe

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Cache is safe for concurrent use.
type Cache struct {
	ttl time.Duration

	mu   sync.Mutex
	seen *simplelru.LRU[string, time.Time]
}

// New builds a cache holding at most cap fingerprints for at most ttl.
func New(cap int, ttl time.Duration) (*Cache, error) {
	seen, err := simplelru.NewLRU[string, time.Time](cap, nil)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}
	return &Cache{ttl: ttl, seen: seen}, nil
}

// Observe records the fingerprint (sender, id) and reports whether it is
// new. A second arrival within the TTL window returns false; after the
// window the fingerprint counts as new again.
func (c *Cache) Observe(sender, id string, now time.Time) bool {
	fp := sender + "\x00" + id
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.seen.Get(fp); ok && now.Sub(ts) <= c.ttl {
		return false
	}
	c.seen.Add(fp, now)
	return true
}

// Len returns the number of tracked fingerprints, including ones past
// their TTL that have not been evicted yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen.Len()
}
