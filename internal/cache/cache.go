// Package cache implements the bounded decision cache described in
// spec.md section 4.3: an LRU keyed on the full request fingerprint,
// amortising pattern evaluation across retried identical requests.
package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Key is the request fingerprint: the transport-encoded 6-tuple
// (ip, method, header, user_agent, path, body).
type Key struct {
	IP        string
	Method    string
	Header    string
	UserAgent string
	Path      string
	Body      string
}

// Decision is the cached verdict value.
type Decision struct {
	Action      string
	Reason      string
	Module      string
	MatchedRule string
}

// Cache wraps a hashicorp/golang-lru Cache with hit/miss counters; the
// underlying library exposes neither, so Cache tracks them itself with
// atomic counters (see DESIGN.md).
type Cache struct {
	maxSize int
	lru     *lru.Cache[Key, Decision]
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a Cache with the given capacity (spec.md default: 32).
func New(maxSize int) (*Cache, error) {
	l, err := lru.New[Key, Decision](maxSize)
	if err != nil {
		return nil, err
	}
	return &Cache{maxSize: maxSize, lru: l}, nil
}

// Get returns the cached decision for key, if present.
func (c *Cache) Get(key Key) (Decision, bool) {
	d, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return d, ok
}

// Put inserts or updates the decision for key, evicting the least
// recently used entry if the cache is at capacity.
func (c *Cache) Put(key Key, decision Decision) {
	c.lru.Add(key, decision)
}

// Clear flushes every cached entry and resets hit/miss counters,
// implementing the manual cache/clear admin operation.
func (c *Cache) Clear() {
	c.lru.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats is the externally observable snapshot for GET /cache/stats.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Size    int   `json:"size"`
	MaxSize int   `json:"maxsize"`
}

// Stats returns the current hit/miss/size counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
	}
}
