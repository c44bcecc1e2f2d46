// Package lru is the memory tier of the cache hierarchy (spec.md §3's
// cache entry invariants (a)/(b)): a byte-bounded LRU keyed by
// fingerprint that also reports its entry count. It follows the same container/list LRU
// idiom as internal/ratelimit rather than pulling in a third-party LRU
// library, since the eviction policy here also has to track resident
// byte totals, which off-the-shelf count-bounded LRUs don't expose.
package lru

import (
	"container/list"
	"sync"
	"time"
)

// Entry is one cached response, as defined by spec.md §3.
type Entry struct {
	Fingerprint string
	Status      int
	Headers     map[string][]string
	Body        []byte
	StoredAt    time.Time
	TTL         time.Duration
	Size        int64
}

func (e Entry) expired(now time.Time) bool {
	return !e.StoredAt.Add(e.TTL).After(now)
}

type node struct {
	entry Entry
}

// Cache is a byte-bounded LRU; its entry count is tracked but not capped.
type Cache struct {
	mu           sync.Mutex
	maxBytes     int64
	maxItemBytes int64
	usedBytes    int64

	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

func New(maxBytes, maxItemBytes int64) *Cache {
	return &Cache{
		maxBytes:     maxBytes,
		maxItemBytes: maxItemBytes,
		entries:      make(map[string]*list.Element),
		order:        list.New(),
	}
}

// Get returns the entry for fingerprint if present and unexpired.
func (c *Cache) Get(fingerprint string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		return Entry{}, false
	}
	n := el.Value.(*node)
	if n.entry.expired(time.Now()) {
		c.removeElement(el)
		return Entry{}, false
	}
	c.order.MoveToFront(el)
	return n.entry, true
}

// Set installs or replaces entry, evicting LRU entries as needed to
// respect maxBytes. Returns false without storing if entry.Size exceeds
// maxItemBytes (invariant (a)).
func (c *Cache) Set(entry Entry) bool {
	if c.maxItemBytes > 0 && entry.Size > c.maxItemBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[entry.Fingerprint]; ok {
		old := el.Value.(*node).entry
		c.usedBytes -= old.Size
		el.Value.(*node).entry = entry
		c.usedBytes += entry.Size
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&node{entry: entry})
		c.entries[entry.Fingerprint] = el
		c.usedBytes += entry.Size
	}

	c.evictToFit()
	return true
}

// Delete removes fingerprint from the cache, if present.
func (c *Cache) Delete(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[fingerprint]; ok {
		c.removeElement(el)
	}
}

// DeletePrefix removes every entry whose fingerprint starts with prefix
// (used by the admin cache-purge endpoint). Fingerprints are hex SHA-256
// digests, so the prefix matches digest characters; it does not select
// entries by bucket name or object-key prefix.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*list.Element
	for el := c.order.Front(); el != nil; el = el.Next() {
		n := el.Value.(*node)
		if len(n.entry.Fingerprint) >= len(prefix) && n.entry.Fingerprint[:len(prefix)] == prefix {
			victims = append(victims, el)
		}
	}
	for _, el := range victims {
		c.removeElement(el)
	}
	return len(victims)
}

func (c *Cache) evictToFit() {
	if c.maxBytes <= 0 {
		return
	}
	for c.usedBytes > c.maxBytes {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	n := el.Value.(*node)
	c.usedBytes -= n.entry.Size
	c.order.Remove(el)
	delete(c.entries, n.entry.Fingerprint)
}

// Stats reports current occupancy, for the admin /admin/cache/stats
// endpoint and for CacheHitRatio-adjacent introspection.
type Stats struct {
	Entries   int
	UsedBytes int64
	MaxBytes  int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.order.Len(), UsedBytes: c.usedBytes, MaxBytes: c.maxBytes}
}
