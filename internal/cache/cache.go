// Package cache implements the tiered cache of spec.md §4.8: a memory
// LRU tier fronting an optional Redis remote tier, fingerprinted per
// vary-dimension, with negative caching for 404/403 origin responses
// (SPEC_FULL.md §6.3) and the coalescing contract from internal/cache/coalesce.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yatagarasu/yatagarasu/internal/cache/coalesce"
	"github.com/yatagarasu/yatagarasu/internal/cache/lru"
	"github.com/yatagarasu/yatagarasu/internal/cache/remote"
)

// Decision is the outcome of a cache lookup.
type Decision string

const (
	Hit    Decision = "hit"
	Miss   Decision = "miss"
	Bypass Decision = "bypass"
)

// VaryDimensions are the request attributes the fingerprint incorporates
// (spec.md §3: Accept-Encoding, and Accept for image auto-format).
type VaryDimensions struct {
	AcceptEncoding string
	Accept         string
}

// Fingerprint computes H(bucket ∥ key ∥ vary) as a hex digest.
func Fingerprint(bucket, key string, vary VaryDimensions) string {
	h := sha256.New()
	io.WriteString(h, bucket)
	h.Write([]byte{0})
	io.WriteString(h, key)
	h.Write([]byte{0})
	io.WriteString(h, vary.AcceptEncoding)
	h.Write([]byte{0})
	io.WriteString(h, vary.Accept)
	return hex.EncodeToString(h.Sum(nil))
}

var cacheableStatuses = map[int]bool{
	http.StatusOK:             true,
	http.StatusPartialContent: true,
	http.StatusNotModified:    true,
}

// negativeCacheableStatuses are cached under negative_ttl regardless of
// the response's own TTL (SPEC_FULL.md §6.3).
var negativeCacheableStatuses = map[int]bool{
	http.StatusNotFound:   true,
	http.StatusForbidden:  true,
}

// Cacheable reports whether a response may be stored at all, per
// spec.md §3 invariant (d): status in {200, 206-single-range, 304} and
// no no-store directive; or a negative-cacheable 404/403.
func Cacheable(status int, cacheControl string) bool {
	if strings.Contains(cacheControl, "no-store") {
		return false
	}
	return cacheableStatuses[status] || negativeCacheableStatuses[status]
}

// Config configures one bucket's cache.
type Config struct {
	Enabled            bool
	MaxCacheSizeBytes  int64
	MaxItemSizeBytes   int64
	DefaultTTL         time.Duration
	NegativeTTL        time.Duration
	RangeCacheEnabled  bool
	CoalescingStrategy coalesce.Strategy
	StreamingBufferCap int64
}

// Cache is one bucket's tiered cache: memory LRU + optional Redis
// remote tier, plus its coalescing table.
type Cache struct {
	cfg     Config
	memory  *lru.Cache
	remote  *remote.Tier // nil when no remote tier is configured
	groups  *coalesce.Table
}

func New(cfg Config, remoteTier *remote.Tier) *Cache {
	strategy := cfg.CoalescingStrategy
	if strategy == "" {
		strategy = coalesce.WaitForComplete
	}
	return &Cache{
		cfg:    cfg,
		memory: lru.New(cfg.MaxCacheSizeBytes, cfg.MaxItemSizeBytes),
		remote: remoteTier,
		groups: coalesce.NewTable(strategy, cfg.StreamingBufferCap),
	}
}

// Lookup implements the lookup(fingerprint) operation of spec.md §4.8.
func (c *Cache) Lookup(ctx context.Context, fingerprint string, hasNonTrivialRange bool) (Decision, lru.Entry) {
	if !c.cfg.Enabled {
		return Bypass, lru.Entry{}
	}
	if hasNonTrivialRange && !c.cfg.RangeCacheEnabled {
		return Bypass, lru.Entry{}
	}

	if e, found := c.memory.Get(fingerprint); found {
		return Hit, e
	}

	if c.remote != nil {
		if data, found, err := c.remote.Get(ctx, fingerprint); err == nil && found {
			e, ok := decodeEntry(fingerprint, data)
			if ok && e.StoredAt.Add(e.TTL).After(time.Now()) {
				c.memory.Set(e) // promote
				return Hit, e
			}
		}
	}

	return Miss, lru.Entry{}
}

// Store implements the store(fingerprint, response) operation,
// conditional on Cacheable. status determines whether DefaultTTL or
// NegativeTTL governs the entry's lifetime.
func (c *Cache) Store(ctx context.Context, fingerprint string, status int, headers map[string][]string, body []byte) {
	if !c.cfg.Enabled {
		return
	}
	cacheControl := strings.Join(headers["Cache-Control"], ",")
	if !Cacheable(status, cacheControl) {
		return
	}

	ttl := c.cfg.DefaultTTL
	if negativeCacheableStatuses[status] {
		ttl = c.cfg.NegativeTTL
	}

	entry := lru.Entry{
		Fingerprint: fingerprint,
		Status:      status,
		Headers:     headers,
		Body:        body,
		StoredAt:    time.Now(),
		TTL:         ttl,
		Size:        int64(len(body)),
	}

	if !c.memory.Set(entry) {
		return // over the max item size: stored in neither tier
	}

	if c.remote != nil {
		if data, ok := encodeEntry(entry); ok {
			c.remote.Set(ctx, fingerprint, data, ttl)
		}
	}
}

// Coalesce implements coalesce(fingerprint, origin_fn): at most one
// origin_fn invocation is in flight per fingerprint.
func (c *Cache) Coalesce(ctx context.Context, fingerprint string, originFn coalesce.OriginFunc) coalesce.Result {
	return c.groups.Do(ctx, fingerprint, originFn)
}

// Purge evicts fingerprint (or every fingerprint under prefix, if
// prefix is non-empty) from both tiers, for the admin cache-purge
// endpoint (SPEC_FULL.md §6.3).
func (c *Cache) Purge(ctx context.Context, fingerprint, prefix string) int {
	var n int
	if prefix != "" {
		n = c.memory.DeletePrefix(prefix)
		if c.remote != nil {
			c.remote.DeletePrefix(ctx, prefix)
		}
		return n
	}
	c.memory.Delete(fingerprint)
	if c.remote != nil {
		c.remote.Delete(ctx, fingerprint)
	}
	return 1
}

// Stats exposes memory-tier occupancy for /admin/cache/stats.
func (c *Cache) Stats() lru.Stats {
	return c.memory.Stats()
}

// wireEntry is the JSON shape an Entry takes across the remote tier.
type wireEntry struct {
	Status   int                 `json:"status"`
	Headers  map[string][]string `json:"headers,omitempty"`
	Body     []byte              `json:"body"`
	StoredAt time.Time           `json:"stored_at"`
	TTLNanos int64               `json:"ttl_nanos"`
}

func encodeEntry(e lru.Entry) ([]byte, bool) {
	data, err := json.Marshal(wireEntry{
		Status:   e.Status,
		Headers:  e.Headers,
		Body:     e.Body,
		StoredAt: e.StoredAt,
		TTLNanos: int64(e.TTL),
	})
	if err != nil {
		return nil, false
	}
	return data, true
}

func decodeEntry(fingerprint string, data []byte) (lru.Entry, bool) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return lru.Entry{}, false
	}
	return lru.Entry{
		Fingerprint: fingerprint,
		Status:      w.Status,
		Headers:     w.Headers,
		Body:        w.Body,
		StoredAt:    w.StoredAt,
		TTL:         time.Duration(w.TTLNanos),
		Size:        int64(len(w.Body)),
	}, true
}
