// Package ratelimit implements the per-(bucket,identity) token-bucket
// admission control of spec.md §4.2. Buckets are lazily created and
// evicted on LRU after an idle timeout — golang.org/x/time/rate's
// Limiter has no such eviction hook, so this hand-rolls the bucket math
// (a standard token-bucket refill, the same idiom x/time/rate uses
// internally) wrapped in a container/list LRU keyed by identity.
package ratelimit

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

type tokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = minFloat(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// take consumes one token if available; otherwise it reports the wait
// duration until one token will be available.
func (b *tokenBucket) take(now time.Time) (bool, time.Duration) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	deficit := 1 - b.tokens
	wait := time.Duration(deficit/b.refillRate*float64(time.Second)) + 1
	return false, wait
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Limiter is a per-bucket (in the cache/config sense, not the rate
// sense) set of per-identity token buckets with idle-LRU eviction.
type Limiter struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	idleTTL    time.Duration
	maxEntries int

	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type entry struct {
	key        string
	bucket     *tokenBucket
	lastAccess time.Time
}

func New(capacity int, refillPerSecond float64, idleTTL time.Duration) *Limiter {
	return &Limiter{
		capacity:   float64(capacity),
		refillRate: refillPerSecond,
		idleTTL:    idleTTL,
		maxEntries: 100_000,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Allow consumes one token for identity, returning (true, 0) on
// admission or (false, retryAfter) on exhaustion.
func (l *Limiter) Allow(identity string) (bool, time.Duration) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictIdle(now)

	el, ok := l.entries[identity]
	var e *entry
	if ok {
		e = el.Value.(*entry)
		l.order.MoveToFront(el)
	} else {
		e = &entry{
			key: identity,
			bucket: &tokenBucket{
				capacity:   l.capacity,
				tokens:     l.capacity,
				refillRate: l.refillRate,
				lastRefill: now,
			},
		}
		l.entries[identity] = l.order.PushFront(e)
		if l.order.Len() > l.maxEntries {
			l.evictOldest()
		}
	}
	e.lastAccess = now

	return e.bucket.take(now)
}

func (l *Limiter) evictIdle(now time.Time) {
	for {
		back := l.order.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		if now.Sub(e.lastAccess) < l.idleTTL {
			return
		}
		l.order.Remove(back)
		delete(l.entries, e.key)
	}
}

func (l *Limiter) evictOldest() {
	back := l.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	l.order.Remove(back)
	delete(l.entries, e.key)
}

// Len reports the number of tracked identities, mainly for tests.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// RetryAfterHeader renders d as the integer-seconds string the
// Retry-After response header expects.
func RetryAfterHeader(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
