package cache

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/yatagarasu/yatagarasu/internal/cache/coalesce"
)

var _ = Describe("Cache", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("Fingerprint", func() {
		It("differs when Accept-Encoding differs", func() {
			f1 := Fingerprint("photos", "a.jpg", VaryDimensions{AcceptEncoding: "gzip"})
			f2 := Fingerprint("photos", "a.jpg", VaryDimensions{AcceptEncoding: "br"})
			Expect(f1).ToNot(Equal(f2))
		})

		It("is stable for identical inputs", func() {
			f1 := Fingerprint("photos", "a.jpg", VaryDimensions{AcceptEncoding: "gzip"})
			f2 := Fingerprint("photos", "a.jpg", VaryDimensions{AcceptEncoding: "gzip"})
			Expect(f1).To(Equal(f2))
		})
	})

	Describe("Cacheable", func() {
		It("allows 200 without no-store", func() {
			Expect(Cacheable(http.StatusOK, "")).To(BeTrue())
		})
		It("rejects no-store regardless of status", func() {
			Expect(Cacheable(http.StatusOK, "no-store")).To(BeFalse())
		})
		It("allows negative-cacheable 404", func() {
			Expect(Cacheable(http.StatusNotFound, "")).To(BeTrue())
		})
		It("rejects 500", func() {
			Expect(Cacheable(http.StatusInternalServerError, "")).To(BeFalse())
		})
	})

	Describe("Lookup/Store", func() {
		It("misses on a cold cache then hits after Store", func() {
			c := New(Config{Enabled: true, MaxCacheSizeBytes: 1 << 20, MaxItemSizeBytes: 1 << 20, DefaultTTL: time.Minute}, nil)
			fp := Fingerprint("photos", "a.jpg", VaryDimensions{})

			decision, _ := c.Lookup(ctx, fp, false)
			Expect(decision).To(Equal(Miss))

			c.Store(ctx, fp, http.StatusOK, nil, []byte("image bytes"))

			decision, entry := c.Lookup(ctx, fp, false)
			Expect(decision).To(Equal(Hit))
			Expect(entry.Body).To(Equal([]byte("image bytes")))
		})

		It("bypasses when caching is disabled for the bucket", func() {
			c := New(Config{Enabled: false}, nil)
			fp := Fingerprint("photos", "a.jpg", VaryDimensions{})

			decision, _ := c.Lookup(ctx, fp, false)
			Expect(decision).To(Equal(Bypass))
		})

		It("bypasses a non-trivial range when range caching is disabled", func() {
			c := New(Config{Enabled: true, RangeCacheEnabled: false, MaxCacheSizeBytes: 1 << 20, MaxItemSizeBytes: 1 << 20}, nil)
			fp := Fingerprint("photos", "a.jpg", VaryDimensions{})

			decision, _ := c.Lookup(ctx, fp, true)
			Expect(decision).To(Equal(Bypass))
		})

		It("does not store a non-cacheable response", func() {
			c := New(Config{Enabled: true, MaxCacheSizeBytes: 1 << 20, MaxItemSizeBytes: 1 << 20, DefaultTTL: time.Minute}, nil)
			fp := Fingerprint("photos", "missing.jpg", VaryDimensions{})

			c.Store(ctx, fp, http.StatusInternalServerError, nil, []byte("err"))

			decision, _ := c.Lookup(ctx, fp, false)
			Expect(decision).To(Equal(Miss))
		})

		It("stores negative responses under the negative TTL", func() {
			c := New(Config{
				Enabled: true, MaxCacheSizeBytes: 1 << 20, MaxItemSizeBytes: 1 << 20,
				DefaultTTL: time.Hour, NegativeTTL: 10 * time.Millisecond,
			}, nil)
			fp := Fingerprint("photos", "missing.jpg", VaryDimensions{})

			c.Store(ctx, fp, http.StatusNotFound, nil, nil)

			decision, _ := c.Lookup(ctx, fp, false)
			Expect(decision).To(Equal(Hit))

			time.Sleep(20 * time.Millisecond)

			decision, _ = c.Lookup(ctx, fp, false)
			Expect(decision).To(Equal(Miss), "negative entries must not outlive negative_ttl")
		})
	})

	Describe("Coalesce", func() {
		It("collapses a concurrent burst into exactly one origin fetch", func() {
			c := New(Config{Enabled: true, MaxCacheSizeBytes: 1 << 20, MaxItemSizeBytes: 1 << 20, DefaultTTL: time.Minute}, nil)
			fp := Fingerprint("photos", "hot.jpg", VaryDimensions{})

			var originCalls int64
			release := make(chan struct{})
			fn := func(ctx context.Context, w io.Writer) (int, map[string][]string, error) {
				atomic.AddInt64(&originCalls, 1)
				<-release
				w.Write([]byte("hot bytes"))
				return http.StatusOK, nil, nil
			}

			const n = 8
			var wg sync.WaitGroup
			results := make([]coalesce.Result, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i] = c.Coalesce(ctx, fp, fn)
				}(i)
			}
			time.Sleep(20 * time.Millisecond) // let every caller join the leader's group
			close(release)
			wg.Wait()

			Expect(atomic.LoadInt64(&originCalls)).To(Equal(int64(1)))
			for _, r := range results {
				Expect(r.Body).To(Equal([]byte("hot bytes")))
			}
		})
	})

	Describe("Purge", func() {
		It("evicts a single fingerprint", func() {
			c := New(Config{Enabled: true, MaxCacheSizeBytes: 1 << 20, MaxItemSizeBytes: 1 << 20, DefaultTTL: time.Minute}, nil)
			fp := Fingerprint("photos", "a.jpg", VaryDimensions{})
			c.Store(ctx, fp, http.StatusOK, nil, []byte("x"))

			c.Purge(ctx, fp, "")

			decision, _ := c.Lookup(ctx, fp, false)
			Expect(decision).To(Equal(Miss))
		})
	})
})
