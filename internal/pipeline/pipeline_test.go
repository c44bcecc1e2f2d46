package pipeline

import (
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/yatagarasu/yatagarasu/internal/auth"
	"github.com/yatagarasu/yatagarasu/internal/cache"
	"github.com/yatagarasu/yatagarasu/internal/origin"
	"github.com/yatagarasu/yatagarasu/internal/ratelimit"
	"github.com/yatagarasu/yatagarasu/internal/retry"
	"github.com/yatagarasu/yatagarasu/internal/router"
	"github.com/yatagarasu/yatagarasu/internal/sigv4"
	"github.com/yatagarasu/yatagarasu/internal/snapshot"
)

func newTestBucket(originURL string) *snapshot.Bucket {
	fetcher := origin.New(
		origin.Config{Endpoint: originURL, Bucket: "objects", Region: "us-east-1"},
		sigv4.Credentials{AccessKey: "ak", SecretKey: "sk", Region: "us-east-1"},
		time.Second,
		retry.DefaultPolicy(),
	)
	return &snapshot.Bucket{
		Name:       "photos",
		PathPrefix: "/photos",
		Cache:      cache.New(cache.Config{Enabled: true, MaxCacheSizeBytes: 1 << 20, MaxItemSizeBytes: 1 << 20, DefaultTTL: time.Minute}, nil),
		Fetcher:    fetcher,
	}
}

func newTestSnapshot(bucket *snapshot.Bucket) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Router:  router.New([]router.Binding{{Name: bucket.Name, PathPrefix: bucket.PathPrefix}}),
		Buckets: map[string]*snapshot.Bucket{bucket.Name: bucket},
	}
}

var _ = Describe("Pipeline", func() {
	var originServer *httptest.Server
	var originCalls int

	BeforeEach(func() {
		originCalls = 0
		originServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originCalls++
			w.Header().Set("Etag", `"abc"`)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("object bytes"))
		}))
	})

	AfterEach(func() {
		originServer.Close()
	})

	It("rejects non-GET/HEAD methods with 405", func() {
		bucket := newTestBucket(originServer.URL)
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 0)

		req := httptest.NewRequest(http.MethodPost, "/photos/a.jpg", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
	})

	It("returns 404 when no bucket binding matches", func() {
		bucket := newTestBucket(originServer.URL)
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 0)

		req := httptest.NewRequest(http.MethodGet, "/unknown/a.jpg", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("fetches from origin on a cache miss, then serves the second request from cache", func() {
		bucket := newTestBucket(originServer.URL)
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 0)

		req1 := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		rec1 := httptest.NewRecorder()
		p.ServeHTTP(rec1, req1)
		Expect(rec1.Code).To(Equal(http.StatusOK))
		Expect(rec1.Body.String()).To(Equal("object bytes"))
		Expect(rec1.Header().Get("X-Cache")).To(Equal(string(cache.Miss)))

		req2 := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		rec2 := httptest.NewRecorder()
		p.ServeHTTP(rec2, req2)
		Expect(rec2.Code).To(Equal(http.StatusOK))
		Expect(rec2.Header().Get("X-Cache")).To(Equal(string(cache.Hit)))

		Expect(originCalls).To(Equal(1))
	})

	It("returns 304 for a cache hit matching If-None-Match", func() {
		bucket := newTestBucket(originServer.URL)
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 0)

		warm := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		p.ServeHTTP(httptest.NewRecorder(), warm)

		conditional := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		conditional.Header.Set("If-None-Match", `"abc"`)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, conditional)

		Expect(rec.Code).To(Equal(http.StatusNotModified))
	})

	It("rejects once the per-bucket rate limit is exhausted", func() {
		bucket := newTestBucket(originServer.URL)
		bucket.RateLimiter = ratelimit.New(1, 0.0001, time.Minute)
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 0)

		ok := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		p.ServeHTTP(httptest.NewRecorder(), ok)

		limited := httptest.NewRequest(http.MethodGet, "/photos/b.jpg", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, limited)

		Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
		Expect(rec.Header().Get("Retry-After")).ToNot(BeEmpty())
	})

	It("rejects a missing bearer token with 401 when auth is enabled", func() {
		bucket := newTestBucket(originServer.URL)
		bucket.Verifier = auth.New(auth.Config{Enabled: true, Algorithm: "HS256", SigningKey: "secret"}, []byte("secret"))
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 0)

		req := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("short-circuits /health without touching any bucket", func() {
		bucket := newTestBucket(originServer.URL)
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 0)
		p.HealthHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("ok"))
		Expect(originCalls).To(Equal(0))
	})

	It("rejects every request once the global in-flight cap is exhausted", func() {
		bucket := newTestBucket(originServer.URL)
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 1)
		p.admission <- struct{}{} // simulate one request already in flight

		req := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
	})

	It("sets Vary: Accept-Encoding on every response", func() {
		bucket := newTestBucket(originServer.URL)
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 0)

		req := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)

		Expect(rec.Header().Get("Vary")).To(Equal("Accept-Encoding"))
	})

	It("also varies on Accept when the bucket's image hook is enabled", func() {
		bucket := newTestBucket(originServer.URL)
		bucket.ImageHookEnabled = true
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 0)

		req := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)

		Expect(rec.Header().Get("Vary")).To(Equal("Accept-Encoding, Accept"))
	})

	It("serves a ranged cache hit as 206 with Content-Range when range caching is on", func() {
		bucket := newTestBucket(originServer.URL)
		bucket.RangeCacheOn = true
		bucket.Cache = cache.New(cache.Config{Enabled: true, MaxCacheSizeBytes: 1 << 20, MaxItemSizeBytes: 1 << 20, DefaultTTL: time.Minute, RangeCacheEnabled: true}, nil)
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 0)

		warm := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		p.ServeHTTP(httptest.NewRecorder(), warm)

		ranged := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		ranged.Header.Set("Range", "bytes=0-5")
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, ranged)

		Expect(rec.Code).To(Equal(http.StatusPartialContent))
		Expect(rec.Body.String()).To(Equal("object"))
		Expect(rec.Header().Get("Content-Range")).To(Equal("bytes 0-5/12"))
		Expect(originCalls).To(Equal(1))
	})

	It("returns 304 for a cache hit satisfying If-Modified-Since", func() {
		originServer.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originCalls++
			w.Header().Set("Etag", `"abc"`)
			w.Header().Set("Last-Modified", "Wed, 01 Jan 2020 00:00:00 GMT")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("object bytes"))
		})

		bucket := newTestBucket(originServer.URL)
		store := snapshot.NewStore(newTestSnapshot(bucket))
		p := New(store, nil, nil, 0)

		warm := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		p.ServeHTTP(httptest.NewRecorder(), warm)

		conditional := httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil)
		conditional.Header.Set("If-Modified-Since", "Thu, 01 Jan 2021 00:00:00 GMT")
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, conditional)

		Expect(rec.Code).To(Equal(http.StatusNotModified))
	})
})
