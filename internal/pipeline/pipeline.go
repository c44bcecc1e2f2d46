// Package pipeline drives the ten-stage request orchestration of
// spec.md §4.10: resource admission, security validation, special
// endpoints, routing, rate limiting (pre- and post-identity), the
// circuit breaker gate, authentication, authorization, cache
// lookup/coalesce, and origin dispatch. Any stage may short-circuit the
// request, but every path through ServeHTTP ends in exactly one audit
// record and one metrics update, mirroring the teacher's gateway
// handler's single deferred completion hook.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yatagarasu/yatagarasu/internal/audit"
	"github.com/yatagarasu/yatagarasu/internal/authz"
	"github.com/yatagarasu/yatagarasu/internal/cache"
	"github.com/yatagarasu/yatagarasu/internal/cache/coalesce"
	"github.com/yatagarasu/yatagarasu/internal/cache/lru"
	yerrors "github.com/yatagarasu/yatagarasu/internal/errors"
	"github.com/yatagarasu/yatagarasu/internal/imagehook"
	"github.com/yatagarasu/yatagarasu/internal/origin"
	"github.com/yatagarasu/yatagarasu/internal/ratelimit"
	"github.com/yatagarasu/yatagarasu/internal/reqctx"
	"github.com/yatagarasu/yatagarasu/internal/snapshot"
	"github.com/yatagarasu/yatagarasu/pkg/metrics"
	"github.com/yatagarasu/yatagarasu/pkg/shared/logging"
)

// Pipeline drives every inbound request through the ten stages against
// whatever Snapshot is currently loaded.
type Pipeline struct {
	store *snapshot.Store
	audit *audit.Store
	log   *logrus.Logger

	admission chan struct{} // global in-flight cap (stage 1)

	HealthHandler  http.Handler // stage 3, mounted at /health
	MetricsHandler http.Handler // stage 3, mounted at /metrics
}

// New builds a Pipeline. maxInFlight bounds global concurrent requests
// admitted past stage 1; zero or negative disables the cap.
func New(store *snapshot.Store, auditStore *audit.Store, log *logrus.Logger, maxInFlight int) *Pipeline {
	p := &Pipeline{store: store, audit: auditStore, log: log}
	if maxInFlight > 0 {
		p.admission = make(chan struct{}, maxInFlight)
	}
	return p
}

// ServeHTTP implements http.Handler, entering the pipeline at stage 1.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.New(r)

	// Stage 3 runs ahead of admission for /health and /metrics: an
	// operator checking liveness should never be queued behind the
	// in-flight cap meant for object traffic.
	if h := p.specialEndpoint(r.URL.Path); h != nil {
		h.ServeHTTP(w, r)
		rc.ResponseStatus = http.StatusOK
		p.finish(rc)
		return
	}

	if p.admission != nil {
		select {
		case p.admission <- struct{}{}:
			defer func() { <-p.admission }()
		default:
			p.reject(w, rc, yerrors.New(yerrors.ErrorTypeUpstreamUnavailable, "server at capacity"))
			return
		}
	}

	// Stage 2: security validation.
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		p.reject(w, rc, yerrors.New(yerrors.ErrorTypeMethodNotAllowed, "method not allowed"))
		return
	}

	snap := p.store.Load()

	// Stage 4: routing.
	binding, key, err := snap.Router.Match(rc.Path)
	if err != nil {
		p.reject(w, rc, err)
		return
	}
	bucket := snap.Buckets[binding.Name]
	rc.BucketName = bucket.Name
	rc.ObjectKey = key
	rc.Checkpoint("routed")

	// Stage 5 (pre-identity): rate limit keyed by client IP.
	if bucket.RateLimiter != nil {
		if ok, retryAfter := bucket.RateLimiter.Allow(rc.ClientIP); !ok {
			metrics.RecordRateLimitRejection(bucket.Name)
			p.rejectRetryAfter(w, rc, retryAfter)
			return
		}
	}

	// Stage 6: circuit breaker gate, consulted before any further work
	// so an open breaker fails fast ahead of auth/authz/cache costs.
	// The breaker is consulted again, authoritatively, around the
	// actual origin dispatch in fetchAndStore.
	if bucket.Breaker != nil && bucket.Breaker.State() == "open" {
		p.reject(w, rc, yerrors.New(yerrors.ErrorTypeUpstreamUnavailable, "circuit breaker is open").WithDetails(bucket.Name))
		return
	}

	// Stage 7: authentication.
	if bucket.Verifier != nil {
		principal, err := bucket.Verifier.Authenticate(r)
		if err != nil {
			p.reject(w, rc, err)
			return
		}
		rc.Principal = principal
		rc.Checkpoint("authenticated")

		// Stage 5 (post-identity): re-evaluated now that the real
		// identity (principal subject, not client IP) is known.
		if bucket.RateLimiter != nil && rc.IdentityKey() != rc.ClientIP {
			if ok, retryAfter := bucket.RateLimiter.Allow(rc.IdentityKey()); !ok {
				metrics.RecordRateLimitRejection(bucket.Name)
				p.rejectRetryAfter(w, rc, retryAfter)
				return
			}
		}
	}

	// Stage 8: authorization.
	if bucket.Authorizer != nil {
		_, err := bucket.Authorizer.Authorize(r.Context(), authz.Input{
			Principal: rc.Principal.Subject,
			Bucket:    bucket.Name,
			Path:      rc.Path,
			Method:    rc.Method,
		})
		if err != nil {
			metrics.RecordAuthzDecision(bucket.Name, "deny")
			p.reject(w, rc, err)
			return
		}
		metrics.RecordAuthzDecision(bucket.Name, "allow")
		rc.Checkpoint("authorized")
	}

	// Stages 9-10: cache lookup/coalesce, or origin dispatch.
	p.serveObject(w, r, rc, bucket)
}

func (p *Pipeline) specialEndpoint(path string) http.Handler {
	switch path {
	case "/health":
		return p.HealthHandler
	case "/metrics":
		return p.MetricsHandler
	default:
		return nil
	}
}

// serveObject implements stages 9 and 10: a cache hit serves directly
// (honoring conditional headers per SPEC_FULL.md §6.4); a miss coalesces
// concurrent fetches for the same fingerprint and dispatches to origin
// through the circuit breaker exactly once per leader.
func (p *Pipeline) serveObject(w http.ResponseWriter, r *http.Request, rc *reqctx.Context, bucket *snapshot.Bucket) {
	vary := cache.VaryDimensions{AcceptEncoding: r.Header.Get("Accept-Encoding"), Accept: r.Header.Get("Accept")}
	fp := cache.Fingerprint(bucket.Name, rc.ObjectKey, vary)
	hasRange := isNonTrivialRange(rc.Range)

	decision, entry := bucket.Cache.Lookup(r.Context(), fp, hasRange)
	if decision == cache.Hit {
		rc.CacheDecision = reqctx.CacheHit
		metrics.RecordCacheOutcome(bucket.Name, true)
		p.serveFromEntry(w, r, rc, bucket, entry)
		return
	}
	if decision == cache.Bypass {
		rc.CacheDecision = reqctx.CacheBypass
	} else {
		rc.CacheDecision = reqctx.CacheMiss
		metrics.RecordCacheOutcome(bucket.Name, false)
	}

	skipStore := decision == cache.Bypass
	originFn := func(ctx context.Context, gw io.Writer) (int, map[string][]string, error) {
		return p.fetchAndStore(ctx, bucket, rc, fp, vary.Accept, gw, skipStore)
	}

	metrics.IncCoalescingGroups()
	result := bucket.Cache.Coalesce(r.Context(), fp, originFn)
	metrics.DecCoalescingGroups()

	p.writeCoalesced(w, rc, bucket, result)
}

// fetchAndStore is the coalescing group's OriginFunc: it runs at most
// once per fingerprint (the leader only), dispatches through the
// circuit breaker, mirrors the response body into w for followers, and
// stores the completed response into the cache (satisfying the "exactly
// one store call" invariant of spec.md §4.8 structurally, since only
// the leader ever calls this).
func (p *Pipeline) fetchAndStore(ctx context.Context, bucket *snapshot.Bucket, rc *reqctx.Context, fp, accept string, w io.Writer, skipStore bool) (int, map[string][]string, error) {
	originReq := origin.Request{
		Method:          rc.Method,
		Bucket:          bucket.Name,
		Key:             rc.ObjectKey,
		Range:           rc.Range,
		IfNoneMatch:     rc.IfNoneMatch,
		IfModifiedSince: rc.IfModifiedSince,
	}

	var resp *origin.Response
	call := func() error {
		r, err := bucket.Fetcher.Fetch(ctx, originReq)
		if err != nil {
			metrics.RecordOriginRequest(bucket.Name, "failure")
			return err
		}
		resp = r
		return nil
	}

	var err error
	if bucket.Breaker != nil {
		err = bucket.Breaker.Call(call)
	} else {
		err = call()
	}
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	metrics.RecordOriginRequest(bucket.Name, "success")

	body, copyErr := io.ReadAll(io.TeeReader(resp.Body, w))
	if copyErr != nil {
		return 0, nil, yerrors.Wrap(copyErr, yerrors.ErrorTypeUpstreamUnavailable, "failed reading origin body")
	}

	headers := map[string][]string(resp.Headers)
	status := resp.StatusCode

	storeHeaders, storeBody := headers, body
	if bucket.ImageTransformer != nil && status == http.StatusOK {
		if transformed, ct, ok := applyImageHook(ctx, bucket, rc, accept, headers, body); ok {
			storeBody = transformed
			storeHeaders = map[string][]string(http.Header(headers).Clone())
			storeHeaders["Content-Type"] = []string{ct}
		}
	}

	if !skipStore {
		bucket.Cache.Store(ctx, fp, status, storeHeaders, storeBody)
	}

	return status, headers, nil
}

// applyImageHook runs the bucket's configured image-transform hook
// (internal/imagehook) over a freshly fetched 200 body. It applies only
// to the cached representation, not the bytes already mirrored to
// coalescing followers: the default Noop hook is an identity transform,
// so this never changes observed behavior until a real Transformer is
// configured.
func applyImageHook(ctx context.Context, bucket *snapshot.Bucket, rc *reqctx.Context, accept string, headers map[string][]string, body []byte) ([]byte, string, bool) {
	req := imagehook.Request{
		Bucket:  bucket.Name,
		Key:     rc.ObjectKey,
		Accept:  accept,
		Headers: http.Header(headers),
		Body:    bytes.NewReader(body),
	}
	result, err := bucket.ImageTransformer.Transform(ctx, req)
	if err != nil {
		return nil, "", false
	}
	transformed, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, "", false
	}
	return transformed, result.ContentType, true
}

// setVaryHeader sets the response Vary header per SPEC_FULL.md §6.5: every
// response varies on Accept-Encoding, and additionally on Accept when the
// bucket's image hook can produce format-negotiated representations.
func setVaryHeader(w http.ResponseWriter, bucket *snapshot.Bucket) {
	if bucket.ImageHookEnabled {
		w.Header().Set("Vary", "Accept-Encoding, Accept")
		return
	}
	w.Header().Set("Vary", "Accept-Encoding")
}

// writeCoalesced flushes a coalescing Result (leader or follower) to w.
func (p *Pipeline) writeCoalesced(w http.ResponseWriter, rc *reqctx.Context, bucket *snapshot.Bucket, result coalesce.Result) {
	if result.Err != nil {
		p.reject(w, rc, yerrors.Wrap(result.Err, yerrors.ErrorTypeUpstreamUnavailable, "origin fetch failed"))
		return
	}

	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	for k, vs := range result.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache", string(rc.CacheDecision))
	setVaryHeader(w, bucket)
	w.WriteHeader(status)
	rc.ResponseStatus = status

	if result.Stream != nil {
		defer result.Stream.Close()
		n, _ := io.Copy(w, result.Stream)
		rc.ResponseBytes = n
		p.finish(rc)
		return
	}
	n, _ := w.Write(result.Body)
	rc.ResponseBytes = int64(n)
	p.finish(rc)
}

// serveFromEntry writes a cached entry directly to w, honoring conditional
// request headers (SPEC_FULL.md §6.4: both If-None-Match/Etag and
// If-Modified-Since/Last-Modified) and, when the bucket enables range
// caching, slicing a bounded Range request out of the cached full body
// instead of always returning the whole thing (SPEC_FULL.md §6.2,
// resolving spec.md §9 Open Question (a)).
func (p *Pipeline) serveFromEntry(w http.ResponseWriter, r *http.Request, rc *reqctx.Context, bucket *snapshot.Bucket, entry lru.Entry) {
	for k, vs := range entry.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache", string(rc.CacheDecision))
	setVaryHeader(w, bucket)

	if ifNoneMatchSatisfied(r, entry.Headers) || ifModifiedSinceSatisfied(r, entry.Headers) {
		w.WriteHeader(http.StatusNotModified)
		rc.ResponseStatus = http.StatusNotModified
		p.finish(rc)
		return
	}

	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}

	if bucket.RangeCacheOn && status == http.StatusOK && isNonTrivialRange(rc.Range) {
		if start, end, ok := origin.ParseRange(rc.Range, len(entry.Body)); ok {
			if sliced, ok := origin.SliceFromCached(entry.Body, start, end); ok {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, len(entry.Body)))
				w.Header().Set("Content-Length", strconv.Itoa(len(sliced)))
				w.WriteHeader(http.StatusPartialContent)
				rc.ResponseStatus = http.StatusPartialContent
				n, _ := w.Write(sliced)
				rc.ResponseBytes = int64(n)
				p.finish(rc)
				return
			}
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(entry.Body)))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		rc.ResponseStatus = http.StatusRequestedRangeNotSatisfiable
		p.finish(rc)
		return
	}

	w.WriteHeader(status)
	rc.ResponseStatus = status
	n, _ := w.Write(entry.Body)
	rc.ResponseBytes = int64(n)
	p.finish(rc)
}

func ifNoneMatchSatisfied(r *http.Request, headers map[string][]string) bool {
	inm := r.Header.Get("If-None-Match")
	if inm == "" {
		return false
	}
	for _, etag := range headers["Etag"] {
		if etag == inm {
			return true
		}
	}
	return false
}

// ifModifiedSinceSatisfied reports whether the cached entry's Last-Modified
// is at or before the request's If-Modified-Since, per SPEC_FULL.md §6.4.
// A malformed header on either side is treated as not satisfied, so the
// caller falls through to serving the full/ranged body.
func ifModifiedSinceSatisfied(r *http.Request, headers map[string][]string) bool {
	ims := r.Header.Get("If-Modified-Since")
	if ims == "" {
		return false
	}
	since, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	lastModified := ""
	if vs := headers["Last-Modified"]; len(vs) > 0 {
		lastModified = vs[0]
	}
	if lastModified == "" {
		return false
	}
	modified, err := http.ParseTime(lastModified)
	if err != nil {
		return false
	}
	return !modified.After(since)
}

func isNonTrivialRange(rangeHeader string) bool {
	if rangeHeader == "" {
		return false
	}
	return rangeHeader != "bytes=0-"
}

func (p *Pipeline) reject(w http.ResponseWriter, rc *reqctx.Context, err error) {
	status := yerrors.GetStatusCode(err)
	yerrors.WriteXML(w, err, rc.CorrelationID)
	rc.ResponseStatus = status
	if p.log != nil {
		fields := logging.NewFields().Correlation(rc.CorrelationID).Custom("path", rc.Path)
		for k, v := range yerrors.LogFields(err) {
			fields = fields.Custom(k, v)
		}
		p.log.WithFields(fields.ToLogrus()).Warn("request rejected")
	}
	p.finish(rc)
}

func (p *Pipeline) rejectRetryAfter(w http.ResponseWriter, rc *reqctx.Context, retryAfter time.Duration) {
	w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(retryAfter))
	p.reject(w, rc, yerrors.New(yerrors.ErrorTypeRateLimit, "rate limit exceeded"))
}

// finish emits the audit record and updates metrics regardless of which
// stage short-circuited (spec.md §4.10, §6 invariant 7). It is called
// exactly once per request, from whichever terminal point the request
// reached.
func (p *Pipeline) finish(rc *reqctx.Context) {
	rc.ShortCircuited = true
	duration := rc.Elapsed()

	metrics.RecordRequest(rc.BucketName, strconv.Itoa(rc.ResponseStatus), string(rc.CacheDecision), duration)

	if p.audit != nil {
		p.audit.Write(audit.Record{
			Timestamp:         time.Now(),
			CorrelationID:     rc.CorrelationID,
			ClientIP:          rc.ClientIP,
			User:              rc.Principal.Subject,
			Bucket:            rc.BucketName,
			ObjectKey:         rc.ObjectKey,
			HTTPMethod:        rc.Method,
			RequestPath:       rc.Path,
			ResponseStatus:    rc.ResponseStatus,
			ResponseSizeBytes: rc.ResponseBytes,
			DurationMS:        duration.Milliseconds(),
			CacheStatus:       string(rc.CacheDecision),
			UserAgent:         rc.UserAgent,
			Referer:           rc.Referer,
		})
	}
}
