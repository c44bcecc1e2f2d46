// Package origin fetches objects from the S3-compatible backend
// (spec.md §4.9): a pooled *http.Client per bucket, SigV4-signed
// requests, retry-policy-governed re-attempts (re-signed on every
// attempt, since SigV4 signatures expire after roughly 15 minutes and a
// retry loop can span that), and range-cache slicing of a previously
// cached full object (SPEC_FULL.md §6.2) instead of dispatching a fresh
// origin request for small suffix/prefix ranges.
package origin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	sharedhttp "github.com/yatagarasu/yatagarasu/pkg/shared/http"

	yerrors "github.com/yatagarasu/yatagarasu/internal/errors"
	"github.com/yatagarasu/yatagarasu/internal/retry"
	"github.com/yatagarasu/yatagarasu/internal/sigv4"
)

// rangeSplitThresholdBytes and rangeSplitParts bound the range-split
// prefetch fan-out (SPEC_FULL.md §4 "Note on singleflight"): a single
// bounded range request larger than the threshold is fanned out as
// rangeSplitParts concurrent sub-range GETs instead of one serialized
// connection.
const (
	rangeSplitThresholdBytes = 8 << 20
	rangeSplitParts          = 4
)

// Request describes one object fetch.
type Request struct {
	Method string // GET or HEAD
	Bucket string
	Key    string
	Range  string // raw Range header value, empty if none

	IfNoneMatch     string
	IfModifiedSince string
}

// Response is what the fetcher returns to the pipeline.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       io.ReadCloser
}

// Config is one bucket's origin configuration.
type Config struct {
	Endpoint string // e.g. https://s3.us-east-1.amazonaws.com
	Bucket   string
	Region   string
}

// Fetcher performs signed, retried fetches against one bucket's origin.
type Fetcher struct {
	cfg    Config
	client *http.Client
	signer *sigv4.Signer
	policy retry.Policy
}

func New(cfg Config, creds sigv4.Credentials, timeout time.Duration, policy retry.Policy) *Fetcher {
	clientCfg := sharedhttp.OriginClientConfig(timeout)
	return &Fetcher{
		cfg:    cfg,
		client: sharedhttp.NewClient(clientCfg),
		signer: sigv4.New(creds),
		policy: policy,
	}
}

// Fetch performs req against origin, retrying per policy on retriable
// outcomes. Each attempt is freshly signed. A 5xx status (other than 501)
// still returned when retries stop is reported as an UpstreamUnavailable
// error rather than a response. A GET whose Range spans more
// than rangeSplitThresholdBytes is fanned out as concurrent sub-range
// requests via fetchRangeSplit; any failure there falls back to the
// normal single-request path below.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	if req.Method == http.MethodGet {
		if start, end, ok := parseBoundedRange(req.Range); ok && end-start+1 > rangeSplitThresholdBytes {
			if resp, err := f.fetchRangeSplit(ctx, req, start, end); err == nil {
				return resp, nil
			}
		}
	}

	for attempt := 0; ; attempt++ {
		resp, err := f.attempt(ctx, req)
		outcome := retry.Outcome{Err: err}
		if resp != nil {
			outcome.StatusCode = resp.StatusCode
			if ra := resp.Headers.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil {
					outcome.RetryAfter = time.Duration(secs) * time.Second
				}
			}
		}

		decision := f.policy.Evaluate(req.Method, attempt, outcome)
		if !decision.Retry {
			if err != nil {
				return nil, yerrors.Wrap(err, yerrors.ErrorTypeUpstreamUnavailable, "origin fetch failed")
			}
			if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
				resp.Body.Close()
				return nil, yerrors.Newf(yerrors.ErrorTypeUpstreamUnavailable, "origin returned status %d", resp.StatusCode)
			}
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(decision.Delay):
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, req Request) (*Response, error) {
	url := fmt.Sprintf("%s/%s/%s", strings.TrimRight(f.cfg.Endpoint, "/"), f.cfg.Bucket, strings.TrimLeft(req.Key, "/"))

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, nil)
	if err != nil {
		return nil, err
	}
	if req.Range != "" {
		httpReq.Header.Set("Range", req.Range)
	}
	if req.IfNoneMatch != "" {
		httpReq.Header.Set("If-None-Match", req.IfNoneMatch)
	}
	if req.IfModifiedSince != "" {
		httpReq.Header.Set("If-Modified-Since", req.IfModifiedSince)
	}

	if err := f.signer.Sign(ctx, httpReq, sigv4.UnsignedPayload); err != nil {
		return nil, yerrors.Wrap(err, yerrors.ErrorTypeInternal, "failed to sign origin request")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: resp.Body}, nil
}

// SliceFromCached serves a range request from a previously cached full
// (200) body instead of dispatching to origin (SPEC_FULL.md §6.2).
// start/end follow Go's slice semantics (end exclusive); the caller is
// responsible for having parsed the Range header into these bounds.
func SliceFromCached(body []byte, start, end int) ([]byte, bool) {
	if start < 0 || end > len(body) || start >= end {
		return nil, false
	}
	return body[start:end], true
}

// ParseRange parses a single-range "bytes=" header against a cached
// entry of the given total length, returning Go slice bounds (end
// exclusive) for use with SliceFromCached. Multi-range and malformed
// headers report ok=false so the caller can fall back to a full
// response or a 416.
func ParseRange(rangeHeader string, total int) (start, end int, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(rangeHeader, prefix) || total <= 0 {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(rangeHeader, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	if parts[0] == "" {
		n, err := strconv.Atoi(parts[1])
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > total {
			n = total
		}
		return total - n, total, true
	}

	s, err := strconv.Atoi(parts[0])
	if err != nil || s < 0 || s >= total {
		return 0, 0, false
	}
	if parts[1] == "" {
		return s, total, true
	}
	e, err := strconv.Atoi(parts[1])
	if err != nil || e < s {
		return 0, 0, false
	}
	e++ // inclusive end -> exclusive
	if e > total {
		e = total
	}
	return s, e, true
}

// parseBoundedRange parses only the fully-bounded "bytes=start-end" form
// (inclusive, per RFC 7233), since a range-split fan-out needs explicit
// bounds up front and cannot consult a total length the origin hasn't
// reported yet.
func parseBoundedRange(rangeHeader string) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(rangeHeader, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(rangeHeader, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return 0, 0, false
	}
	s, err1 := strconv.ParseInt(parts[0], 10, 64)
	e, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil || e < s {
		return 0, 0, false
	}
	return s, e, true
}

// fetchRangeSplit fans rangeSplitParts concurrent sub-range GETs out to
// origin via errgroup and concatenates their bodies in order, so one
// large bounded range isn't serialized behind a single connection.
func (f *Fetcher) fetchRangeSplit(ctx context.Context, req Request, start, end int64) (*Response, error) {
	total := end - start + 1
	parts := int64(rangeSplitParts)
	if total < parts {
		parts = 1
	}
	chunk := total / parts

	bodies := make([][]byte, parts)
	var headers http.Header

	g, gctx := errgroup.WithContext(ctx)
	for i := int64(0); i < parts; i++ {
		i := i
		partStart := start + i*chunk
		partEnd := partStart + chunk - 1
		if i == parts-1 {
			partEnd = end
		}
		g.Go(func() error {
			partReq := req
			partReq.Range = fmt.Sprintf("bytes=%d-%d", partStart, partEnd)
			resp, err := f.attempt(gctx, partReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			bodies[i] = b
			if i == 0 {
				headers = resp.Headers
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, yerrors.Wrap(err, yerrors.ErrorTypeUpstreamUnavailable, "range-split fetch failed")
	}

	combined := make([]byte, 0, total)
	for _, b := range bodies {
		combined = append(combined, b...)
	}
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, end))
	headers.Set("Content-Length", strconv.FormatInt(total, 10))
	return &Response{StatusCode: http.StatusPartialContent, Headers: headers, Body: io.NopCloser(bytes.NewReader(combined))}, nil
}
