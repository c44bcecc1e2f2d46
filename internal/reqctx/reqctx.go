// Package reqctx carries the per-request state threaded through every
// pipeline stage (spec.md §3's "Request context"). It is constructed once
// per inbound request and never shared across requests.
package reqctx

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// CacheDecision enumerates the cache outcome recorded for a request.
type CacheDecision string

const (
	CacheUnset CacheDecision = ""
	CacheHit   CacheDecision = "hit"
	CacheMiss  CacheDecision = "miss"
	CacheBypass CacheDecision = "bypass"
)

// Principal is the authenticated identity derived from a verified JWT,
// or the anonymous sentinel (Subject == "").
type Principal struct {
	Subject string
	Issuer  string
	Claims  map[string]interface{}
	Expiry  time.Time
}

func (p Principal) IsAnonymous() bool { return p.Subject == "" }

// AnonymousPrincipal is used when a bucket disables authentication.
var AnonymousPrincipal = Principal{}

// Context is the mutable per-request record. Stages read and extend it;
// once a stage records a short-circuit Response, later stages must only
// fill timing/audit fields (spec.md §3 invariant).
type Context struct {
	CorrelationID string
	ClientIP      string
	ArrivalWall   time.Time
	ArrivalMono   time.Time

	Method string
	Path   string
	Range  string

	UserAgent string
	Referer   string

	IfNoneMatch     string
	IfModifiedSince string

	BucketName string
	ObjectKey  string

	Principal     Principal
	CacheDecision CacheDecision

	ResponseStatus int
	ResponseBytes  int64

	Checkpoints map[string]time.Time

	// ShortCircuited is set by the pipeline's finish step once the
	// request's terminal response has been written.
	ShortCircuited bool
}

// New builds a Context for an inbound request, generating a fresh
// correlation id and recording arrival timestamps.
func New(r *http.Request) *Context {
	return &Context{
		CorrelationID: uuid.NewString(),
		ClientIP:      clientIP(r),
		ArrivalWall:   time.Now(),
		ArrivalMono:   time.Now(),
		Method:        r.Method,
		Path:          r.URL.Path,
		Range:         r.Header.Get("Range"),
		UserAgent:       r.Header.Get("User-Agent"),
		Referer:         r.Header.Get("Referer"),
		IfNoneMatch:     r.Header.Get("If-None-Match"),
		IfModifiedSince: r.Header.Get("If-Modified-Since"),
		CacheDecision:   CacheUnset,
		Checkpoints:   make(map[string]time.Time, 8),
	}
}

// Checkpoint records a named timing marker, e.g. "routed", "authenticated".
func (c *Context) Checkpoint(name string) {
	c.Checkpoints[name] = time.Now()
}

// Elapsed returns wall time since arrival.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.ArrivalMono)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	if i := lastColon(host); i >= 0 {
		return host[:i]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// IdentityKey returns the rate-limiter/authz identity: the principal
// subject when authenticated, otherwise the client IP.
func (c *Context) IdentityKey() string {
	if !c.Principal.IsAnonymous() {
		return c.Principal.Subject
	}
	return c.ClientIP
}
