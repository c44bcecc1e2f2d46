// Package snapshot compiles a loaded config.Config into the live,
// immutable set of per-bucket components the pipeline drives, and
// holds it behind an atomic.Pointer so a SIGHUP reload can swap in a
// freshly compiled snapshot without a lock on the request path.
package snapshot

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yatagarasu/yatagarasu/internal/auth"
	"github.com/yatagarasu/yatagarasu/internal/authz"
	"github.com/yatagarasu/yatagarasu/internal/breaker"
	"github.com/yatagarasu/yatagarasu/internal/cache"
	"github.com/yatagarasu/yatagarasu/internal/cache/coalesce"
	"github.com/yatagarasu/yatagarasu/internal/cache/remote"
	"github.com/yatagarasu/yatagarasu/internal/config"
	yerrors "github.com/yatagarasu/yatagarasu/internal/errors"
	"github.com/yatagarasu/yatagarasu/internal/imagehook"
	"github.com/yatagarasu/yatagarasu/internal/origin"
	"github.com/yatagarasu/yatagarasu/internal/ratelimit"
	"github.com/yatagarasu/yatagarasu/internal/retry"
	"github.com/yatagarasu/yatagarasu/internal/router"
	"github.com/yatagarasu/yatagarasu/internal/sigv4"
)

// Bucket bundles one bucket's compiled, ready-to-drive components.
type Bucket struct {
	Name             string
	PathPrefix       string
	AuthEnabled      bool
	Verifier         *auth.Verifier
	Authorizer       *authz.Authorizer
	RateLimiter      *ratelimit.Limiter
	Breaker          *breaker.Breaker
	Cache            *cache.Cache
	Fetcher          *origin.Fetcher
	ForwardedHeaders []string
	RangeCacheOn     bool
	ImageHookEnabled bool
	ImageTransformer imagehook.Transformer
}

// Snapshot is the full compiled configuration state for one generation.
type Snapshot struct {
	Router  *router.Router
	Buckets map[string]*Bucket
}

// Compile builds a Snapshot from cfg. ctx bounds any I/O the embedded
// authz policy load performs (reading a rego file from disk).
func Compile(ctx context.Context, cfg *config.Config) (*Snapshot, error) {
	bindings := make([]router.Binding, 0, len(cfg.Buckets))
	buckets := make(map[string]*Bucket, len(cfg.Buckets))

	for _, bc := range cfg.Buckets {
		bindings = append(bindings, router.Binding{Name: bc.Name, PathPrefix: bc.PathPrefix})

		b := &Bucket{
			Name:             bc.Name,
			PathPrefix:       bc.PathPrefix,
			AuthEnabled:      bc.Auth.Enabled,
			ForwardedHeaders: bc.ForwardedHeaders,
		}

		if bc.RateLimit != nil {
			b.RateLimiter = ratelimit.New(
				bc.RateLimit.Capacity,
				bc.RateLimit.RefillPerSecond,
				time.Duration(bc.RateLimit.IdleTimeoutSeconds)*time.Second,
			)
		}

		if bc.CircuitBreaker != nil {
			b.Breaker = breaker.New(breaker.Config{
				Name:             bc.Name,
				FailureThreshold: bc.CircuitBreaker.FailureThreshold,
				WindowSize:       bc.CircuitBreaker.WindowSize,
				CooldownSeconds:  bc.CircuitBreaker.CooldownSeconds,
				ProbeBudget:      bc.CircuitBreaker.ProbeBudget,
				SuccessThreshold: bc.CircuitBreaker.SuccessThreshold,
			})
		}

		if bc.Auth.Enabled {
			b.Verifier = auth.New(auth.Config{
				Enabled:    true,
				Sources:    tokenSources(cfg.JWT.Sources),
				Algorithm:  cfg.JWT.Algorithm,
				SigningKey: cfg.JWT.SigningKey,
				Issuer:     cfg.JWT.Issuer,
				Audience:   cfg.JWT.Audience,
			}, []byte(cfg.JWT.SigningKey))
		}

		if cfg.Authz.PDPURL != "" {
			az, err := authz.New(ctx, authz.Config{
				PDPURL:                  cfg.Authz.PDPURL,
				FailMode:                authz.FailMode(cfg.Authz.FailMode),
				DecisionCacheTTLSeconds: cfg.Authz.DecisionCacheTTLSeconds,
			}, nil)
			if err != nil {
				return nil, yerrors.Wrapf(err, yerrors.ErrorTypeInternal, "failed to compile authz for bucket %q", bc.Name)
			}
			b.Authorizer = az
		}

		var remoteTier *remote.Tier
		if cfg.Cache.Remote != nil {
			remoteTier = remote.New(remote.Config{
				Addr:     cfg.Cache.Remote.Addr,
				Password: cfg.Cache.Remote.Password,
				DB:       cfg.Cache.Remote.DB,
			})
		}
		strategy := coalesce.WaitForComplete
		if cfg.Coalescing.Strategy == "streaming" {
			strategy = coalesce.Streaming
		}
		b.Cache = cache.New(cache.Config{
			Enabled:            cfg.Cache.Enabled,
			MaxCacheSizeBytes:  int64(cfg.Cache.Memory.MaxCacheSizeMB) * 1024 * 1024,
			MaxItemSizeBytes:   int64(cfg.Cache.Memory.MaxItemSizeMB) * 1024 * 1024,
			DefaultTTL:         time.Duration(cfg.Cache.Memory.DefaultTTLSeconds) * time.Second,
			NegativeTTL:        time.Duration(cfg.Cache.NegativeTTLSeconds) * time.Second,
			RangeCacheEnabled:  bc.RangeCache != nil && bc.RangeCache.Enabled,
			CoalescingStrategy: strategy,
		}, remoteTier)
		b.RangeCacheOn = bc.RangeCache != nil && bc.RangeCache.Enabled
		b.ImageHookEnabled = bc.Image != nil && bc.Image.Enabled
		if b.ImageHookEnabled {
			b.ImageTransformer = imagehook.Noop{}
		}

		timeout := time.Duration(bc.S3.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = config.DefaultS3Timeout
		}
		b.Fetcher = origin.New(
			origin.Config{Endpoint: bc.S3.Endpoint, Bucket: bc.S3.Bucket, Region: bc.S3.Region},
			sigv4.Credentials{AccessKey: bc.S3.AccessKey, SecretKey: bc.S3.SecretKey, Region: bc.S3.Region},
			timeout,
			retry.DefaultPolicy(),
		)

		buckets[bc.Name] = b
	}

	return &Snapshot{Router: router.New(bindings), Buckets: buckets}, nil
}

func tokenSources(names []string) []auth.Source {
	if len(names) == 0 {
		return []auth.Source{auth.SourceHeader}
	}
	sources := make([]auth.Source, len(names))
	for i, n := range names {
		sources[i] = auth.Source(n)
	}
	return sources
}

// Store is the atomically swappable holder a running server reads from
// on every request and a SIGHUP handler swaps into on reload.
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.ptr.Store(initial)
	return s
}

func (s *Store) Load() *Snapshot {
	return s.ptr.Load()
}

func (s *Store) Swap(next *Snapshot) {
	s.ptr.Store(next)
}
