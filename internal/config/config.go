// Package config loads and validates the proxy's YAML configuration and
// compiles it into the typed structs the rest of the process depends on.
// Reload (SIGHUP) calls Load again and the caller swaps the result behind
// an atomic.Pointer; this package itself is stateless.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Admin      AdminConfig      `yaml:"admin"`
	Buckets    []BucketConfig   `yaml:"buckets" validate:"required,min=1,dive"`
	Cache      CacheConfig      `yaml:"cache"`
	Coalescing CoalescingConfig `yaml:"coalescing"`
	JWT        JWTConfig        `yaml:"jwt"`
	Authz      AuthzConfig      `yaml:"authz"`
	Logging    LoggingConfig    `yaml:"logging"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Audit      AuditConfig      `yaml:"audit"`
}

type ServerConfig struct {
	Address string `yaml:"address" validate:"required"`
	Port    int    `yaml:"port" validate:"required,min=1,max=65535"`
}

// AdminConfig binds the loopback-only listener for /admin/cache/* and is
// never exposed on the public address.
type AdminConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type BucketConfig struct {
	Name            string             `yaml:"name" validate:"required"`
	PathPrefix      string             `yaml:"path_prefix" validate:"required"`
	S3              S3Config           `yaml:"s3" validate:"required"`
	Auth            BucketAuthConfig   `yaml:"auth"`
	RateLimit       *RateLimitConfig   `yaml:"rate_limit"`
	CircuitBreaker  *CircuitBreakerConfig `yaml:"circuit_breaker"`
	Image           *ImageConfig       `yaml:"image"`
	ForwardedHeaders []string          `yaml:"forwarded_headers"`
	RangeCache      *RangeCacheConfig  `yaml:"range_cache"`
}

type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	Bucket         string `yaml:"bucket" validate:"required"`
	Region         string `yaml:"region" validate:"required"`
	AccessKey      string `yaml:"access_key" validate:"required"`
	SecretKey      string `yaml:"secret_key" validate:"required"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type BucketAuthConfig struct {
	Enabled bool `yaml:"enabled"`
}

type RateLimitConfig struct {
	Capacity        int     `yaml:"capacity" validate:"min=1"`
	RefillPerSecond float64 `yaml:"refill_per_second" validate:"min=0"`
	IdleTimeoutSeconds int  `yaml:"idle_timeout_seconds"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" validate:"min=1"`
	WindowSize       int `yaml:"window_size" validate:"min=1"`
	CooldownSeconds  int `yaml:"cooldown_seconds" validate:"min=1"`
	ProbeBudget      int `yaml:"probe_budget" validate:"min=1"`
	SuccessThreshold int `yaml:"success_threshold" validate:"min=1"`
}

// ImageConfig drives internal/imagehook: which Accept-driven formats
// trigger the (pass-through, by default) transform hook.
type ImageConfig struct {
	Enabled           bool     `yaml:"enabled"`
	TransformOnAccept []string `yaml:"transform_on_accept"`
}

// RangeCacheConfig resolves spec Open Question (a): ranges are served as
// slices of a fully-cached 200 entry only when enabled.
type RangeCacheConfig struct {
	Enabled bool `yaml:"enabled"`
}

type CacheConfig struct {
	Enabled            bool                `yaml:"enabled"`
	Memory             MemoryCacheConfig   `yaml:"memory"`
	Remote             *RemoteCacheConfig  `yaml:"remote"`
	NegativeTTLSeconds int                 `yaml:"negative_ttl_seconds"`
}

type MemoryCacheConfig struct {
	MaxCacheSizeMB    int `yaml:"max_cache_size_mb" validate:"omitempty,min=1"`
	MaxItemSizeMB     int `yaml:"max_item_size_mb" validate:"omitempty,min=1"`
	DefaultTTLSeconds int `yaml:"default_ttl_seconds" validate:"omitempty,min=1"`
}

type RemoteCacheConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CoalescingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Strategy string `yaml:"strategy" validate:"omitempty,oneof=wait_for_complete streaming"`
}

type JWTConfig struct {
	Sources    []string `yaml:"sources"`
	Algorithm  string   `yaml:"algorithm" validate:"omitempty,oneof=HS256 RS256 ES256"`
	SigningKey string   `yaml:"signing_key"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
}

type AuthzConfig struct {
	PDPURL                  string `yaml:"pdp_url"`
	FailMode                string `yaml:"fail_mode" validate:"omitempty,oneof=fail_open fail_closed"`
	DecisionCacheTTLSeconds int    `yaml:"decision_cache_ttl_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// AdmissionConfig bounds stage 1 (resource admission) and the graceful
// drain window the process honors on SIGTERM.
type AdmissionConfig struct {
	MaxInFlight            int `yaml:"max_in_flight"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// AuditConfig drives internal/audit's buffered NDJSON writer. Path is a
// file path, or "-" / empty for stdout.
type AuditConfig struct {
	Path                 string `yaml:"path"`
	BufferSize           int    `yaml:"buffer_size"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
}

var validate_ = validator.New()

// Load reads, parses, defaults, and validates the configuration at path.
// Each failure mode is a distinguishable error: missing file, malformed
// YAML, and failed validation all wrap a different sentinel prefix so
// callers (and tests) can tell them apart by message.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = "127.0.0.1"
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9095
	}
	if cfg.Cache.Memory.DefaultTTLSeconds == 0 {
		cfg.Cache.Memory.DefaultTTLSeconds = 300
	}
	if cfg.Cache.NegativeTTLSeconds == 0 {
		cfg.Cache.NegativeTTLSeconds = 10
	}
	if cfg.Coalescing.Strategy == "" {
		cfg.Coalescing.Strategy = "wait_for_complete"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Authz.FailMode == "" {
		cfg.Authz.FailMode = "fail_closed"
	}
	if cfg.Admission.MaxInFlight == 0 {
		cfg.Admission.MaxInFlight = 512
	}
	if cfg.Admission.ShutdownTimeoutSeconds == 0 {
		cfg.Admission.ShutdownTimeoutSeconds = 30
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "-"
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = 1024
	}
	if cfg.Audit.FlushIntervalSeconds == 0 {
		cfg.Audit.FlushIntervalSeconds = 5
	}
	for i := range cfg.Buckets {
		if cfg.Buckets[i].S3.TimeoutSeconds == 0 {
			cfg.Buckets[i].S3.TimeoutSeconds = 10
		}
		if cfg.Buckets[i].RateLimit != nil && cfg.Buckets[i].RateLimit.IdleTimeoutSeconds == 0 {
			cfg.Buckets[i].RateLimit.IdleTimeoutSeconds = 600
		}
	}
}

// validate runs struct-tag validation plus the cross-field checks tags
// can't express: unique bucket names/prefixes, bucket-level auth
// requiring a top-level JWT signing key, and an enabled cache requiring
// its memory size limits.
func validate(cfg *Config) error {
	if err := validate_.Struct(cfg); err != nil {
		return err
	}

	seenNames := make(map[string]bool, len(cfg.Buckets))
	seenPrefixes := make(map[string]bool, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		if seenNames[b.Name] {
			return fmt.Errorf("duplicate bucket name %q", b.Name)
		}
		seenNames[b.Name] = true
		if seenPrefixes[b.PathPrefix] {
			return fmt.Errorf("duplicate bucket path_prefix %q", b.PathPrefix)
		}
		seenPrefixes[b.PathPrefix] = true

		if b.Auth.Enabled && cfg.JWT.SigningKey == "" {
			return fmt.Errorf("bucket %q enables auth but jwt.signing_key is empty", b.Name)
		}
	}

	if cfg.Cache.Remote != nil && !cfg.Cache.Enabled {
		return fmt.Errorf("cache.remote is configured but cache.enabled is false")
	}

	if cfg.Cache.Enabled && (cfg.Cache.Memory.MaxCacheSizeMB < 1 || cfg.Cache.Memory.MaxItemSizeMB < 1) {
		return fmt.Errorf("cache.enabled requires cache.memory.max_cache_size_mb and max_item_size_mb")
	}

	return nil
}

// DefaultS3Timeout is the fallback per-bucket origin timeout applied by
// applyDefaults when a bucket omits s3.timeout_seconds.
const DefaultS3Timeout = 10 * time.Second
