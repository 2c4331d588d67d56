// Package config defines the nested configuration record consumed at init
// and its yaml.v3-backed loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as Go duration
// strings ("5m", "50ms") or integer nanoseconds; yaml.v3 only decodes the
// latter natively.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: invalid duration value at line %d", value.Line)
	}
	parsed, perr := time.ParseDuration(s)
	if perr != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, perr)
	}
	*d = Duration(parsed)
	return nil
}

// CoalescingStrategy selects between wait-for-complete and streaming
// request coalescing.
type CoalescingStrategy string

const (
	StrategyWaitForComplete CoalescingStrategy = "wait_for_complete"
	StrategyStreaming       CoalescingStrategy = "streaming"
)

// Config is the top-level configuration record.
type Config struct {
	Server  Server   `yaml:"server"`
	Buckets []Bucket `yaml:"buckets"`
	Cache   Cache    `yaml:"cache"`
}

// Server configures listener address, admission, and global middleware.
type Server struct {
	Address               string         `yaml:"address"`
	Port                  int            `yaml:"port"`
	MaxConcurrentRequests int            `yaml:"max_concurrent_requests"`
	SecurityLimits        SecurityLimits `yaml:"security_limits"`
	Coalescing            Coalescing     `yaml:"coalescing"`
	RateLimit             RateLimit      `yaml:"rate_limit"`
}

// SecurityLimits bounds request shapes accepted at the edge: header
// count/size and URL length guards that a production edge always enforces.
type SecurityLimits struct {
	MaxHeaderBytes int `yaml:"max_header_bytes"`
	MaxURLLength   int `yaml:"max_url_length"`
	MaxHeaderCount int `yaml:"max_header_count"`
}

// Coalescing configures which request-coalescing strategy is active.
type Coalescing struct {
	Enabled  bool               `yaml:"enabled"`
	Strategy CoalescingStrategy `yaml:"strategy"`
}

// RateLimit configures the global/IP/user rate limit levels. Per-bucket
// limits live on Bucket.RateLimit instead.
type RateLimit struct {
	Global  RateLimitLevel `yaml:"global"`
	PerIP   RateLimitLevel `yaml:"per_ip"`
	PerUser RateLimitLevel `yaml:"per_user"`
}

// RateLimitLevel is one level's rate and burst.
type RateLimitLevel struct {
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
	MaxTrackedKeys int     `yaml:"max_tracked_keys"`
}

// Bucket is one per-bucket routing and policy record.
type Bucket struct {
	Name          string         `yaml:"name"`
	PathPrefix    string         `yaml:"path_prefix"`
	Origin        Origin         `yaml:"origin"`
	CacheOverride *CacheOverride `yaml:"cache_override"`
	Authorization *Authorization `yaml:"authorization"`
	Watermark     *Watermark     `yaml:"watermark"`
	Compression   *Compression   `yaml:"compression"`
}

// Origin configures a bucket's upstream S3-compatible endpoints.
type Origin struct {
	Endpoints      []string        `yaml:"endpoints"`
	Credentials    Credentials     `yaml:"credentials"`
	CircuitBreaker *CircuitBreaker `yaml:"circuit_breaker"`
	Retry          *Retry          `yaml:"retry"`
	RateLimit      *RateLimitLevel `yaml:"rate_limit"`
}

// Credentials holds static S3-compatible access keys. Production
// deployments should source these from the environment or a secrets
// manager rather than the YAML file; this struct only models the shape.
type Credentials struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Region          string `yaml:"region"`
}

// CircuitBreaker configures one bucket's breaker thresholds.
type CircuitBreaker struct {
	MaxRequests      uint32   `yaml:"max_requests"`
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	FailureThreshold float64  `yaml:"failure_threshold"`
	MinRequests      uint32   `yaml:"min_requests"`
}

// Retry configures one bucket's retry policy.
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// CacheOverride lets a bucket override the global cache TTL policy.
type CacheOverride struct {
	DefaultTTL Duration `yaml:"default_ttl"`
}

// Authorization holds a bucket's access-control settings as parsed from
// YAML. The request pipeline does not read them: no token check is made
// before the cache/origin path.
type Authorization struct {
	RequireBearerToken bool     `yaml:"require_bearer_token"`
	AllowedTokens      []string `yaml:"allowed_tokens"`
}

// Watermark configures an image-watermarking response transformer.
type Watermark struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
}

// Compression configures a compression response transformer.
type Compression struct {
	Enabled bool     `yaml:"enabled"`
	Types   []string `yaml:"types"`
}

// Cache configures which tiers are enabled and their individual settings.
type Cache struct {
	Enabled     bool            `yaml:"enabled"`
	Layers      []string        `yaml:"layers"`
	Memory      MemoryTier      `yaml:"memory"`
	Disk        DiskTier        `yaml:"disk"`
	Distributed DistributedTier `yaml:"distributed"`
}

type MemoryTier struct {
	MaxItemSize  int64    `yaml:"max_item_size"`
	MaxTotalSize int64    `yaml:"max_total_size"`
	DefaultTTL   Duration `yaml:"default_ttl"`
}

type DiskTier struct {
	Root          string   `yaml:"root"`
	MaxDiskSize   int64    `yaml:"max_disk_size"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

type DistributedTier struct {
	Addr      string   `yaml:"addr"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
	MinTTL    Duration `yaml:"min_ttl"`
	MaxTTL    Duration `yaml:"max_ttl"`
}

// Load reads and parses a YAML config file at path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &cfg, nil
}

// Validate enforces the invariants a malformed config could violate:
// distinct, non-empty bucket path prefixes, and a nonzero port.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("config: server.port must be positive")
	}
	if len(c.Buckets) == 0 {
		return fmt.Errorf("config: at least one bucket is required")
	}
	seen := make(map[string]bool, len(c.Buckets))
	for _, b := range c.Buckets {
		if b.Name == "" {
			return fmt.Errorf("config: bucket name must not be empty")
		}
		if b.PathPrefix == "" {
			return fmt.Errorf("config: bucket %q: path_prefix must not be empty", b.Name)
		}
		if seen[b.PathPrefix] {
			return fmt.Errorf("config: duplicate path_prefix %q", b.PathPrefix)
		}
		seen[b.PathPrefix] = true
		if len(b.Origin.Endpoints) == 0 {
			return fmt.Errorf("config: bucket %q: at least one origin endpoint is required", b.Name)
		}
	}
	return nil
}
