// Command yatagarasu is the reverse-proxy binary. It loads configuration,
// wires a Bucket per configured path prefix (replica set, circuit breaker,
// retry policy, tiered cache, optional rate limiter), and serves the
// request pipeline over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/julianshen/yatagarasu/internal/breaker"
	"github.com/julianshen/yatagarasu/internal/cache"
	"github.com/julianshen/yatagarasu/internal/cache/disk"
	"github.com/julianshen/yatagarasu/internal/cache/distributed"
	"github.com/julianshen/yatagarasu/internal/cache/memory"
	"github.com/julianshen/yatagarasu/internal/cache/tiered"
	"github.com/julianshen/yatagarasu/internal/config"
	"github.com/julianshen/yatagarasu/internal/logging"
	"github.com/julianshen/yatagarasu/internal/origin"
	"github.com/julianshen/yatagarasu/internal/pipeline"
	"github.com/julianshen/yatagarasu/internal/ratelimit"
	"github.com/julianshen/yatagarasu/internal/replica"
	"github.com/julianshen/yatagarasu/internal/router"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	logger, err := logging.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "yatagarasu: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("yatagarasu exited with error", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	srv := &server{logger: logger}

	watcher, err := config.NewWatcher(configPath, logger, srv.onReload)
	if err != nil {
		return fmt.Errorf("yatagarasu: loading config: %w", err)
	}
	defer watcher.Stop()

	if err := srv.build(watcher.Current()); err != nil {
		return fmt.Errorf("yatagarasu: building pipeline: %w", err)
	}

	mux := chi.NewRouter()
	mux.Use(logging.Middleware(logger))
	mux.Get("/health", srv.handleHealth)
	mux.Handle("/*", srv)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", watcher.Current().Server.Address, watcher.Current().Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("yatagarasu listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("yatagarasu shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// server holds the live, hot-reloadable pipeline. The prewarm manager is a
// separate, admin-triggered component; wiring it to an HTTP surface is out
// of scope for this binary, so it is exercised by internal/prewarm's own
// tests instead.
type server struct {
	logger       *zap.Logger
	current      atomic.Pointer[pipeline.Pipeline]
	router       *router.Router
	rateLimiter  *ratelimit.Manager
	cacheClosers []func()
	probeCancel  context.CancelFunc
	configLoaded atomic.Bool
}

// healthProbeInterval is how often each bucket's origin replicas are probed
// in the background, independently of request traffic.
const healthProbeInterval = 30 * time.Second

// originChecker probes one bucket's replicas through their configured
// object stores so a replica's breaker can trip or recover during a lull.
type originChecker struct {
	bucket string
	stores map[string]origin.ObjectStore
}

func (c originChecker) Probe(ctx context.Context, name string) error {
	store, ok := c.stores[name]
	if !ok {
		return nil
	}
	prober, ok := store.(origin.Prober)
	if !ok {
		return nil
	}
	return prober.Probe(ctx, c.bucket)
}

// ServeHTTP forwards to whichever Pipeline build most recently installed,
// so a config hot-reload takes effect for new requests without restarting
// the listener.
func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current.Load().ServeHTTP(w, r)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	loaded := s.configLoaded.Load()
	status := "ok"
	if !loaded {
		status = "starting"
	}
	fmt.Fprintf(w, `{"status":%q,"config_loaded":%t}`, status, loaded)
}

// onReload rebuilds routing/rate-limit state from a freshly validated
// config. In-flight requests keep the Pipeline snapshot they started with;
// only new requests observe the swap. Bucket origin stores and cache tiers
// are rebuilt fresh rather than patched in place.
func (s *server) onReload(cfg *config.Config) {
	if err := s.build(cfg); err != nil {
		s.logger.Error("config reload built an invalid pipeline, keeping previous", zap.Error(err))
	}
}

func (s *server) build(cfg *config.Config) error {
	rl := ratelimit.New(ratelimit.Config{
		Global: levelConfig(cfg.Server.RateLimit.Global),
		IP:     levelConfig(cfg.Server.RateLimit.PerIP),
		User:   levelConfig(cfg.Server.RateLimit.PerUser),
	}, s.logger)

	probeCtx, probeCancel := context.WithCancel(context.Background())

	routes := make([]router.Route, 0, len(cfg.Buckets))
	var closers []func()
	for _, bc := range cfg.Buckets {
		bucket, err := buildBucket(bc, cfg.Cache, s.logger)
		if err != nil {
			rl.Close()
			closeAll(closers)
			probeCancel()
			return fmt.Errorf("bucket %q: %w", bc.Name, err)
		}
		closers = append(closers, layerClosers(bucket.Cache)...)
		go replica.StartHealthProbes(probeCtx, bucket.Replicas,
			originChecker{bucket: bc.Name, stores: bucket.Stores}, healthProbeInterval)
		routes = append(routes, router.Route{
			PathPrefix: bc.PathPrefix,
			BucketName: bc.Name,
			Handler:    bucket,
		})
	}

	rt, err := router.New(routes)
	if err != nil {
		rl.Close()
		closeAll(closers)
		probeCancel()
		return err
	}

	strategy := pipeline.StrategyWaitForComplete
	if cfg.Server.Coalescing.Strategy == config.StrategyStreaming {
		strategy = pipeline.StrategyStreaming
	}

	p := pipeline.New(pipeline.Config{
		MaxConcurrentRequests: cfg.Server.MaxConcurrentRequests,
		Security: pipeline.SecurityLimits{
			MaxHeaderBytes: cfg.Server.SecurityLimits.MaxHeaderBytes,
			MaxHeaderCount: cfg.Server.SecurityLimits.MaxHeaderCount,
			MaxURLLength:   cfg.Server.SecurityLimits.MaxURLLength,
		},
		Strategy:     strategy,
		CacheEnabled: cfg.Cache.Enabled,
	}, rl, rt, s.logger)

	if old := s.rateLimiter; old != nil {
		old.Close()
	}
	if old := s.probeCancel; old != nil {
		old() // the superseded build's replicas are no longer routed to
	}
	if old := s.cacheClosers; len(old) > 0 {
		// Requests pinned to the previous pipeline may still be in flight;
		// give them a grace period before tearing down the old tiers.
		time.AfterFunc(time.Minute, func() { closeAll(old) })
	}

	s.current.Store(p)
	s.router = rt
	s.rateLimiter = rl
	s.cacheClosers = closers
	s.probeCancel = probeCancel
	s.configLoaded.Store(true)
	return nil
}

func closeAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// layerClosers collects the teardown hooks of every tier inside layer that
// owns a background goroutine or connection pool (disk sweeps, Redis pools).
func layerClosers(layer cache.Layer) []func() {
	switch l := layer.(type) {
	case *tiered.Cache:
		var fns []func()
		for _, sub := range l.Layers() {
			fns = append(fns, layerClosers(sub)...)
		}
		return fns
	case *disk.Tier:
		return []func(){l.Close}
	case *distributed.Tier:
		return []func(){func() { _ = l.Close() }}
	default:
		return nil
	}
}

func levelConfig(c config.RateLimitLevel) ratelimit.LevelConfig {
	return ratelimit.LevelConfig{
		RatePerSecond:  c.RatePerSecond,
		Burst:          c.Burst,
		MaxTrackedKeys: c.MaxTrackedKeys,
	}
}

// buildBucket turns one config.Bucket into a runtime pipeline.Bucket:
// replica set (one Endpoint + ObjectStore per origin endpoint, each with
// its own circuit breaker), retry policy, and the tiered cache built from
// the global cache config unless the bucket overrides its TTL.
func buildBucket(bc config.Bucket, cacheCfg config.Cache, logger *zap.Logger) (*pipeline.Bucket, error) {
	if len(bc.Origin.Endpoints) == 0 {
		return nil, errors.New("at least one origin endpoint is required")
	}

	endpoints := make([]replica.Endpoint, 0, len(bc.Origin.Endpoints))
	stores := make(map[string]origin.ObjectStore, len(bc.Origin.Endpoints))
	bcfg := breakerConfig(bc)
	for i, ep := range bc.Origin.Endpoints {
		name := fmt.Sprintf("%s-%d", bc.Name, i)
		cb := breaker.New(withName(bcfg, name), logger)
		endpoints = append(endpoints, replica.Endpoint{Name: name, Breaker: cb})
		store, err := origin.NewS3Store(origin.S3Config{
			Endpoint:        ep,
			Region:          bc.Origin.Credentials.Region,
			AccessKeyID:     bc.Origin.Credentials.AccessKeyID,
			SecretAccessKey: bc.Origin.Credentials.SecretAccessKey,
			UsePathStyle:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("origin endpoint %s: %w", ep, err)
		}
		stores[name] = store
	}

	replicas, err := replica.New(endpoints)
	if err != nil {
		return nil, err
	}

	layer, err := buildCache(bc, cacheCfg)
	if err != nil {
		return nil, err
	}

	defaultTTL := cacheCfg.Memory.DefaultTTL.Std()
	if bc.CacheOverride != nil && bc.CacheOverride.DefaultTTL > 0 {
		defaultTTL = bc.CacheOverride.DefaultTTL.Std()
	}

	bucket := pipeline.NewBucket(bc.Name, layer, replicas, stores, retryPolicy(bc), defaultTTL)

	if bc.Origin.RateLimit != nil && bc.Origin.RateLimit.RatePerSecond > 0 {
		bucket.RateLimiter = ratelimit.New(ratelimit.Config{
			Bucket: levelConfig(*bc.Origin.RateLimit),
		}, logger)
	}
	return bucket, nil
}

// buildCache assembles the tiered cache for one bucket from the global
// cache.layers order. A nil return (cache.enabled=false) tells the
// pipeline to bypass caching entirely for every bucket -- per-bucket
// opt-out isn't named in the config surface, so "enabled" is global.
func buildCache(bc config.Bucket, cacheCfg config.Cache) (cache.Layer, error) {
	if !cacheCfg.Enabled || len(cacheCfg.Layers) == 0 {
		return nil, nil
	}

	layers := make([]cache.Layer, 0, len(cacheCfg.Layers))
	for _, name := range cacheCfg.Layers {
		switch name {
		case "memory":
			t, err := memory.New(memory.Config{
				MaxItemSize:  cacheCfg.Memory.MaxItemSize,
				MaxTotalSize: cacheCfg.Memory.MaxTotalSize,
				DefaultTTL:   cacheCfg.Memory.DefaultTTL.Std(),
			})
			if err != nil {
				return nil, fmt.Errorf("memory tier: %w", err)
			}
			layers = append(layers, t)
		case "disk":
			t, err := disk.New(disk.Config{
				Root:          fmt.Sprintf("%s/%s", cacheCfg.Disk.Root, bc.Name),
				MaxDiskSize:   cacheCfg.Disk.MaxDiskSize,
				SweepInterval: cacheCfg.Disk.SweepInterval.Std(),
			})
			if err != nil {
				return nil, fmt.Errorf("disk tier: %w", err)
			}
			layers = append(layers, t)
		case "distributed":
			layers = append(layers, distributed.New(distributed.Config{
				Addr:      cacheCfg.Distributed.Addr,
				Password:  cacheCfg.Distributed.Password,
				DB:        cacheCfg.Distributed.DB,
				KeyPrefix: fmt.Sprintf("%s:%s", cacheCfg.Distributed.KeyPrefix, bc.Name),
				MinTTL:    cacheCfg.Distributed.MinTTL.Std(),
				MaxTTL:    cacheCfg.Distributed.MaxTTL.Std(),
			}))
		default:
			return nil, fmt.Errorf("unknown cache layer %q", name)
		}
	}
	if len(layers) == 1 {
		return layers[0], nil
	}
	return tiered.New(layers...)
}

func breakerConfig(bc config.Bucket) breaker.Config {
	cfg := breaker.DefaultConfig(bc.Name)
	// A 404 or 304 is an authoritative origin answer, not an outage; only
	// transport failures and 5xx should count toward tripping the breaker.
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, origin.ErrNotFound) || errors.Is(err, origin.ErrNotModified)
	}
	if bc.Origin.CircuitBreaker != nil {
		cb := bc.Origin.CircuitBreaker
		if cb.MaxRequests > 0 {
			cfg.MaxRequests = cb.MaxRequests
		}
		if cb.Interval > 0 {
			cfg.Interval = cb.Interval.Std()
		}
		if cb.Timeout > 0 {
			cfg.Timeout = cb.Timeout.Std()
		}
		if cb.FailureThreshold > 0 {
			cfg.FailureThreshold = cb.FailureThreshold
		}
		if cb.MinRequests > 0 {
			cfg.MinRequests = cb.MinRequests
		}
	}
	return cfg
}

func withName(cfg breaker.Config, name string) breaker.Config {
	cfg.Name = name
	return cfg
}

func retryPolicy(bc config.Bucket) breaker.RetryPolicy {
	policy := breaker.DefaultRetryPolicy()
	if bc.Origin.Retry != nil {
		r := bc.Origin.Retry
		if r.MaxAttempts > 0 {
			policy.MaxAttempts = r.MaxAttempts
		}
		if r.BaseDelay > 0 {
			policy.BaseDelay = r.BaseDelay.Std()
		}
		if r.MaxDelay > 0 {
			policy.MaxDelay = r.MaxDelay.Std()
		}
	}
	return policy
}
