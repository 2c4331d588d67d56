// Package pipeline is the request-serving spinal cord:
// admission -> rate limits -> routing -> cache lookup -> miss-coalesce ->
// origin fetch -> cache insert -> response.
//
// Every suspension point (admission semaphore, cache tier I/O, coalescing
// slot wait, origin HTTP call, broadcasting to followers, writing to the
// client) is a plain blocking Go call here; cancellation flows through
// context.Context and one deferred permit release covering an entire
// request's resource lifecycle rather than one critical section.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/julianshen/yatagarasu/internal/apierr"
	"github.com/julianshen/yatagarasu/internal/breaker"
	"github.com/julianshen/yatagarasu/internal/cache"
	"github.com/julianshen/yatagarasu/internal/cachekey"
	"github.com/julianshen/yatagarasu/internal/coalesce"
	"github.com/julianshen/yatagarasu/internal/logging"
	"github.com/julianshen/yatagarasu/internal/origin"
	"github.com/julianshen/yatagarasu/internal/ratelimit"
	"github.com/julianshen/yatagarasu/internal/replica"
	"github.com/julianshen/yatagarasu/internal/resources"
	"github.com/julianshen/yatagarasu/internal/router"
)

// Strategy selects which request-coalescing variant the pipeline uses for
// cache misses.
type Strategy string

const (
	StrategyWaitForComplete Strategy = "wait_for_complete"
	StrategyStreaming       Strategy = "streaming"
)

// streamChunkSize bounds how much of the origin body is read into memory
// at once when fanning out to streaming followers.
const streamChunkSize = 32 * 1024

// Transformer is the narrow contract a response transformer (compression,
// image transform, watermark) satisfies; the concrete transformers
// themselves are out of scope here, this package only consumes the
// interface and composes variant tags from it.
type Transformer interface {
	// Fragment returns this transformer's contribution to the cache-key
	// variant tag for the given request/principal, or "" if it does not
	// apply to this request.
	Fragment(r *http.Request, principal Principal) string
	// Apply transforms body in place, returning the transformed bytes.
	Apply(ctx context.Context, body []byte, headers http.Header) ([]byte, error)
}

// Principal is the authentication/authorization output the pipeline
// consumes but does not itself compute; auth/authz are external
// collaborators.
type Principal struct {
	UserID string
	Claims map[string]string
}

// SecurityLimits bounds request shapes admitted before any other work is
// done.
type SecurityLimits struct {
	MaxHeaderBytes int
	MaxHeaderCount int
	MaxURLLength   int
}

// Bucket is the per-bucket routing record's runtime state: cache,
// replicas, retry/breaker policy (carried inside Replicas' endpoints), an
// optional per-bucket rate limiter, and the ordered transformer chain
// (compression, image transform, watermark -- a fixed order).
type Bucket struct {
	Name         string
	Cache        cache.Layer // nil disables caching for this bucket (Cache-Status: bypass)
	Replicas     *replica.Set
	Stores       map[string]origin.ObjectStore // keyed by replica.Endpoint.Name
	Retry        breaker.RetryPolicy
	DefaultTTL   time.Duration
	RateLimiter  *ratelimit.Manager // optional bucket-scoped limiter, Bucket level only
	Transformers []Transformer      // fixed order: compression, image-transform, watermark
}

// NewBucket builds a Bucket, composing retry.Retryable so a breaker-open
// error stops retrying immediately (the next replica is tried instead of
// wasting backoff delay against a replica already known to be down), and
// so authoritative origin answers (404, 304) are never retried.
func NewBucket(name string, c cache.Layer, replicas *replica.Set, stores map[string]origin.ObjectStore, retry breaker.RetryPolicy, defaultTTL time.Duration) *Bucket {
	base := retry.Retryable
	retry.Retryable = func(err error) bool {
		if errors.Is(err, breaker.ErrOpen) ||
			errors.Is(err, origin.ErrNotFound) ||
			errors.Is(err, origin.ErrNotModified) {
			return false
		}
		if base != nil {
			return base(err)
		}
		return true
	}
	return &Bucket{
		Name:       name,
		Cache:      c,
		Replicas:   replicas,
		Stores:     stores,
		Retry:      retry,
		DefaultTTL: defaultTTL,
	}
}

// Config configures a Pipeline.
type Config struct {
	MaxConcurrentRequests int
	AdmissionTimeout      time.Duration
	RequestTimeout        time.Duration
	Security              SecurityLimits
	Strategy              Strategy
	CacheEnabled          bool
}

// Pipeline wires admission, rate limiting, routing, coalescing, and origin
// failover into one http.Handler.
type Pipeline struct {
	cfg Config

	semaphore chan struct{}
	resources *resources.Monitor

	rateLimiter *ratelimit.Manager
	router      *router.Router

	once   *coalesce.Once
	stream *coalesce.StreamCoalescer

	logger *zap.Logger

	now func() time.Time
}

// New builds a Pipeline. rl and rt may be the same *router.Router/Manager
// shared across reload boundaries; the pipeline only ever reads through
// them via their own atomic/locked accessors. A config hot-reload builds a
// new Pipeline and swaps it in.
func New(cfg Config, rl *ratelimit.Manager, rt *router.Router, logger *zap.Logger) *Pipeline {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1024
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = 200 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:         cfg,
		semaphore:   make(chan struct{}, cfg.MaxConcurrentRequests),
		resources:   resources.New(),
		rateLimiter: rl,
		router:      rt,
		once:        coalesce.NewOnce(),
		stream:      coalesce.NewStreamCoalescer(),
		logger:      logger,
		now:         time.Now,
	}
}

// ServeHTTP implements the full request-serving pipeline.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := p.now()
	requestID := logging.RequestID(r.Context())

	if err := p.checkSecurityLimits(r); err != nil {
		p.writeError(w, requestID, err)
		return
	}

	release, ok := p.admit(r.Context())
	if !ok {
		p.writeError(w, requestID, apierr.New(apierr.KindSaturated, "server is at capacity"))
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.RequestTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	principal := principalFromRequest(r)
	if allowed, level := p.rateLimiter.Allow(ratelimit.Request{
		IP:   clientIP(r),
		User: principal.UserID,
	}); !allowed {
		p.writeError(w, requestID, apierr.Wrap(apierr.KindTooManyRequests,
			fmt.Sprintf("rate limit exceeded: %s", level), nil))
		return
	}

	route, err := p.router.Match(r.URL.Path)
	if err != nil {
		p.writeError(w, requestID, apierr.New(apierr.KindNotFound, "no bucket matches this path"))
		return
	}
	bucket, ok := route.Handler.(*Bucket)
	if !ok || bucket == nil {
		p.writeError(w, requestID, apierr.New(apierr.KindInternal, "route has no bucket bound"))
		return
	}

	if bucket.RateLimiter != nil {
		if allowed, level := bucket.RateLimiter.Allow(ratelimit.Request{Bucket: bucket.Name}); !allowed {
			p.writeError(w, requestID, apierr.Wrap(apierr.KindTooManyRequests,
				fmt.Sprintf("rate limit exceeded: %s", level), nil))
			return
		}
	}

	objectKey := strings.TrimPrefix(r.URL.Path, route.PathPrefix)
	objectKey = strings.TrimPrefix(objectKey, "/")

	variantTag := p.variantTag(bucket, r, principal)
	key := cachekey.New(bucket.Name, objectKey).WithVariant(variantTag)

	status := p.serve(ctx, w, r, bucket, key, objectKey)

	p.logger.Info("request completed",
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("bucket", bucket.Name),
		zap.String("status", status),
		zap.Duration("duration", p.now().Sub(start)))
}

// variantTag composes the cache-key variant fragment in a fixed order
// (compression, image-transform, watermark -- the caller-supplied
// Transformers slice must already be in that order).
func (p *Pipeline) variantTag(b *Bucket, r *http.Request, principal Principal) string {
	var fragments []string
	for _, t := range b.Transformers {
		if frag := t.Fragment(r, principal); frag != "" {
			fragments = append(fragments, frag)
		}
	}
	if len(fragments) == 0 {
		return ""
	}
	return strings.Join(fragments, "+")
}

func principalFromRequest(r *http.Request) Principal {
	return Principal{UserID: r.Header.Get("X-Principal-Id")}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		return host[:i]
	}
	return host
}

func (p *Pipeline) checkSecurityLimits(r *http.Request) error {
	lim := p.cfg.Security
	if lim.MaxURLLength > 0 && len(r.URL.String()) > lim.MaxURLLength {
		return apierr.New(apierr.KindAuth, "request URL too long")
	}
	if lim.MaxHeaderCount > 0 && len(r.Header) > lim.MaxHeaderCount {
		return apierr.New(apierr.KindAuth, "too many request headers")
	}
	if lim.MaxHeaderBytes > 0 {
		total := 0
		for k, vs := range r.Header {
			total += len(k)
			for _, v := range vs {
				total += len(v)
			}
		}
		if total > lim.MaxHeaderBytes {
			return apierr.New(apierr.KindAuth, "request headers too large")
		}
	}
	return nil
}

// admit acquires one permit from the admission semaphore, bounding the
// wait by AdmissionTimeout -- the single mechanism that bounds worst-case
// memory under surge. The returned release function must be called
// exactly once, including on every error/panic path.
func (p *Pipeline) admit(ctx context.Context) (func(), bool) {
	timer := time.NewTimer(p.cfg.AdmissionTimeout)
	defer timer.Stop()

	select {
	case p.semaphore <- struct{}{}:
		done := p.resources.Enter()
		return func() {
			done()
			<-p.semaphore
		}, true
	case <-ctx.Done():
		return func() {}, false
	case <-timer.C:
		return func() {}, false
	}
}

func (p *Pipeline) writeError(w http.ResponseWriter, requestID string, err error) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.Wrap(apierr.KindInternal, "internal error", err)
	}
	apiErr.RequestID = requestID
	apierr.WriteJSON(w, apiErr)
}

// serve implements cache lookup through response writing and returns a
// short status token for the completion log line.
func (p *Pipeline) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, b *Bucket, key cachekey.Key, objectKey string) string {
	requestID := logging.RequestID(ctx)

	if b.Cache == nil || !p.cfg.CacheEnabled || r.Header.Get("Cache-Control") == "no-cache" {
		p.serveBypass(ctx, w, r, b, key, objectKey)
		return "bypass"
	}

	now := p.now()
	if entry, ok := b.Cache.Get(key); ok {
		if !entry.IsExpired(now) {
			p.writeEntry(w, r, entry, "hit")
			return "hit"
		}
		if entry.ETag != "" {
			if revalidated, newEntry := p.revalidate(ctx, b, objectKey, entry); revalidated {
				b.Cache.Set(key, newEntry)
				p.writeEntry(w, r, newEntry, "revalidated")
				return "revalidated"
			}
		}
	}

	entry, alreadyWritten, err := p.fetchOrCoalesce(ctx, w, r, b, key, objectKey)
	if err != nil {
		if !alreadyWritten {
			p.writeError(w, requestID, classifyOriginError(err))
		}
		return "error"
	}
	if entry != nil {
		b.Cache.Set(key, *entry)
	}
	if !alreadyWritten {
		p.writeEntry(w, r, *entry, "miss")
	}
	return "miss"
}

func (p *Pipeline) serveBypass(ctx context.Context, w http.ResponseWriter, r *http.Request, b *Bucket, key cachekey.Key, objectKey string) {
	requestID := logging.RequestID(ctx)
	res, err := p.fetchFromOrigin(ctx, b, originRequestFor(r, b.Name, objectKey))
	if err != nil {
		p.writeError(w, requestID, classifyOriginError(err))
		return
	}
	defer res.Body.Close()

	h := origin.HeadersFromResult(res)
	for k, vs := range h {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Status", "bypass")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, res.Body)
	}
}

// revalidate issues a conditional origin GET with If-None-Match and
// reports whether the cached entry is still current.
func (p *Pipeline) revalidate(ctx context.Context, b *Bucket, objectKey string, entry cachekey.Entry) (bool, cachekey.Entry) {
	req := origin.GetRequest{Bucket: b.Name, Key: objectKey, IfNoneMatch: entry.ETag}
	res, err := p.fetchFromOrigin(ctx, b, req)
	if res != nil && res.Body != nil {
		res.Body.Close() // object changed; the miss path refetches it in full
	}
	if errors.Is(err, origin.ErrNotModified) {
		extended := entry
		extended.ExpiresAt = p.now().Add(b.DefaultTTL)
		return true, extended
	}
	return false, cachekey.Entry{}
}

// fetchOrCoalesce acquires a coalescing slot for key and either becomes
// the leader (fetches from origin) or a follower (waits on/streams the
// leader's result), per the pipeline's configured Strategy.
// The bool return reports whether a response was already written to w (the
// streaming strategy writes incrementally as chunks arrive, so by the time
// it fails partway through, headers may already be on the wire) so serve()
// knows whether it still owes the client a writeEntry/writeError call.
func (p *Pipeline) fetchOrCoalesce(ctx context.Context, w http.ResponseWriter, r *http.Request, b *Bucket, key cachekey.Key, objectKey string) (*cachekey.Entry, bool, error) {
	if p.cfg.Strategy == StrategyStreaming {
		return p.fetchStreaming(ctx, w, r, b, key, objectKey)
	}
	entry, err := p.fetchWaitForComplete(ctx, b, key, objectKey)
	return entry, false, err
}

// fetchWaitForComplete implements the wait-for-complete coalescing
// variant: the leader buffers the full body, every waiter (leader and
// followers alike) receives the same (*cachekey.Entry, error).
func (p *Pipeline) fetchWaitForComplete(ctx context.Context, b *Bucket, key cachekey.Key, objectKey string) (*cachekey.Entry, error) {
	v, err, _ := p.once.Do(key.Display(), func() (any, error) {
		// The leader's fetch is detached from its own client's context:
		// a leader whose client disconnects still runs to completion so
		// followers receive the entry and the cache write proceeds.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RequestTimeout)
		defer cancel()

		res, ferr := p.fetchFromOrigin(fctx, b, origin.GetRequest{Bucket: b.Name, Key: objectKey})
		if ferr != nil {
			return nil, ferr
		}
		defer res.Body.Close()

		body, rerr := io.ReadAll(res.Body)
		if rerr != nil {
			return nil, fmt.Errorf("%w: reading origin body: %v", origin.ErrUnavailable, rerr)
		}
		entry := cachekey.NewEntry(body, res.ContentType, res.ETag, res.LastModified, b.DefaultTTL, p.now())
		return &entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cachekey.Entry), nil
}

// fetchStreaming implements the real-time streaming coalescing variant:
// the leader reads the origin body in bounded chunks, writes each chunk to
// its own client and broadcasts it to followers, and accumulates the full
// body for the eventual cache write-through.
func (p *Pipeline) fetchStreaming(ctx context.Context, w http.ResponseWriter, r *http.Request, b *Bucket, key cachekey.Key, objectKey string) (*cachekey.Entry, bool, error) {
	leader, followerCh, isLeader := p.stream.Acquire(key.Display())
	if !isLeader {
		return p.streamFollow(w, r, followerCh)
	}

	// Detached from the leader's own client context: if that client
	// disconnects mid-stream, the broadcast to followers and the cache
	// write still run to completion.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RequestTimeout)
	defer cancel()

	res, err := p.fetchFromOrigin(fctx, b, origin.GetRequest{Bucket: b.Name, Key: objectKey})
	if err != nil {
		leader.Fail(err)
		return nil, false, err // nothing written yet; caller still owes the client a response
	}
	defer res.Body.Close()

	headers := origin.HeadersFromResult(res)
	headers.Set("Accept-Ranges", "bytes")
	headers.Set("Cache-Status", "miss")
	leader.SendHeaders(headers)
	writeHeader(w, headers, http.StatusOK)

	var body []byte
	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := res.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			body = append(body, chunk...)
			leader.SendChunk(chunk)
			if r.Method != http.MethodHead {
				_, _ = w.Write(chunk)
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			leader.Fail(rerr)
			return nil, true, fmt.Errorf("%w: streaming origin body: %v", origin.ErrUnavailable, rerr)
		}
	}
	leader.Finish()

	entry := cachekey.NewEntry(body, res.ContentType, res.ETag, res.LastModified, b.DefaultTTL, p.now())
	return &entry, true, nil
}

// streamFollow reads a follower's broadcast channel and serves its
// client in real time, per the exact [Headers, Chunk*, (Done|Error)]
// ordering the streaming strategy requires. The cache write-through was already
// performed by the leader, so a follower returns (nil, ..., nil) on
// success rather than a redundant entry to re-insert. The bool return
// reports whether headers were already written to w, so the caller knows
// whether it may still write an error response of its own.
func (p *Pipeline) streamFollow(w http.ResponseWriter, r *http.Request, ch <-chan coalesce.StreamMessage) (*cachekey.Entry, bool, error) {
	headerWritten := false
	for msg := range ch {
		switch msg.Kind {
		case coalesce.MessageHeaders:
			writeHeader(w, msg.Headers, http.StatusOK)
			headerWritten = true
		case coalesce.MessageChunk:
			if r.Method != http.MethodHead {
				_, _ = w.Write(msg.Chunk)
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case coalesce.MessageDone:
			return nil, true, nil
		case coalesce.MessageError:
			if errors.Is(msg.Err, coalesce.ErrLagged) {
				return nil, headerWritten, apierr.New(apierr.KindSaturated, "follower lagged behind stream, retry")
			}
			return nil, headerWritten, msg.Err
		}
	}
	// The channel closed without a terminal Done/Error: either this follower
	// lagged and was dropped with no room left for the ErrLagged notice, or
	// the leader tore the stream down between this follower's subscription
	// and its first read. Fail retryably rather than report a truncated body
	// as success.
	return nil, headerWritten, apierr.New(apierr.KindSaturated, "stream ended before completion, retry")
}

func writeHeader(w http.ResponseWriter, h http.Header, status int) {
	for k, vs := range h {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
}

// fetchFromOrigin attempts each healthy replica in order, applying b's
// retry policy per attempt, and moves to the next replica on a broken
// circuit or exhausted retries.
func (p *Pipeline) fetchFromOrigin(ctx context.Context, b *Bucket, req origin.GetRequest) (*origin.GetResult, error) {
	var lastErr error
	for _, ep := range b.Replicas.Endpoints() {
		if ep.Breaker.IsOpen() {
			continue
		}
		store, ok := b.Stores[ep.Name]
		if !ok || store == nil {
			continue
		}

		var result *origin.GetResult
		err := b.Retry.Do(ctx, func() error {
			raw, cerr := ep.Breaker.Execute(func() (any, error) {
				return store.Get(ctx, req)
			})
			if cerr != nil {
				return cerr
			}
			result = raw.(*origin.GetResult)
			return nil
		})

		if err == nil {
			return result, nil
		}
		if errors.Is(err, origin.ErrNotFound) || errors.Is(err, origin.ErrNotModified) {
			return nil, err // authoritative answer, not a failover trigger
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = replica.ErrNoHealthyReplica
	}
	return nil, lastErr
}

func originRequestFor(r *http.Request, bucket, objectKey string) origin.GetRequest {
	req := origin.GetRequest{Bucket: bucket, Key: objectKey, IfNoneMatch: r.Header.Get("If-None-Match")}
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		if rng, ok := parseRange(rangeHeader); ok {
			req.Range = &rng
		}
	}
	return req
}

func parseRange(header string) (origin.Range, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return origin.Range{}, false
	}
	parts := strings.SplitN(strings.TrimPrefix(header, prefix), "-", 2)
	if len(parts) != 2 {
		return origin.Range{}, false
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return origin.Range{}, false
	}
	return origin.Range{Start: start, End: end}, true
}

func classifyOriginError(err error) error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, origin.ErrNotFound):
		return apierr.Wrap(apierr.KindNotFound, "object not found", err)
	case errors.Is(err, replica.ErrNoHealthyReplica), errors.Is(err, origin.ErrUnavailable):
		return apierr.Wrap(apierr.KindOrigin, "origin unavailable", err)
	case errors.Is(err, coalesce.ErrLagged):
		return apierr.Wrap(apierr.KindSaturated, "retry: follower lagged", err)
	default:
		return apierr.Wrap(apierr.KindInternal, "unexpected error", err)
	}
}

// writeEntry serves a cached entry to the client, honoring Range and
// If-None-Match, and setting the Cache-Status header to the supplied
// token.
func (p *Pipeline) writeEntry(w http.ResponseWriter, r *http.Request, entry cachekey.Entry, cacheStatus string) {
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == entry.ETag {
		w.Header().Set("Cache-Status", cacheStatus)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	body := entry.Body()
	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" {
		if parsed, ok := parseRange(rng); ok && parsed.Start >= 0 && parsed.End < int64(len(body)) && parsed.Start <= parsed.End {
			body = body[parsed.Start : parsed.End+1]
			status = http.StatusPartialContent
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", parsed.Start, parsed.End, entry.ContentLength))
		}
	}

	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	if entry.ETag != "" {
		w.Header().Set("ETag", entry.ETag)
	}
	if entry.LastModified != "" {
		w.Header().Set("Last-Modified", entry.LastModified)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Status", cacheStatus)
	w.WriteHeader(status)

	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}
