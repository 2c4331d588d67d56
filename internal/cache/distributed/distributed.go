// Package distributed implements the shared cache tier backed by Redis,
// used to coalesce cache misses across proxy instances.
//
// Entries are encoded with a small versioned binary layout rather than
// plain JSON: a 1-byte schema version followed by length-prefixed fields.
// This keeps payloads compact for frequently-fetched small objects and
// gives the tier an explicit migration seam if the layout changes -- a
// schema mismatch is treated exactly like a corrupt payload, as a miss.
package distributed

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/julianshen/yatagarasu/internal/cachekey"
)

const schemaVersion byte = 1

// Config controls the distributed tier's Redis connection and TTL bounds.
type Config struct {
	Addr          string
	Password      string
	DB            int
	KeyPrefix     string
	MinTTL        time.Duration
	MaxTTL        time.Duration
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	OperationTime time.Duration // per-call deadline applied via context
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "yatagarasu:"
	}
	if c.MinTTL <= 0 {
		c.MinTTL = time.Second
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 24 * time.Hour
	}
	if c.OperationTime <= 0 {
		c.OperationTime = 2 * time.Second
	}
	return c
}

// Tier is a Redis-backed cache layer shared across proxy instances.
type Tier struct {
	cfg    Config
	client *redis.Client
	stats  cachekey.Stats
}

// New builds a Tier connected to cfg.Addr. It does not block on connectivity;
// callers should use Ping to verify the connection is healthy.
func New(cfg Config) *Tier {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	})
	t := &Tier{cfg: cfg, client: client}
	return t
}

// Name identifies this layer for tiered-cache ordering and logging.
func (t *Tier) Name() string { return "distributed" }

func (t *Tier) redisKey(k cachekey.Key) string {
	return t.cfg.KeyPrefix + k.Display()
}

func (t *Tier) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), t.cfg.OperationTime)
}

// Ping reports whether Redis is reachable, for use by health checks.
func (t *Tier) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection pool.
func (t *Tier) Close() error {
	return t.client.Close()
}

// Get fetches and decodes the entry for k. A missing key, a Redis error, a
// schema-version mismatch, and a malformed payload are all reported as an
// ordinary miss -- the caller falls through to the next tier or the origin.
func (t *Tier) Get(k cachekey.Key) (cachekey.Entry, bool) {
	ctx, cancel := t.ctx()
	defer cancel()

	raw, err := t.client.Get(ctx, t.redisKey(k)).Bytes()
	if err != nil {
		t.stats.Misses.Add(1)
		return cachekey.Entry{}, false
	}

	entry, err := decode(raw)
	if err != nil {
		// Corruption (bad schema version, undecodable payload) is both a
		// miss and a distinct error event, so operators can tell a cold
		// key from a damaged one.
		t.stats.Misses.Add(1)
		t.stats.Errors.Add(1)
		return cachekey.Entry{}, false
	}

	t.stats.Hits.Add(1)
	return entry, true
}

// Set encodes and stores entry under k with a TTL clamped to
// [Config.MinTTL, Config.MaxTTL].
func (t *Tier) Set(k cachekey.Key, entry cachekey.Entry) error {
	payload, err := encode(entry)
	if err != nil {
		return fmt.Errorf("distributed: encode: %w", err)
	}

	ttl := clampTTL(entry.ExpiresAt, time.Now(), t.cfg.MinTTL, t.cfg.MaxTTL)

	ctx, cancel := t.ctx()
	defer cancel()

	if err := t.client.Set(ctx, t.redisKey(k), payload, ttl).Err(); err != nil {
		return fmt.Errorf("distributed: set: %w", err)
	}
	t.stats.CurrentItems.Add(1)
	return nil
}

// Delete removes k's entry, reporting whether it existed.
func (t *Tier) Delete(k cachekey.Key) bool {
	ctx, cancel := t.ctx()
	defer cancel()

	n, err := t.client.Del(ctx, t.redisKey(k)).Result()
	if err != nil || n == 0 {
		return false
	}
	t.stats.CurrentItems.Add(-1)
	return true
}

// Clear deletes every key under this tier's prefix in bounded-size batches
// using SCAN+MATCH rather than KEYS, to avoid blocking the Redis event loop
// on a large keyspace.
func (t *Tier) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var cursor uint64
	match := t.cfg.KeyPrefix + "*"
	for {
		keys, next, err := t.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			t.client.Del(ctx, keys...)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	t.stats.CurrentItems.Store(0)
}

// Stats returns a point-in-time snapshot of tier counters. CurrentBytes is
// always zero: Redis does not cheaply expose per-key-prefix memory usage,
// so this tier does not claim a byte gauge.
func (t *Tier) Stats() cachekey.Snapshot {
	return t.stats.Snapshot()
}

func clampTTL(expiresAt, now time.Time, min, max time.Duration) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl < min {
		return min
	}
	if ttl > max {
		return max
	}
	return ttl
}

// encode serializes entry as: version(1) | contentLen(varint) | content |
// contentTypeLen(varint) | contentType | etagLen(varint) | etag |
// lastModifiedLen(varint) | lastModified | createdAtUnixNano(varint) |
// expiresAtUnixNano(varint).
func encode(e cachekey.Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(schemaVersion)

	writeBytes(&buf, e.Body())
	writeBytes(&buf, []byte(e.ContentType))
	writeBytes(&buf, []byte(e.ETag))
	writeBytes(&buf, []byte(e.LastModified))
	writeVarint(&buf, e.CreatedAt.UnixNano())
	writeVarint(&buf, e.ExpiresAt.UnixNano())

	return buf.Bytes(), nil
}

var errCorruptPayload = errors.New("distributed: corrupt payload")

func decode(raw []byte) (cachekey.Entry, error) {
	if len(raw) == 0 {
		return cachekey.Entry{}, errCorruptPayload
	}
	r := bytes.NewReader(raw)

	version, err := r.ReadByte()
	if err != nil {
		return cachekey.Entry{}, errCorruptPayload
	}
	if version != schemaVersion {
		return cachekey.Entry{}, errCorruptPayload
	}

	body, err := readBytes(r)
	if err != nil {
		return cachekey.Entry{}, errCorruptPayload
	}
	contentType, err := readBytes(r)
	if err != nil {
		return cachekey.Entry{}, errCorruptPayload
	}
	etag, err := readBytes(r)
	if err != nil {
		return cachekey.Entry{}, errCorruptPayload
	}
	lastModified, err := readBytes(r)
	if err != nil {
		return cachekey.Entry{}, errCorruptPayload
	}
	createdAtNano, err := binary.ReadVarint(r)
	if err != nil {
		return cachekey.Entry{}, errCorruptPayload
	}
	expiresAtNano, err := binary.ReadVarint(r)
	if err != nil {
		return cachekey.Entry{}, errCorruptPayload
	}

	createdAt := time.Unix(0, createdAtNano).UTC()
	expiresAt := time.Unix(0, expiresAtNano).UTC()

	entry := cachekey.NewEntry(body, string(contentType), string(etag), string(lastModified), 0, createdAt)
	entry.ExpiresAt = expiresAt
	return entry, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeVarint(buf, int64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadVarint(r)
	if err != nil || n < 0 || int64(r.Len()) < n {
		return nil, errCorruptPayload
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}
