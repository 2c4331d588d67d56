// Package disk implements the content-addressed, on-disk cache tier.
//
// Layout: body and a JSON sidecar live under
// <root>/<first-2-hex>/<next-2-hex>/<full-hex-digest>[.meta], nesting two
// levels deep to bound directory fan-out.
// Publish is atomic: write to a temp file in the same directory, fsync, then
// rename -- both body and sidecar follow this pattern, so a reader never
// observes a half-written file.
package disk

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/julianshen/yatagarasu/internal/cachekey"
)

// Config controls the disk tier's root directory and capacity.
type Config struct {
	Root              string
	MaxDiskSize       int64
	SweepInterval     time.Duration
	SendfileThreshold int64 // files at or above this size prefer io.Copy's sendfile fast path
}

// DefaultSendfileThreshold is the size below which the syscall overhead of
// sendfile(2) isn't worth it over a single buffered read.
const DefaultSendfileThreshold = 64 * 1024

type sidecar struct {
	ContentType    string    `json:"content_type"`
	ETag           string    `json:"etag"`
	LastModified   string    `json:"last_modified"`
	ContentLength  int64     `json:"content_length"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Tier is a content-addressed on-disk cache layer with background LRU
// eviction by sidecar last-accessed time.
type Tier struct {
	cfg Config

	mu      sync.Mutex // not locked anywhere: stats are atomics and file operations are OS-serialized per path
	stats   cachekey.Stats
	nowFunc func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates the disk tier rooted at cfg.Root, creating it if absent, and
// starts the background eviction sweep.
func New(cfg Config) (*Tier, error) {
	if cfg.Root == "" {
		return nil, errors.New("disk: root directory is required")
	}
	if cfg.MaxDiskSize <= 0 {
		return nil, errors.New("disk: max disk size must be positive")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SendfileThreshold <= 0 {
		cfg.SendfileThreshold = DefaultSendfileThreshold
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create root: %w", err)
	}

	t := &Tier{
		cfg:     cfg,
		nowFunc: time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	t.stats.MaxBytes = cfg.MaxDiskSize
	go t.sweepLoop()
	return t, nil
}

// Close stops the background eviction sweep.
func (t *Tier) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
}

// Name identifies this layer for tiered-cache ordering and logging.
func (t *Tier) Name() string { return "disk" }

func (t *Tier) digest(k cachekey.Key) string {
	sum := sha256.Sum256([]byte(k.Display()))
	return hex.EncodeToString(sum[:])
}

func (t *Tier) paths(k cachekey.Key) (bodyPath, sidecarPath string) {
	hash := t.digest(k)
	dir := filepath.Join(t.cfg.Root, hash[0:2], hash[2:4])
	return filepath.Join(dir, hash), filepath.Join(dir, hash+".meta")
}

// Get reads the sidecar, checks expiration, and returns the full body. The
// response path (internal/pipeline) may slurp the returned bytes or, for
// large objects, call OpenRange directly instead of Get to stream without
// buffering the whole object.
func (t *Tier) Get(k cachekey.Key) (cachekey.Entry, bool) {
	bodyPath, sidecarPath := t.paths(k)

	sc, err := t.readSidecar(sidecarPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			// A corrupt sidecar is a miss; remove both stale files.
			if info, serr := os.Stat(bodyPath); serr == nil {
				t.stats.CurrentBytes.Add(-info.Size())
			}
			t.removeFiles(bodyPath, sidecarPath)
			t.stats.CurrentItems.Add(-1)
			t.stats.Errors.Add(1)
		}
		t.stats.Misses.Add(1)
		return cachekey.Entry{}, false
	}

	now := t.nowFunc()
	if !now.Before(sc.ExpiresAt) {
		t.dropEntry(sc, bodyPath, sidecarPath)
		t.stats.Misses.Add(1)
		return cachekey.Entry{}, false
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		// Sidecar without a body is corruption; treat as a miss and clean up.
		t.dropEntry(sc, bodyPath, sidecarPath)
		t.stats.Misses.Add(1)
		t.stats.Errors.Add(1)
		return cachekey.Entry{}, false
	}

	sc.LastAccessedAt = now
	_ = t.writeSidecar(sidecarPath, sc) // best effort; a failed touch doesn't fail the read

	entry := cachekey.NewEntry(body, sc.ContentType, sc.ETag, sc.LastModified, 0, sc.CreatedAt)
	entry.ExpiresAt = sc.ExpiresAt
	entry.LastAccessedAt = now
	t.stats.Hits.Add(1)
	return entry, true
}

// OpenRange opens the body file directly for streaming a byte range without
// buffering the whole object in memory. The caller is responsible for
// closing the returned file. On Linux, copying from *os.File into a
// *net.TCPConn-backed ResponseWriter already dispatches through
// sendfile(2) via (*net.TCPConn).ReadFrom; callers should prefer io.Copy
// over manual buffered reads once SizeBytes >= cfg.SendfileThreshold.
func (t *Tier) OpenRange(k cachekey.Key, offset, length int64) (*os.File, int64, error) {
	bodyPath, sidecarPath := t.paths(k)
	sc, err := t.readSidecar(sidecarPath)
	if err != nil {
		return nil, 0, errors.New("disk: miss")
	}
	if !t.nowFunc().Before(sc.ExpiresAt) {
		t.dropEntry(sc, bodyPath, sidecarPath)
		return nil, 0, errors.New("disk: miss")
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		t.dropEntry(sc, bodyPath, sidecarPath)
		return nil, 0, errors.New("disk: miss")
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, err
		}
	}
	n := length
	if n <= 0 {
		n = sc.ContentLength - offset
	}
	return f, n, nil
}

// PreferSendfile reports whether the object is large enough that a streaming
// io.Copy (which may use sendfile) should be preferred over a single
// buffered read.
func (t *Tier) PreferSendfile(size int64) bool {
	return size >= t.cfg.SendfileThreshold
}

// Set atomically publishes entry's body and sidecar under k. Gauges are
// charged by body length, the same basis the eviction sweep subtracts on,
// and an overwrite replaces the old entry's charge rather than adding to it.
func (t *Tier) Set(k cachekey.Key, entry cachekey.Entry) error {
	bodyPath, sidecarPath := t.paths(k)
	dir := filepath.Dir(bodyPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("disk: mkdir: %w", err)
	}

	oldSize, existed := int64(0), false
	if old, err := t.readSidecar(sidecarPath); err == nil {
		existed, oldSize = true, old.ContentLength
	}

	if err := atomicWrite(dir, bodyPath, entry.Body()); err != nil {
		return fmt.Errorf("disk: write body: %w", err)
	}

	sc := sidecar{
		ContentType:    entry.ContentType,
		ETag:           entry.ETag,
		LastModified:   entry.LastModified,
		ContentLength:  entry.ContentLength,
		CreatedAt:      entry.CreatedAt,
		ExpiresAt:      entry.ExpiresAt,
		LastAccessedAt: entry.LastAccessedAt,
	}
	if err := t.writeSidecar(sidecarPath, sc); err != nil {
		os.Remove(bodyPath)
		return fmt.Errorf("disk: write sidecar: %w", err)
	}

	t.stats.CurrentBytes.Add(entry.ContentLength - oldSize)
	if !existed {
		t.stats.CurrentItems.Add(1)
	}
	return nil
}

// Delete removes the body and sidecar for k. It reports whether either file
// existed.
func (t *Tier) Delete(k cachekey.Key) bool {
	bodyPath, sidecarPath := t.paths(k)
	existed := fileExists(bodyPath) || fileExists(sidecarPath)
	if existed {
		if sc, err := t.readSidecar(sidecarPath); err == nil {
			t.stats.CurrentBytes.Add(-sc.ContentLength)
		}
		t.stats.CurrentItems.Add(-1)
	}
	t.removeFiles(bodyPath, sidecarPath)
	return existed
}

// Clear removes every file under the tier root. It is intended for
// administrative use, not the request hot path.
func (t *Tier) Clear() {
	entries, err := os.ReadDir(t.cfg.Root)
	if err != nil {
		return
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(t.cfg.Root, e.Name()))
	}
	t.stats.CurrentBytes.Store(0)
	t.stats.CurrentItems.Store(0)
}

// Stats returns a point-in-time snapshot of tier counters and gauges.
func (t *Tier) Stats() cachekey.Snapshot {
	return t.stats.Snapshot()
}

func (t *Tier) readSidecar(path string) (sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sidecar{}, err
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return sidecar{}, err
	}
	return sc, nil
}

func (t *Tier) writeSidecar(path string, sc sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Dir(path), path, data)
}

func (t *Tier) removeFiles(paths ...string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

// dropEntry removes an entry's files and releases its gauge charge.
func (t *Tier) dropEntry(sc sidecar, bodyPath, sidecarPath string) {
	t.removeFiles(bodyPath, sidecarPath)
	t.stats.CurrentBytes.Add(-sc.ContentLength)
	t.stats.CurrentItems.Add(-1)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// atomicWrite writes data to a temp file inside dir, fsyncs it, then renames
// it to finalPath. The rename is atomic on POSIX filesystems within the same
// directory, which is why the temp file is created alongside the target
// rather than in a shared scratch directory.
func atomicWrite(dir, finalPath string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, finalPath)
}

// sweepLoop periodically evicts the least-recently-used entries once the
// tier exceeds MaxDiskSize. It runs independently of Get/Set so neither
// blocks on eviction.
func (t *Tier) sweepLoop() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

type sweepCandidate struct {
	bodyPath, sidecarPath string
	size                  int64
	lastAccessed          time.Time
}

// sweepOnce walks the tree once, and if total usage exceeds MaxDiskSize,
// removes the least-recently-accessed entries until it no longer does.
func (t *Tier) sweepOnce() {
	var candidates []sweepCandidate
	var total int64

	filepath.Walk(t.cfg.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) == ".meta" {
			return nil
		}
		sidecarPath := path + ".meta"
		sc, err := t.readSidecar(sidecarPath)
		if err != nil {
			return nil
		}
		total += info.Size()
		candidates = append(candidates, sweepCandidate{
			bodyPath:     path,
			sidecarPath:  sidecarPath,
			size:         info.Size(),
			lastAccessed: sc.LastAccessedAt,
		})
		return nil
	})

	if total <= t.cfg.MaxDiskSize {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccessed.Before(candidates[j].lastAccessed)
	})

	for _, c := range candidates {
		if total <= t.cfg.MaxDiskSize {
			break
		}
		t.removeFiles(c.bodyPath, c.sidecarPath)
		total -= c.size
		t.stats.Evictions.Add(1)
		t.stats.CurrentItems.Add(-1)
		t.stats.CurrentBytes.Add(-c.size)
	}
}
