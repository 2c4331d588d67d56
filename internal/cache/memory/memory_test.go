package memory

import (
	"testing"
	"time"

	"github.com/julianshen/yatagarasu/internal/cachekey"
)

func newTestTier(t *testing.T, maxItemSize, maxTotalSize int64) *Tier {
	t.Helper()
	tier, err := New(Config{
		MaxItemSize:  maxItemSize,
		MaxTotalSize: maxTotalSize,
		DefaultTTL:   time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tier
}

func TestLRUSafety(t *testing.T) {
	now := time.Now()
	body := make([]byte, 128)
	entry := cachekey.NewEntry(body, "", "", "", time.Hour, now)
	size := entry.SizeBytes()

	const k = 5
	const n = 12
	capacity := size * k

	tier := newTestTier(t, size+1, capacity)

	for i := 0; i < n; i++ {
		key := cachekey.New("b", string(rune('a'+i)))
		if err := tier.Set(key, entry); err != nil {
			t.Fatalf("Set #%d: %v", i, err)
		}
		if tier.stats.CurrentBytes.Load() > capacity {
			t.Fatalf("current bytes %d exceeds capacity %d after insert %d", tier.stats.CurrentBytes.Load(), capacity, i)
		}
	}

	snap := tier.Stats()
	wantEvictions := int64(n - k)
	if snap.Evictions != wantEvictions {
		t.Fatalf("expected %d evictions, got %d", wantEvictions, snap.Evictions)
	}
	if snap.CurrentBytes > capacity {
		t.Fatalf("final current bytes %d exceeds capacity %d", snap.CurrentBytes, capacity)
	}
}

func TestSetRejectsOversizedEntry(t *testing.T) {
	tier := newTestTier(t, 10, 100)
	entry := cachekey.NewEntry(make([]byte, 200), "", "", "", time.Hour, time.Now())
	if err := tier.Set(cachekey.New("b", "k"), entry); err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestGetExpiredIsRemoved(t *testing.T) {
	tier := newTestTier(t, 1024, 4096)
	now := time.Now()
	tier.nowFunc = func() time.Time { return now }

	entry := cachekey.NewEntry([]byte("x"), "", "", "", time.Second, now)
	key := cachekey.New("b", "k")
	if err := tier.Set(key, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	tier.nowFunc = func() time.Time { return now.Add(2 * time.Second) }
	if _, ok := tier.Get(key); ok {
		t.Fatalf("expected expired entry to miss")
	}
	if _, ok := tier.items[key]; ok {
		t.Fatalf("expected expired entry to be removed from the map")
	}
}

func TestDeleteReportsPresence(t *testing.T) {
	tier := newTestTier(t, 1024, 4096)
	key := cachekey.New("b", "k")
	if tier.Delete(key) {
		t.Fatalf("expected delete of absent key to report false")
	}
	entry := cachekey.NewEntry([]byte("x"), "", "", "", time.Hour, time.Now())
	_ = tier.Set(key, entry)
	if !tier.Delete(key) {
		t.Fatalf("expected delete of present key to report true")
	}
}

func TestValidateRejectsItemLargerThanTotal(t *testing.T) {
	_, err := New(Config{MaxItemSize: 100, MaxTotalSize: 10, DefaultTTL: time.Hour})
	if err == nil {
		t.Fatalf("expected validation error")
	}
}
