package distributed

import (
	"testing"
	"time"

	"github.com/julianshen/yatagarasu/internal/cachekey"
)

// These tests exercise the wire encoding and TTL clamping directly; the
// Redis round-trip itself is go-redis's concern and needs a live server,
// which unit tests deliberately do not assume.

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := cachekey.NewEntry([]byte("payload-bytes"), "text/plain", "etag-7", "Mon, 01 Jan 2026 00:00:00 GMT", time.Hour, now)

	raw, err := encode(entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got.Body()) != "payload-bytes" {
		t.Fatalf("unexpected body: %q", got.Body())
	}
	if got.ContentType != "text/plain" || got.ETag != "etag-7" {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected created_at: %v", got.CreatedAt)
	}
}

func TestDecodeRejectsSchemaMismatch(t *testing.T) {
	now := time.Now()
	entry := cachekey.NewEntry([]byte("x"), "", "", "", time.Hour, now)
	raw, err := encode(entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw[0] = schemaVersion + 1

	if _, err := decode(raw); err == nil {
		t.Fatalf("expected schema mismatch to be rejected")
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	now := time.Now()
	entry := cachekey.NewEntry([]byte("some bytes"), "text/plain", "etag", "", time.Hour, now)
	raw, err := encode(entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := decode(raw[:len(raw)-2]); err == nil {
		t.Fatalf("expected truncated payload to be rejected")
	}
}

func TestDecodeRejectsEmptyPayload(t *testing.T) {
	if _, err := decode(nil); err == nil {
		t.Fatalf("expected empty payload to be rejected")
	}
}

func TestClampTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		expiresAt time.Time
		want      time.Duration
	}{
		{"below min clamps up", now.Add(100 * time.Millisecond), time.Second},
		{"above max clamps down", now.Add(48 * time.Hour), 24 * time.Hour},
		{"within range passes through", now.Add(time.Minute), time.Minute},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := clampTTL(tc.expiresAt, now, time.Second, 24*time.Hour)
			if got != tc.want {
				t.Fatalf("clampTTL() = %v, want %v", got, tc.want)
			}
		})
	}
}
