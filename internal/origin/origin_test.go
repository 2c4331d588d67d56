package origin

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
)

func TestHeadersFromResult(t *testing.T) {
	res := &GetResult{ContentType: "text/plain", ETag: "etag-1", LastModified: "Mon, 01 Jan 2026 00:00:00 GMT"}
	h := HeadersFromResult(res)
	if h.Get("Content-Type") != "text/plain" || h.Get("ETag") != "etag-1" {
		t.Fatalf("unexpected headers: %v", h)
	}
}

func TestClassifyErrorMapsNoSuchKeyStyleAPIError(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "NoSuchKey", Message: "not found"}
	got := classifyError(apiErr)
	if !errors.Is(got, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", got)
	}
}

func TestClassifyErrorDefaultsToUnavailable(t *testing.T) {
	got := classifyError(errors.New("network blip"))
	if !errors.Is(got, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", got)
	}
}

// fakeStore is a trivial ObjectStore used to confirm the interface shape is
// consumable the way the pipeline package needs.
type fakeStore struct {
	body string
}

func (f *fakeStore) Get(ctx context.Context, req GetRequest) (*GetResult, error) {
	if req.Key == "missing" {
		return nil, ErrNotFound
	}
	return &GetResult{Body: io.NopCloser(strings.NewReader(f.body)), ContentLength: int64(len(f.body))}, nil
}

func TestFakeStoreSatisfiesObjectStore(t *testing.T) {
	var store ObjectStore = &fakeStore{body: "hello"}
	res, err := store.Get(context.Background(), GetRequest{Bucket: "b", Key: "k"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %q", body)
	}

	if _, err := store.Get(context.Background(), GetRequest{Bucket: "b", Key: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
