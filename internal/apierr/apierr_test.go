package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusCodeMapping(t *testing.T) {
	cases := map[Kind]int{
		KindAuth:            http.StatusUnauthorized,
		KindAuthorization:   http.StatusForbidden,
		KindNotFound:        http.StatusNotFound,
		KindOrigin:          http.StatusBadGateway,
		KindTooManyRequests: http.StatusTooManyRequests,
		KindSaturated:       http.StatusServiceUnavailable,
		KindInternal:        http.StatusInternalServerError,
		KindConfig:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		err := New(kind, "x")
		if got := err.StatusCode(); got != want {
			t.Errorf("%s: StatusCode() = %d, want %d", kind, got, want)
		}
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(KindOrigin, "fetch failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected Wrap to preserve cause for errors.Is")
	}
}

func TestWriteJSONBodyShape(t *testing.T) {
	rec := httptest.NewRecorder()
	err := &Error{Kind: KindNotFound, Message: "no such object", RequestID: "req-1"}
	WriteJSON(rec, err)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var decoded body
	if jsonErr := json.Unmarshal(rec.Body.Bytes(), &decoded); jsonErr != nil {
		t.Fatalf("Unmarshal: %v", jsonErr)
	}
	if decoded.Error != "not_found" || decoded.Status != 404 || decoded.RequestID != "req-1" {
		t.Fatalf("unexpected body: %+v", decoded)
	}
}

func TestWriteJSONSetsRetryAfterForRateLimitKinds(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, New(KindTooManyRequests, "slow down"))
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on rate-limit error")
	}
}
