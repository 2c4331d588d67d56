package router

import "testing"

func TestMultiBucketRouting(t *testing.T) {
	r, err := New([]Route{
		{PathPrefix: "/products", BucketName: "A"},
		{PathPrefix: "/images", BucketName: "B"},
		{PathPrefix: "/videos", BucketName: "C"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := map[string]string{
		"/products/x.txt": "A",
		"/images/x.txt":   "B",
		"/videos/x.txt":   "C",
	}
	for path, want := range cases {
		route, err := r.Match(path)
		if err != nil {
			t.Fatalf("Match(%q): %v", path, err)
		}
		if route.BucketName != want {
			t.Fatalf("Match(%q) = %q, want %q", path, route.BucketName, want)
		}
	}

	if _, err := r.Match("/unknown/x.txt"); err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch for unconfigured prefix, got %v", err)
	}
}

func TestLongestPrefixWins(t *testing.T) {
	r, err := New([]Route{
		{PathPrefix: "/api", BucketName: "P"},
		{PathPrefix: "/api/v2", BucketName: "Q"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	route, err := r.Match("/api/v2/f")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if route.BucketName != "Q" {
		t.Fatalf("expected longest prefix /api/v2 to win, got %q", route.BucketName)
	}

	route, err = r.Match("/api/f")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if route.BucketName != "P" {
		t.Fatalf("expected /api to match, got %q", route.BucketName)
	}
}

func TestPrefixRequiresBoundary(t *testing.T) {
	r, err := New([]Route{{PathPrefix: "/api", BucketName: "P"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Match("/apiextra"); err != ErrNoMatch {
		t.Fatalf("expected /apiextra to not match /api, got %v", err)
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	r, err := New([]Route{{PathPrefix: "/old", BucketName: "Old"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Reload([]Route{{PathPrefix: "/new", BucketName: "New"}}); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, err := r.Match("/old/x"); err != ErrNoMatch {
		t.Fatalf("expected old route to be gone after reload")
	}
	route, err := r.Match("/new/x")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if route.BucketName != "New" {
		t.Fatalf("expected new route, got %q", route.BucketName)
	}
}

func TestNewRejectsDuplicatePrefixes(t *testing.T) {
	_, err := New([]Route{
		{PathPrefix: "/a", BucketName: "A"},
		{PathPrefix: "/a", BucketName: "B"},
	})
	if err == nil {
		t.Fatalf("expected error for duplicate prefixes")
	}
}

func TestNewRejectsEmptyRouteList(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for empty route list")
	}
}
