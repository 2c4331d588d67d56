package cachekey

import "testing"

func TestDisplayParseRoundTrip(t *testing.T) {
	cases := []Key{
		New("products", "images/cat.png"),
		New("my-bucket", "a b/c?d"),
		New("b", "key").WithVariant("webp-q80"),
		New("b", "weird/key with spaces & stuff.json"),
	}
	for _, k := range cases {
		disp := k.Display()
		got, err := Parse(disp)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", disp, err)
		}
		if got != k {
			t.Fatalf("round trip mismatch: got %+v want %+v (display=%q)", got, k, disp)
		}
	}
}

func TestDisplayPreservesSlash(t *testing.T) {
	k := New("bucket", "a/b/c")
	disp := k.Display()
	if disp != "bucket:a/b/c" {
		t.Fatalf("expected slashes preserved, got %q", disp)
	}
}

func TestParseRejectsInvalidFormat(t *testing.T) {
	cases := []string{
		"",
		"no-colon",
		":missingbucket",
		"bucket:",
		"bucket:%zz",
		"bucket:%4",
	}
	for _, s := range cases {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", s)
		}
	}
}

func TestKeyEqualityIgnoresNothingButTheThreeFields(t *testing.T) {
	a := New("b", "k")
	b := New("b", "k")
	if a != b {
		t.Fatalf("expected equal keys")
	}
	c := a.WithVariant("v1")
	if a == c {
		t.Fatalf("expected variant tag to distinguish keys")
	}
}
