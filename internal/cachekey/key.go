// Package cachekey defines the identity and payload model shared by every
// cache tier: CacheKey (what is cached) and CacheEntry (what is stored for it).
//
// Design Notes:
//   - CacheKey's display form is percent-encoded except for '/', so S3-style
//     object keys stay readable while still round-tripping exactly.
//   - CacheEntry.Body is wrapped in a small ref-counted byte holder so that
//     tier promotion and write-through can share one underlying array instead
//     of copying large objects between layers.
package cachekey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidFormat is returned by Parse when the input is not a valid
// display-form CacheKey.
var ErrInvalidFormat = errors.New("cachekey: invalid format")

// Key identifies one cached object, optionally namespaced to a derivative
// variant (e.g. a compressed or watermarked rendition of the same origin
// object). Two keys are equal iff Bucket, ObjectKey and VariantTag are equal;
// any ETag carried alongside a Key during lookup is advisory only and is not
// part of identity.
type Key struct {
	Bucket     string
	ObjectKey  string
	VariantTag string // empty means "no variant"
}

// New builds a Key with no variant tag.
func New(bucket, objectKey string) Key {
	return Key{Bucket: bucket, ObjectKey: objectKey}
}

// WithVariant returns a copy of k namespaced under the given variant tag.
func (k Key) WithVariant(tag string) Key {
	k.VariantTag = tag
	return k
}

// Display renders the canonical, stable string form of the key:
// "bucket:encoded_object_key[:variant]". encoded_object_key is percent-encoded
// except '/', which is preserved because it is a meaningful S3 path
// separator, not an escapable character.
func (k Key) Display() string {
	var b strings.Builder
	b.WriteString(k.Bucket)
	b.WriteByte(':')
	b.WriteString(encodeObjectKey(k.ObjectKey))
	if k.VariantTag != "" {
		b.WriteByte(':')
		b.WriteString(k.VariantTag)
	}
	return b.String()
}

// String implements fmt.Stringer via Display.
func (k Key) String() string { return k.Display() }

// Parse is the strict inverse of Display. It fails with ErrInvalidFormat on a
// missing separator, an empty bucket, an empty object key, or a malformed
// percent-escape.
func Parse(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return Key{}, ErrInvalidFormat
	}
	bucket := parts[0]
	if bucket == "" {
		return Key{}, ErrInvalidFormat
	}
	encodedKey := parts[1]
	if encodedKey == "" {
		return Key{}, ErrInvalidFormat
	}
	objectKey, err := decodeObjectKey(encodedKey)
	if err != nil {
		return Key{}, ErrInvalidFormat
	}
	k := Key{Bucket: bucket, ObjectKey: objectKey}
	if len(parts) == 3 {
		k.VariantTag = parts[2]
	}
	return k, nil
}

// isUnreserved reports whether c is left unescaped by encodeObjectKey.
func isUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}

func encodeObjectKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '/', isUnreserved(c):
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func decodeObjectKey(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", ErrInvalidFormat
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", ErrInvalidFormat
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}
