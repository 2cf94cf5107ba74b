// Blob persistence backends for cache entries and sync tasks
package cache

import (
	"context"
	"strings"
)

// GenericCache persists opaque values under slash separated keys.
// Keys look like "entries/3/example.com/index/GET"; a prefix always ends on a
// segment boundary ("entries/3/").
type GenericCache interface {
	// initializes the backend (e.g., creates necessary directories)
	Init() error
	// retrieves the stored value; returns nil, nil when not found
	Get(ctx context.Context, key string) ([]byte, error)
	// stores value, replacing any previous value atomically
	Set(ctx context.Context, key string, value []byte) error
	// removes key; removing a missing key is not an error
	Delete(ctx context.Context, key string) error
	// lists every key under prefix, sorted
	Keys(ctx context.Context, prefix string) ([]string, error)
	// removes every key under prefix
	DeletePrefix(ctx context.Context, prefix string) error
	// releases resources
	Close() error
}

// normalizeKey strips leading slashes and empty segments
func normalizeKey(key string) string {
	parts := strings.Split(key, "/")
	out := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}

// normalizePrefix returns the prefix with exactly one trailing slash, or "" for the root
func normalizePrefix(prefix string) string {
	p := normalizeKey(prefix)
	if p == "" {
		return ""
	}
	return p + "/"
}
