package cache

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
	"github.com/iTrooz/offline-cache-proxy/internal/metrics"
)

// Ensure MemoryCache implements GenericCache
var _ GenericCache = (*MemoryCache)(nil)

// MemoryCache implements GenericCache using BigCache. Nothing survives a restart.
type MemoryCache struct {
	cache *bigcache.BigCache
}

// NewMemory creates a bigcache backed store capped at sizeMB (0 = unbounded)
func NewMemory(sizeMB int) (*MemoryCache, error) {
	// entries never expire by age here, the store decides what is stale
	config := bigcache.DefaultConfig(100 * 365 * 24 * time.Hour)
	config.CleanWindow = 0
	config.Shards = 64
	config.MaxEntriesInWindow = 1024
	config.MaxEntrySize = 4096
	config.HardMaxCacheSize = sizeMB
	config.Verbose = false
	config.OnRemoveWithReason = func(key string, _ []byte, reason bigcache.RemoveReason) {
		if reason == bigcache.NoSpace {
			logrus.Warnf("Memory backend full, dropped %s", key)
			metrics.RecordEviction("memory_full")
		}
	}

	c, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "creating bigcache")
	}
	return &MemoryCache{cache: c}, nil
}

// Init is a no-op
func (m *MemoryCache) Init() error {
	return nil
}

// Get retrieves a value
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := m.cache.Get(normalizeKey(key))
	if err != nil {
		if stderrors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.CodeDatabase, "reading %s", key)
	}
	return data, nil
}

// Set stores a value
func (m *MemoryCache) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.cache.Set(normalizeKey(key), value); err != nil {
		// bigcache only fails a set when the entry cannot fit a shard
		return cacheerr.StorageQuotaExceeded(key, err)
	}
	return nil
}

// Delete removes a value
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := m.cache.Delete(normalizeKey(key))
	if err != nil && !stderrors.Is(err, bigcache.ErrEntryNotFound) {
		return errors.Wrapf(err, errors.CodeDatabase, "removing %s", key)
	}
	return nil
}

// Keys iterates over every entry and keeps those under prefix
func (m *MemoryCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := normalizePrefix(prefix)

	var keys []string
	it := m.cache.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			// entry vanished while iterating
			continue
		}
		if strings.HasPrefix(info.Key(), p) {
			keys = append(keys, info.Key())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeletePrefix removes every key under prefix
func (m *MemoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := m.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the cache
func (m *MemoryCache) Close() error {
	return m.cache.Close()
}
