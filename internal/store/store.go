// Package store owns cache entries and generations on top of a blob backend
package store

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/iTrooz/offline-cache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
	"github.com/iTrooz/offline-cache-proxy/internal/metrics"
)

const (
	stripeCount = 64
	// capacity of a key-space without max-entries
	unbounded = 1 << 30
)

// Limits applied to the key-space an entry is written into
type Limits struct {
	MaxEntries int
}

type indexEntry struct {
	space string
	size  int64
}

type spaceKey struct {
	gen   uint64
	space string
}

type spaceLRU struct {
	lru      *simplelru.LRU[string, struct{}]
	capacity int
}

type evictedKey struct {
	gen uint64
	key string
}

// Store is the Cache Store. Writes to the same (generation, key) are serialized.
type Store struct {
	backend cache.GenericCache
	quota   int64
	now     func() time.Time

	stripes [stripeCount]sync.Mutex

	// genMu guards the generation table; purges take it exclusively
	genMu  sync.RWMutex
	gens   map[uint64]Generation
	nextID uint64

	// mu guards the index, the LRUs and the byte count
	mu      sync.Mutex
	index   map[uint64]map[string]indexEntry
	spaces  map[spaceKey]*spaceLRU
	used    int64
	evicted []evictedKey
}

type Option func(*Store)

// WithQuota caps the total stored bytes (0 = unlimited)
func WithQuota(bytes int64) Option {
	return func(s *Store) { s.quota = bytes }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(backend cache.GenericCache, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		gens:    map[uint64]Generation{},
		nextID:  1,
		index:   map[uint64]map[string]indexEntry{},
		spaces:  map[spaceKey]*spaceLRU{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func generationPrefix(gen uint64) string {
	return httpcache.GenerationPrefix(gen)
}

func (s *Store) stripe(gen uint64, key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatUint(gen, 10)))
	_, _ = h.Write([]byte(key))
	return &s.stripes[h.Sum32()%stripeCount]
}

// Get returns the entry for key, or nil. Entries older than maxAge (when > 0) are evicted.
func (s *Store) Get(ctx context.Context, key string, gen uint64, maxAge time.Duration) (*Entry, error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	e, err := s.lookup(ctx, key, gen)
	if err != nil || e == nil {
		return nil, err
	}
	if maxAge > 0 && e.Age(s.now()) > maxAge {
		logrus.Debugf("Entry expired: %s (generation %d)", key, gen)
		if err := s.evictLocked(ctx, key, gen, "max_age"); err != nil {
			logrus.WithError(err).Warnf("Failed to evict expired entry %s", key)
		}
		return nil, nil
	}
	return e, nil
}

// GetStale returns the entry for key regardless of its age
func (s *Store) GetStale(ctx context.Context, key string, gen uint64) (*Entry, error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.lookup(ctx, key, gen)
}

func (s *Store) lookup(ctx context.Context, key string, gen uint64) (*Entry, error) {
	s.mu.Lock()
	ie, ok := s.index[gen][key]
	if ok {
		if l := s.spaces[spaceKey{gen, ie.space}]; l != nil {
			l.lru.Get(key)
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	data, err := s.backend.Get(ctx, httpcache.StoragePath(gen, key))
	if err != nil {
		return nil, err
	}
	if data == nil {
		// the backend dropped it on its own (memory backend full)
		logrus.Debugf("Indexed entry vanished from backend: %s", key)
		if err := s.evictLocked(ctx, key, gen, "backend"); err != nil {
			logrus.WithError(err).Warnf("Failed to unindex %s", key)
		}
		return nil, nil
	}

	e, err := decodeEntry(data)
	if err != nil {
		logrus.WithError(err).Warnf("Dropping unreadable entry %s", key)
		if err := s.evictLocked(ctx, key, gen, "corrupted"); err != nil {
			logrus.WithError(err).Warnf("Failed to evict %s", key)
		}
		return nil, nil
	}
	if e.Key != key {
		return nil, nil
	}
	return e, nil
}

// readBlob decodes the blob at path without touching the index
func (s *Store) readBlob(ctx context.Context, path string) (*Entry, error) {
	data, err := s.backend.Get(ctx, path)
	if err != nil || data == nil {
		return nil, err
	}
	return decodeEntry(data)
}

// Put stores entry under key in generation gen. updated is false when the
// stored payload was identical and only its timestamp was refreshed.
func (s *Store) Put(ctx context.Context, key string, entry *Entry, gen uint64, limits Limits) (bool, error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	if _, ok := s.gens[gen]; !ok {
		return false, errors.Newf(errors.CodeNotFound, "generation %d does not exist", gen)
	}

	e := *entry
	e.Key = key
	e.Generation = gen
	e.StoredAt = s.now()
	path := httpcache.StoragePath(gen, key)

	lock := s.stripe(gen, key)
	lock.Lock()

	updated := true
	if old, err := s.readBlob(ctx, path); err != nil {
		logrus.WithError(err).Debugf("Could not read previous entry for %s", key)
	} else if old != nil && old.Key == key && old.samePayload(&e) {
		updated = false
	}

	data, err := e.encode()
	if err != nil {
		lock.Unlock()
		metrics.RecordStoreWrite("failed")
		return false, err
	}
	size := int64(len(data))

	// reserve the bytes before writing so concurrent puts cannot overshoot the quota
	s.mu.Lock()
	prev := s.index[gen][key].size
	if s.quota > 0 && s.used-prev+size > s.quota {
		s.mu.Unlock()
		lock.Unlock()
		metrics.RecordStoreWrite("failed")
		return false, cacheerr.StorageQuotaExceeded(key, nil)
	}
	s.used += size - prev
	s.mu.Unlock()

	if err := s.backend.Set(ctx, path, data); err != nil {
		s.mu.Lock()
		s.used -= size - prev
		s.mu.Unlock()
		lock.Unlock()
		metrics.RecordStoreWrite("failed")
		return false, err
	}

	s.mu.Lock()
	s.used -= size - prev
	evicted := s.indexPut(gen, key, e.Space, size, limits)
	s.mu.Unlock()
	lock.Unlock()

	s.deleteEvicted(ctx, evicted)
	s.updateSizeMetrics()

	if updated {
		metrics.RecordStoreWrite("stored")
		logrus.Debugf("Stored entry: %s (generation %d, space %s)", key, gen, e.Space)
	} else {
		metrics.RecordStoreWrite("refreshed")
	}
	return updated, nil
}

// indexPut records key and returns the keys pushed out of the key-space; caller holds mu
func (s *Store) indexPut(gen uint64, key, space string, size int64, limits Limits) []evictedKey {
	idx := s.index[gen]
	if idx == nil {
		idx = map[string]indexEntry{}
		s.index[gen] = idx
	}

	if old, ok := idx[key]; ok {
		if old.space != space {
			if l := s.spaces[spaceKey{gen, old.space}]; l != nil {
				l.lru.Remove(key)
			}
		} else {
			s.used -= old.size
		}
	}
	delete(idx, key)

	l := s.spaceFor(gen, space, limits.MaxEntries)
	idx[key] = indexEntry{space: space, size: size}
	s.used += size
	l.lru.Add(key, struct{}{})

	return s.takeEvicted()
}

// spaceFor returns the LRU of a key-space, resizing it when its limit changed; caller holds mu
func (s *Store) spaceFor(gen uint64, space string, maxEntries int) *spaceLRU {
	capacity := maxEntries
	if capacity <= 0 {
		capacity = unbounded
	}

	sk := spaceKey{gen, space}
	l, ok := s.spaces[sk]
	if !ok {
		lru, _ := simplelru.NewLRU[string, struct{}](capacity, func(key string, _ struct{}) {
			s.unindex(sk, key)
		})
		l = &spaceLRU{lru: lru, capacity: capacity}
		s.spaces[sk] = l
		return l
	}
	if l.capacity != capacity {
		l.lru.Resize(capacity)
		l.capacity = capacity
	}
	return l
}

// unindex is the LRU removal callback; caller holds mu
func (s *Store) unindex(sk spaceKey, key string) {
	if ie, ok := s.index[sk.gen][key]; ok && ie.space == sk.space {
		s.used -= ie.size
		delete(s.index[sk.gen], key)
	}
	s.evicted = append(s.evicted, evictedKey{gen: sk.gen, key: key})
}

func (s *Store) takeEvicted() []evictedKey {
	out := s.evicted
	s.evicted = nil
	return out
}

// deleteEvicted removes the blobs of LRU victims. A victim written again in the meantime is kept.
func (s *Store) deleteEvicted(ctx context.Context, evicted []evictedKey) {
	for _, ek := range evicted {
		lock := s.stripe(ek.gen, ek.key)
		lock.Lock()
		s.mu.Lock()
		_, present := s.index[ek.gen][ek.key]
		s.mu.Unlock()
		if !present {
			if err := s.backend.Delete(ctx, httpcache.StoragePath(ek.gen, ek.key)); err != nil {
				logrus.WithError(err).Warnf("Failed to delete evicted entry %s", ek.key)
			}
			metrics.RecordEviction("max_entries")
			logrus.Debugf("Evicted least recently used entry: %s (generation %d)", ek.key, ek.gen)
		}
		lock.Unlock()
	}
}

// Evict removes key from generation gen
func (s *Store) Evict(ctx context.Context, key string, gen uint64) error {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.evictLocked(ctx, key, gen, "explicit")
}

// evictLocked is Evict for callers already holding genMu
func (s *Store) evictLocked(ctx context.Context, key string, gen uint64, reason string) error {
	lock := s.stripe(gen, key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if ie, ok := s.index[gen][key]; ok {
		if l := s.spaces[spaceKey{gen, ie.space}]; l != nil {
			l.lru.Remove(key)
		} else {
			s.unindex(spaceKey{gen, ie.space}, key)
		}
	}
	s.takeEvicted()
	s.mu.Unlock()

	if err := s.backend.Delete(ctx, httpcache.StoragePath(gen, key)); err != nil {
		return err
	}
	metrics.RecordEviction(reason)
	s.updateSizeMetrics()
	return nil
}

// dropGenerationIndex forgets every entry of gen; caller holds mu
func (s *Store) dropGenerationIndex(gen uint64) int {
	idx := s.index[gen]
	for _, ie := range idx {
		s.used -= ie.size
	}
	delete(s.index, gen)
	for sk := range s.spaces {
		if sk.gen == gen {
			delete(s.spaces, sk)
		}
	}
	return len(idx)
}

// Load rebuilds the generation table and the entry index from the backend.
// Entries of unknown generations are deleted.
func (s *Store) Load(ctx context.Context) error {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	table, err := s.readTable(ctx)
	if err != nil {
		return err
	}
	s.gens = map[uint64]Generation{}
	s.nextID = table.NextID
	for _, g := range table.Generations {
		s.gens[g.ID] = g
		if g.ID >= s.nextID {
			s.nextID = g.ID + 1
		}
	}

	keys, err := s.backend.Keys(ctx, "entries/")
	if err != nil {
		return err
	}

	type loaded struct {
		gen      uint64
		key      string
		space    string
		size     int64
		storedAt time.Time
	}
	var found []loaded
	for _, path := range keys {
		gen, ok := parseGeneration(path)
		if _, known := s.gens[gen]; !ok || !known {
			logrus.Debugf("Removing orphan blob %s", path)
			if err := s.backend.Delete(ctx, path); err != nil {
				return err
			}
			continue
		}

		data, err := s.backend.Get(ctx, path)
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}
		meta, _, err := decodeMeta(data)
		if err != nil || httpcache.StoragePath(gen, meta.Key) != path {
			logrus.Warnf("Removing unreadable blob %s", path)
			if err := s.backend.Delete(ctx, path); err != nil {
				return err
			}
			continue
		}
		found = append(found, loaded{gen, meta.Key, meta.Space, int64(len(data)), meta.StoredAt})
	}

	// oldest first so LRU order follows write order
	sort.SliceStable(found, func(i, j int) bool { return found[i].storedAt.Before(found[j].storedAt) })

	s.mu.Lock()
	s.index = map[uint64]map[string]indexEntry{}
	s.spaces = map[spaceKey]*spaceLRU{}
	s.used = 0
	for _, f := range found {
		s.indexPut(f.gen, f.key, f.space, f.size, Limits{})
	}
	s.takeEvicted()
	s.mu.Unlock()
	s.updateSizeMetrics()

	logrus.WithFields(logrus.Fields{
		"generations": len(s.gens),
		"entries":     len(found),
	}).Info("Loaded cache store")
	return nil
}

func parseGeneration(path string) (uint64, bool) {
	rest, ok := strings.CutPrefix(path, "entries/")
	if !ok {
		return 0, false
	}
	seg, _, _ := strings.Cut(rest, "/")
	gen, err := strconv.ParseUint(seg, 10, 64)
	return gen, err == nil
}

// GenerationStats describes the entries held by one generation
type GenerationStats struct {
	ID      uint64 `json:"id"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// Stats is a snapshot of the store occupancy
type Stats struct {
	Entries     int               `json:"entries"`
	Bytes       int64             `json:"bytes"`
	QuotaBytes  int64             `json:"quota_bytes"`
	Generations []GenerationStats `json:"generations"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Bytes: s.used, QuotaBytes: s.quota}
	for gen, idx := range s.index {
		gs := GenerationStats{ID: gen, Entries: len(idx)}
		for _, ie := range idx {
			gs.Bytes += ie.size
		}
		st.Entries += gs.Entries
		st.Generations = append(st.Generations, gs)
	}
	sort.Slice(st.Generations, func(i, j int) bool { return st.Generations[i].ID < st.Generations[j].ID })
	return st
}

// Keys lists the request keys indexed in gen
func (s *Store) Keys(gen uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.index[gen]))
	for k := range s.index[gen] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) updateSizeMetrics() {
	st := s.Stats()
	metrics.UpdateStoreSize(st.Entries, st.Bytes)
}
