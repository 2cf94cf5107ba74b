package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/events"
	"github.com/iTrooz/offline-cache-proxy/internal/route"
	"github.com/iTrooz/offline-cache-proxy/internal/store"
	"github.com/iTrooz/offline-cache-proxy/internal/syncq"
	"github.com/iTrooz/offline-cache-proxy/internal/version"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	upstream *httptest.Server
	hits     atomic.Int32
	down     atomic.Bool
	clock    *clock

	store    *store.Store
	versions *version.Manager
	queue    *syncq.Queue
	bus      *events.Bus
	ic       *Interceptor
}

type harnessConfig struct {
	handler  http.HandlerFunc
	rules    func(base string) []config.RouteRule
	precache []string
	options  []store.Option
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	h := &harness{clock: &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}}

	handler := hc.handler
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprintf(w, "hello from %s", r.URL.Path)
		}
	}
	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.down.Load() {
			// drop the connection like an unreachable host would
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		h.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(h.upstream.Close)

	var rules []config.RouteRule
	if hc.rules != nil {
		rules = hc.rules(h.upstream.URL)
	}
	resolver, err := route.NewResolver(rules, time.Second)
	require.NoError(t, err)

	h.bus = events.NewBus()
	h.store = store.New(cache.NewMemFS(), append([]store.Option{store.WithClock(h.clock.Now)}, hc.options...)...)
	h.versions = version.NewManager(h.store, h.bus)

	fetcher := NewNetworkFetcher(nil, nil)
	h.queue = syncq.New(cache.NewMemFS(), fetcher, h.bus, syncq.Options{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Timeout:     time.Second,
	})
	h.ic = NewInterceptor(resolver, h.store, h.versions, fetcher, h.queue, h.bus)
	h.ic.now = h.clock.Now

	urls := make([]string, 0, len(hc.precache))
	for _, p := range hc.precache {
		urls = append(urls, h.upstream.URL+p)
	}
	require.NoError(t, h.versions.Init(context.Background(), version.Manifest{Version: "v1", URLs: urls}, h.ic))
	t.Cleanup(h.ic.Wait)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, string, error) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.upstream.URL+path, reader)
	require.NoError(t, err)

	resp, err := h.ic.Handle(context.Background(), req)
	if err != nil {
		return nil, "", err
	}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data), nil
}

func (h *harness) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, body, err := h.do(t, http.MethodGet, path, "")
	require.NoError(t, err)
	return resp, body
}

func (h *harness) count(kind events.Kind) int {
	n := 0
	for _, ev := range h.bus.Recent() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// counter answers with an increasing version number
func counter() http.HandlerFunc {
	var n atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "v%d", n.Add(1))
	}
}

func rules(rc ...config.RouteRule) func(string) []config.RouteRule {
	return func(string) []config.RouteRule { return rc }
}

func TestCacheFirstFreshHitSkipsNetwork(t *testing.T) {
	h := newHarness(t, harnessConfig{
		rules: rules(config.RouteRule{Name: "assets", Pattern: "/assets/*", Strategy: "CacheFirst", MaxAgeSeconds: 60}),
	})

	resp, body := h.get(t, "/assets/app.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, CacheMiss, resp.Header.Get(HeaderCache))
	assert.Equal(t, "CacheFirst", resp.Header.Get(HeaderStrategy))
	assert.Equal(t, "1", resp.Header.Get(HeaderGeneration))
	assert.Equal(t, "hello from /assets/app.js", body)

	resp, body = h.get(t, "/assets/app.js")
	assert.Equal(t, CacheHit, resp.Header.Get(HeaderCache))
	assert.Equal(t, "hello from /assets/app.js", body)
	assert.Equal(t, int32(1), h.hits.Load(), "a fresh hit must not touch the network")
	assert.Equal(t, 1, h.count(events.CacheUpdated))
}

func TestCacheFirstRefetchesExpiredEntry(t *testing.T) {
	h := newHarness(t, harnessConfig{
		handler: counter(),
		rules:   rules(config.RouteRule{Pattern: "/assets/*", Strategy: "CacheFirst", MaxAgeSeconds: 10}),
	})

	_, body := h.get(t, "/assets/app.js")
	assert.Equal(t, "v1", body)

	h.clock.Advance(11 * time.Second)
	resp, body := h.get(t, "/assets/app.js")
	assert.Equal(t, CacheMiss, resp.Header.Get(HeaderCache))
	assert.Equal(t, "v2", body)
	assert.Equal(t, int32(2), h.hits.Load())
}

func TestNetworkFirstWritesBackOnceForConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, harnessConfig{
		handler: func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
			_, _ = w.Write([]byte("shared"))
		},
		rules: rules(config.RouteRule{Pattern: "/feed", Strategy: "NetworkFirst"}),
	})

	start := make(chan struct{})
	var wg sync.WaitGroup
	bodies := make([]string, 10)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, bodies[i] = h.get(t, "/feed")
		}(i)
	}
	close(start)
	wg.Wait()

	for _, b := range bodies {
		assert.Equal(t, "shared", b)
	}
	assert.Equal(t, int32(1), h.hits.Load())
	assert.Equal(t, 1, h.count(events.CacheUpdated))
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	var slow atomic.Bool
	h := newHarness(t, harnessConfig{
		handler: func(w http.ResponseWriter, r *http.Request) {
			if slow.Load() {
				select {
				case <-time.After(2 * time.Second):
				case <-r.Context().Done():
				}
				return
			}
			_, _ = w.Write([]byte("fresh"))
		},
		rules: rules(config.RouteRule{Pattern: "/feed", Strategy: "NetworkFirst", NetworkTimeout: "100ms"}),
	})

	_, body := h.get(t, "/feed")
	assert.Equal(t, "fresh", body)

	t.Run("unavailable", func(t *testing.T) {
		h.down.Store(true)
		defer h.down.Store(false)

		resp, body := h.get(t, "/feed")
		assert.Equal(t, CacheStale, resp.Header.Get(HeaderCache))
		assert.Equal(t, "fresh", body)
	})

	t.Run("timeout", func(t *testing.T) {
		slow.Store(true)
		defer slow.Store(false)

		began := time.Now()
		resp, body := h.get(t, "/feed")
		assert.Less(t, time.Since(began), time.Second, "the fetch must be cancelled at the rule timeout")
		assert.Equal(t, CacheStale, resp.Header.Get(HeaderCache))
		assert.Equal(t, "fresh", body)
	})

	assert.Equal(t, 2, h.count(events.FallbackServed))
}

func TestNetworkFirstWithoutCacheFails(t *testing.T) {
	h := newHarness(t, harnessConfig{
		rules: rules(config.RouteRule{Pattern: "/feed", Strategy: "NetworkFirst"}),
	})
	h.down.Store(true)

	_, _, err := h.do(t, http.MethodGet, "/feed", "")
	require.Error(t, err)
	assert.True(t, cacheerr.IsNetworkUnavailable(err))
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
}

func TestStaleWhileRevalidate(t *testing.T) {
	h := newHarness(t, harnessConfig{
		handler: counter(),
		rules:   rules(config.RouteRule{Pattern: "/news", Strategy: "StaleWhileRevalidate", MaxAgeSeconds: 10}),
	})

	resp, body := h.get(t, "/news")
	assert.Equal(t, CacheMiss, resp.Header.Get(HeaderCache))
	assert.Equal(t, "v1", body)

	h.clock.Advance(time.Minute)
	resp, body = h.get(t, "/news")
	assert.Equal(t, CacheStale, resp.Header.Get(HeaderCache))
	assert.Equal(t, "v1", body, "the stale entry is answered immediately")

	h.ic.Wait()
	assert.Equal(t, int32(2), h.hits.Load(), "exactly one background fetch")
	assert.Equal(t, 2, h.count(events.CacheUpdated))

	resp, body = h.get(t, "/news")
	assert.Equal(t, CacheHit, resp.Header.Get(HeaderCache))
	assert.Equal(t, "v2", body)
}

func TestStaleWhileRevalidateMissBehavesLikeNetworkFirst(t *testing.T) {
	h := newHarness(t, harnessConfig{
		rules: rules(config.RouteRule{Pattern: "/news", Strategy: "StaleWhileRevalidate"}),
	})
	h.down.Store(true)

	_, _, err := h.do(t, http.MethodGet, "/news", "")
	assert.True(t, cacheerr.IsNetworkUnavailable(err))
}

func TestCacheOnlyMissFailsWithoutNetwork(t *testing.T) {
	h := newHarness(t, harnessConfig{
		rules: rules(config.RouteRule{Pattern: "/static/*", Strategy: "CacheOnly"}),
	})

	_, _, err := h.do(t, http.MethodGet, "/static/logo.png", "")
	require.Error(t, err)
	assert.True(t, cacheerr.IsNotCached(err))
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.Equal(t, int32(0), h.hits.Load())
}

func TestCacheOnlyServesPrecachedEntry(t *testing.T) {
	h := newHarness(t, harnessConfig{
		rules:    rules(config.RouteRule{Pattern: "/static/*", Strategy: "CacheOnly"}),
		precache: []string{"/static/logo.png"},
	})
	require.Equal(t, int32(1), h.hits.Load())

	resp, body := h.get(t, "/static/logo.png")
	assert.Equal(t, CacheHit, resp.Header.Get(HeaderCache))
	assert.Equal(t, "hello from /static/logo.png", body)
	assert.Equal(t, int32(1), h.hits.Load())
}

func TestOfflineFallback(t *testing.T) {
	h := newHarness(t, harnessConfig{
		rules: func(base string) []config.RouteRule {
			return []config.RouteRule{
				{Pattern: "/offline.html", Strategy: "CacheFirst"},
				{Pattern: "/pages/*", Strategy: "NetworkFirst", OfflineFallback: base + "/offline.html"},
			}
		},
		precache: []string{"/offline.html"},
	})
	h.down.Store(true)

	resp, body := h.get(t, "/pages/about")
	assert.Equal(t, CacheOffline, resp.Header.Get(HeaderCache))
	assert.Equal(t, "hello from /offline.html", body)
	assert.Equal(t, 1, h.count(events.FallbackServed))
}

func TestNetworkOnlyPostIsQueuedWhenOffline(t *testing.T) {
	var mu sync.Mutex
	var received []string
	h := newHarness(t, harnessConfig{
		handler: func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			received = append(received, r.Method+" "+r.URL.Path+" "+string(body)+" "+r.Header.Get(syncq.TaskHeader))
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		},
		rules: rules(config.RouteRule{Name: "api", Pattern: "/api/*", Strategy: "NetworkOnly", QueuedResponse: true}),
	})
	ctx := context.Background()

	h.down.Store(true)
	resp, _, err := h.do(t, http.MethodPost, "/api/items", `{"name":"milk"}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, CacheQueued, resp.Header.Get(HeaderCache))
	taskID := resp.Header.Get(syncq.TaskHeader)
	require.NotEmpty(t, taskID)

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.down.Store(false)
	processed, err := h.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	n, err = h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{`POST /api/items {"name":"milk"} ` + taskID}, received)
	assert.Equal(t, 1, h.count(events.SyncTaskCompleted))
}

func TestNetworkOnlyPostFailsWhenNotQueuedResponse(t *testing.T) {
	h := newHarness(t, harnessConfig{
		rules: rules(config.RouteRule{Pattern: "/api/*", Strategy: "NetworkOnly"}),
	})
	h.down.Store(true)

	_, _, err := h.do(t, http.MethodPost, "/api/items", "x")
	require.Error(t, err)
	assert.True(t, cacheerr.IsNetworkUnavailable(err))

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1, "the request is queued even when the caller sees the failure")
	assert.Equal(t, []byte("x"), pending[0].Body)
}

func TestCatchAllPostIsNotQueued(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	var queued atomic.Int32
	h.ic.OnQueued(func() { queued.Add(1) })
	h.down.Store(true)

	_, _, err := h.do(t, http.MethodPost, "/unmatched", "x")
	require.Error(t, err)
	assert.True(t, cacheerr.IsNetworkUnavailable(err))

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, h.count(events.SyncTaskEnqueued))
	assert.Equal(t, int32(0), queued.Load())
}

func TestQueuedRequestNotifies(t *testing.T) {
	h := newHarness(t, harnessConfig{
		rules: rules(config.RouteRule{Name: "api", Pattern: "/api/*", Strategy: "NetworkOnly", QueuedResponse: true}),
	})
	var queued atomic.Int32
	h.ic.OnQueued(func() { queued.Add(1) })
	h.down.Store(true)

	resp, _, err := h.do(t, http.MethodPost, "/api/items", "x")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, int32(1), queued.Load())
}

func TestNetworkOnlyNeverWritesBack(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	resp, _ := h.get(t, "/anything")
	assert.Equal(t, CacheMiss, resp.Header.Get(HeaderCache))
	assert.Equal(t, string(route.NetworkOnly), resp.Header.Get(HeaderStrategy))
	h.get(t, "/anything")

	assert.Equal(t, int32(2), h.hits.Load())
	assert.Empty(t, h.store.Keys(1))
}

func TestUncacheableStatusIsNotWrittenBack(t *testing.T) {
	h := newHarness(t, harnessConfig{
		handler: func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		rules: rules(config.RouteRule{Pattern: "/assets/*", Strategy: "CacheFirst"}),
	})

	resp, _ := h.get(t, "/assets/a.js")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	h.get(t, "/assets/a.js")
	assert.Equal(t, int32(2), h.hits.Load())
}

func TestQuotaExceededStillAnswers(t *testing.T) {
	h := newHarness(t, harnessConfig{
		rules:   rules(config.RouteRule{Pattern: "/assets/*", Strategy: "CacheFirst"}),
		options: []store.Option{store.WithQuota(16)},
	})

	resp, body := h.get(t, "/assets/big.js")
	assert.Equal(t, CacheMiss, resp.Header.Get(HeaderCache))
	assert.Equal(t, "hello from /assets/big.js", body)
	assert.Equal(t, 1, h.count(events.CacheWriteFailed))
}

func TestRequestsFollowActivatedGeneration(t *testing.T) {
	h := newHarness(t, harnessConfig{
		handler: counter(),
		rules:   rules(config.RouteRule{Pattern: "/assets/*", Strategy: "CacheFirst"}),
	})
	ctx := context.Background()

	_, body := h.get(t, "/assets/app.js")
	assert.Equal(t, "v1", body)

	gen, err := h.versions.Install(ctx, version.Manifest{Version: "v2"}, h.ic)
	require.NoError(t, err)
	resp, _ := h.get(t, "/assets/app.js")
	assert.Equal(t, "1", resp.Header.Get(HeaderGeneration), "a waiting generation is not served")

	_, err = h.versions.Activate(ctx)
	require.NoError(t, err)
	resp, body = h.get(t, "/assets/app.js")
	assert.Equal(t, fmt.Sprint(gen), resp.Header.Get(HeaderGeneration))
	assert.Equal(t, CacheMiss, resp.Header.Get(HeaderCache))
	assert.Equal(t, "v2", body)
}

func TestPrecacheRejectsErrorStatus(t *testing.T) {
	h := newHarness(t, harnessConfig{
		handler: func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/missing" {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte("ok"))
		},
	})

	err := h.ic.Precache(context.Background(), h.versions.Active(), h.upstream.URL+"/missing")
	assert.Error(t, err)
	assert.NoError(t, h.ic.Precache(context.Background(), h.versions.Active(), h.upstream.URL+"/present"))
}

func TestHandleRejectsRelativeURL(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	req := &http.Request{Method: http.MethodGet, URL: &url.URL{Path: "/relative"}, Header: http.Header{}}

	_, err := h.ic.Handle(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
}
