package tests

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	jerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/events"
	"github.com/iTrooz/offline-cache-proxy/internal/proxy"
	"github.com/iTrooz/offline-cache-proxy/internal/syncq"
)

func get(t *testing.T, client *http.Client, target string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(target)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestProxyIntegration(t *testing.T) {
	// Create a test upstream server
	upstream := fixture_upstream()
	defer upstream.Close()

	cfg := fixture_config([]config.RouteRule{
		{Pattern: "/test", Strategy: "CacheFirst", MaxAgeSeconds: 3600},
	})

	s, err := fixture_stack(cfg, nil)
	require.NoError(t, err)
	defer s.Interceptor.Wait()

	proxyTestServer, client := fixture_proxy(s.Server, nil)
	defer proxyTestServer.Close()

	// Test first request (should hit upstream and cache)
	t.Run("first request - cache miss", func(t *testing.T) {
		resp, body := get(t, client, upstream.URL+"/test")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, proxy.CacheMiss, resp.Header.Get(proxy.HeaderCache))
		assert.Equal(t, "1", resp.Header.Get(proxy.HeaderGeneration))
		assert.Contains(t, body, "Hello from upstream")
	})

	// Test second request (should hit cache)
	t.Run("second request - cache hit", func(t *testing.T) {
		resp, body := get(t, client, upstream.URL+"/test")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, proxy.CacheHit, resp.Header.Get(proxy.HeaderCache))
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Contains(t, body, "Hello from upstream")
	})

	// Query order does not change the identity
	t.Run("normalized query - cache hit", func(t *testing.T) {
		_, _ = get(t, client, upstream.URL+"/test?b=2&a=1")
		resp, _ := get(t, client, upstream.URL+"/test?a=1&b=2")
		assert.Equal(t, proxy.CacheHit, resp.Header.Get(proxy.HeaderCache))
	})
}

func TestProxyIntegrationNetworkFirstFallsBackToCache(t *testing.T) {
	upstream := fixture_upstream()

	cfg := fixture_config([]config.RouteRule{
		{Name: "feed", Pattern: "/feed", Strategy: "NetworkFirst"},
	})
	s, err := fixture_stack(cfg, nil)
	require.NoError(t, err)
	defer s.Interceptor.Wait()

	proxyTestServer, client := fixture_proxy(s.Server, nil)
	defer proxyTestServer.Close()

	resp, _ := get(t, client, upstream.URL+"/feed")
	require.Equal(t, proxy.CacheMiss, resp.Header.Get(proxy.HeaderCache))

	target := upstream.URL + "/feed"
	upstream.Close()

	resp, body := get(t, client, target)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, proxy.CacheStale, resp.Header.Get(proxy.HeaderCache))
	assert.Contains(t, body, "/feed")

	fallbacks := 0
	for _, ev := range s.Bus.Recent() {
		if ev.Kind == events.FallbackServed {
			fallbacks++
		}
	}
	assert.Equal(t, 1, fallbacks)
}

func TestProxyIntegrationOfflineFallback(t *testing.T) {
	upstream := fixture_upstream()

	cfg := fixture_config([]config.RouteRule{
		{Pattern: "/offline.html", Strategy: "CacheFirst"},
		{Pattern: "/pages/*", Strategy: "NetworkFirst", OfflineFallback: upstream.URL + "/offline.html"},
	})
	// the stack precaches the fallback page on install
	s, err := fixture_stack(cfg, nil)
	require.NoError(t, err)
	defer s.Interceptor.Wait()

	proxyTestServer, client := fixture_proxy(s.Server, nil)
	defer proxyTestServer.Close()

	target := upstream.URL + "/pages/never-visited"
	upstream.Close()

	resp, body := get(t, client, target)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, proxy.CacheOffline, resp.Header.Get(proxy.HeaderCache))
	assert.Contains(t, body, "/offline.html")
}

func TestProxyIntegrationErrorBody(t *testing.T) {
	upstream := fixture_upstream()
	defer upstream.Close()

	cfg := fixture_config([]config.RouteRule{
		{Pattern: "/static/*", Strategy: "CacheOnly"},
	})
	s, err := fixture_stack(cfg, nil)
	require.NoError(t, err)

	proxyTestServer, client := fixture_proxy(s.Server, nil)
	defer proxyTestServer.Close()

	resp, body := get(t, client, upstream.URL+"/static/missing.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var decoded jerrors.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &decoded))
	assert.Equal(t, string(cacheerr.CodeNotCached), decoded.Code)
}

func TestProxyIntegrationQueuesOfflineWrites(t *testing.T) {
	upstream := fixture_upstream()

	cfg := fixture_config([]config.RouteRule{
		{Name: "api", Pattern: "/api/*", Strategy: "NetworkOnly", QueuedResponse: true},
	})
	s, err := fixture_stack(cfg, nil)
	require.NoError(t, err)

	proxyTestServer, client := fixture_proxy(s.Server, nil)
	defer proxyTestServer.Close()

	target := upstream.URL + "/api/items"
	upstream.Close()

	resp, err := client.Post(target, "application/json", strings.NewReader(`{"name":"draft"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, proxy.CacheQueued, resp.Header.Get(proxy.HeaderCache))
	assert.NotEmpty(t, resp.Header.Get(syncq.TaskHeader))

	tasks, err := s.Queue.Pending(t.Context())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, http.MethodPost, tasks[0].Method)
	assert.Equal(t, target, tasks[0].URL)
}

func TestHTTPSInterception(t *testing.T) {
	upstream := fixture_tls_upstream()
	defer upstream.Close()

	certFile, keyFile, roots, err := fixture_ca(t.TempDir())
	require.NoError(t, err)

	cfg := fixture_config([]config.RouteRule{
		{Pattern: "/secure/*", Strategy: "CacheFirst", MaxAgeSeconds: 3600},
	})
	cfg.Server.HTTPS = config.HTTPSConfig{
		Enabled:    true,
		CACertFile: certFile,
		CAKeyFile:  keyFile,
	}

	// the proxy trusts the upstream's self-signed certificate
	s, err := fixture_stack(cfg, upstream.Client().Transport)
	require.NoError(t, err)
	defer s.Interceptor.Wait()

	proxyTestServer, client := fixture_proxy(s.Server, roots)
	defer proxyTestServer.Close()

	resp, body := get(t, client, upstream.URL+"/secure/data")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, proxy.CacheMiss, resp.Header.Get(proxy.HeaderCache))
	assert.Contains(t, body, "Hello from upstream")

	resp, _ = get(t, client, upstream.URL+"/secure/data")
	assert.Equal(t, proxy.CacheHit, resp.Header.Get(proxy.HeaderCache))
}
