package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/events"
	"github.com/iTrooz/offline-cache-proxy/internal/lifecycle"
	"github.com/iTrooz/offline-cache-proxy/internal/store"
	"github.com/iTrooz/offline-cache-proxy/internal/syncq"
	"github.com/iTrooz/offline-cache-proxy/internal/version"
)

type okFetcher struct{}

func (okFetcher) Fetch(ctx context.Context, req *http.Request, _ time.Duration) (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}, nil
}

type noopPrecacher struct{}

func (noopPrecacher) Precache(context.Context, uint64, string) error { return nil }

type fixture struct {
	server *httptest.Server
	queue  *syncq.Queue
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	bus := events.NewBus()
	s := store.New(cache.NewMemFS())
	versions := version.NewManager(s, bus)
	require.NoError(t, versions.Init(ctx, version.Manifest{Version: "v1"}, noopPrecacher{}))

	queue := syncq.New(cache.NewMemFS(), okFetcher{}, bus, syncq.Options{MaxAttempts: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	conn := lifecycle.NewConnectivity(bus, true)
	runtime := lifecycle.NewRuntime(versions, queue, conn, noopPrecacher{})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = runtime.Run(runCtx)
		close(done)
	}()

	srv := NewServer(Deps{
		Config:       &cfg,
		Lifecycle:    runtime,
		Versions:     versions,
		Store:        s,
		Queue:        queue,
		Bus:          bus,
		Connectivity: conn,
	})
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
		runtime.Close()
	})
	return &fixture{server: ts, queue: queue}
}

func (f *fixture) call(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestHealth(t *testing.T) {
	f := setup(t)

	status, body := f.call(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	out := decode(t, body)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, true, out["online"])
	assert.Equal(t, float64(1), out["active_generation"])
}

func TestConfig(t *testing.T) {
	f := setup(t)

	status, body := f.call(t, http.MethodGet, "/config", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "backend: disk")
}

func TestInstallAndActivate(t *testing.T) {
	f := setup(t)

	status, body := f.call(t, http.MethodPost, "/lifecycle/install", `{"version":"v2"}`)
	require.Equal(t, http.StatusOK, status, string(body))
	out := decode(t, body)
	assert.Equal(t, float64(2), out["generation"])
	assert.Equal(t, "waiting", out["state"])

	status, body = f.call(t, http.MethodGet, "/generations", "")
	require.Equal(t, http.StatusOK, status)
	out = decode(t, body)
	assert.Equal(t, float64(1), out["active"])
	assert.Equal(t, float64(2), out["waiting"])
	assert.Len(t, out["generations"], 2)

	status, body = f.call(t, http.MethodPost, "/lifecycle/activate", "")
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, float64(2), decode(t, body)["generation"])

	status, body = f.call(t, http.MethodPost, "/lifecycle/activate", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", decode(t, body)["code"])

	_, body = f.call(t, http.MethodGet, "/events", "")
	assert.Contains(t, string(body), string(events.GenerationActivated))
}

func TestInstallWithoutBodyUsesConfiguredManifest(t *testing.T) {
	f := setup(t)

	status, body := f.call(t, http.MethodPost, "/lifecycle/install", "")
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, float64(2), decode(t, body)["generation"])
}

func TestInvalidRequests(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed install", "/lifecycle/install", `{"version":`},
		{"install without version", "/lifecycle/install", `{"urls":["https://example.com/"]}`},
		{"install with bad url", "/lifecycle/install", `{"version":"v2","urls":["not a url"]}`},
		{"connectivity without body", "/lifecycle/connectivity", ``},
		{"connectivity without flag", "/lifecycle/connectivity", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.call(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "INVALID_INPUT", decode(t, body)["code"])
		})
	}
}

func TestConnectivity(t *testing.T) {
	f := setup(t)

	status, body := f.call(t, http.MethodPost, "/lifecycle/connectivity", `{"online":false}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, false, decode(t, body)["online"])

	_, body = f.call(t, http.MethodGet, "/health", "")
	assert.Equal(t, false, decode(t, body)["online"])
}

func TestSyncEndpoints(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	req, err := http.NewRequest(http.MethodPost, "https://example.com/api/items", strings.NewReader("x"))
	require.NoError(t, err)
	task, err := syncq.NewTask(req, "api")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, task)
	require.NoError(t, err)

	status, body := f.call(t, http.MethodGet, "/sync/tasks", "")
	require.Equal(t, http.StatusOK, status)
	var tasks []syncq.Task
	require.NoError(t, json.Unmarshal(body, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "https://example.com/api/items", tasks[0].URL)

	status, body = f.call(t, http.MethodPost, "/sync/drain", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), decode(t, body)["processed"])

	_, body = f.call(t, http.MethodGet, "/sync/tasks", "")
	assert.JSONEq(t, "[]", string(body))
	_, body = f.call(t, http.MethodGet, "/sync/dead", "")
	assert.JSONEq(t, "[]", string(body))
}

func TestMetrics(t *testing.T) {
	f := setup(t)

	status, body := f.call(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "go_goroutines")
}
