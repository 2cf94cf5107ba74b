package httpcache

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestKey(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		want   string
	}{
		{"lowercases scheme and host", "get", "HTTP://Example.COM/Path", "GET http://example.com/Path"},
		{"drops default http port", "GET", "http://example.com:80/a", "GET http://example.com/a"},
		{"drops default https port", "GET", "https://example.com:443/a", "GET https://example.com/a"},
		{"keeps other ports", "GET", "http://example.com:8080/a", "GET http://example.com:8080/a"},
		{"keeps 443 on http", "GET", "http://example.com:443/a", "GET http://example.com:443/a"},
		{"empty path", "GET", "http://example.com", "GET http://example.com/"},
		{"drops fragment", "GET", "http://example.com/a#top", "GET http://example.com/a"},
		{"sorts query", "POST", "http://example.com/a?b=2&a=1", "POST http://example.com/a?a=1&b=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequestKey(tt.method, tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequestKeyInvalidURL(t *testing.T) {
	_, err := RequestKey("GET", "http://[::1")
	assert.Error(t, err)
}

func TestStoragePath(t *testing.T) {
	key, err := RequestKey("GET", "http://example.com:8080/api/items?page=2")
	require.NoError(t, err)

	got := StoragePath(3, key)
	assert.True(t, strings.HasPrefix(got, "entries/3/example.com_8080/api/items/GET_"), got)
	assert.NotContains(t, got, "//")
	assert.Equal(t, got, StoragePath(3, key), "storage path must be deterministic")

	other, err := RequestKey("GET", "http://example.com:8080/api/items?page=3")
	require.NoError(t, err)
	assert.NotEqual(t, got, StoragePath(3, other), "query must be part of the identity")
	assert.NotEqual(t, got, StoragePath(4, key))

	root, err := RequestKey("HEAD", "https://example.com/")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(StoragePath(1, root), "entries/1/example.com/HEAD_"))
}

func TestSerializeRoundTrip(t *testing.T) {
	resp := &http.Response{
		StatusCode:    http.StatusCreated,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}, "X-Custom": {"a"}},
		Body:          io.NopCloser(strings.NewReader("hello world")),
		ContentLength: 11,
	}

	data, err := Serialize(resp)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), PREFIX))

	// body stays readable after dumping
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))

	got, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, got.StatusCode)
	assert.Equal(t, "a", got.Header.Get("X-Custom"))
	body, err = io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestDeserializeInvalid(t *testing.T) {
	_, err := Deserialize([]byte("nope"))
	assert.Error(t, err)

	_, err = Deserialize([]byte(PREFIX + "garbage"))
	assert.Error(t, err)
}
