package store

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntryKeepsBodyReadable(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
	}

	e, err := NewEntry(resp)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(e.Body))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))

	// snapshot is independent from the live response
	resp.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, "application/json", e.Header.Get("Content-Type"))
}

func TestEntryResponse(t *testing.T) {
	e := &Entry{StatusCode: http.StatusNotFound, Header: http.Header{"Transfer-Encoding": {"chunked"}}, Body: []byte("missing")}
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)

	resp := e.Response(req)
	assert.Equal(t, "404 Not Found", resp.Status)
	assert.Equal(t, int64(7), resp.ContentLength)
	assert.Equal(t, "7", resp.Header.Get("Content-Length"))
	assert.Empty(t, resp.Header.Get("Transfer-Encoding"))
	assert.Same(t, req, resp.Request)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "missing", string(body))
}

func TestSamePayload(t *testing.T) {
	base := &Entry{StatusCode: 200, Header: http.Header{"Date": {"a"}, "X": {"1"}}, Body: []byte("b")}

	tests := []struct {
		name  string
		other *Entry
		same  bool
	}{
		{"different date", &Entry{StatusCode: 200, Header: http.Header{"Date": {"b"}, "X": {"1"}}, Body: []byte("b")}, true},
		{"framing headers ignored", &Entry{StatusCode: 200, Header: http.Header{"X": {"1"}, "Content-Length": {"1"}}, Body: []byte("b")}, true},
		{"status", &Entry{StatusCode: 201, Header: http.Header{"X": {"1"}}, Body: []byte("b")}, false},
		{"header value", &Entry{StatusCode: 200, Header: http.Header{"X": {"2"}}, Body: []byte("b")}, false},
		{"extra header", &Entry{StatusCode: 200, Header: http.Header{"X": {"1"}, "Y": {"1"}}, Body: []byte("b")}, false},
		{"body", &Entry{StatusCode: 200, Header: http.Header{"X": {"1"}}, Body: []byte("c")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.same, base.samePayload(tt.other))
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	e := &Entry{Key: "GET http://example.com/", Generation: 2, Space: "pages", Strategy: "NetworkFirst", StatusCode: 200, Header: http.Header{"X": {"1"}}, Body: []byte("hi")}
	data, err := e.encode()
	require.NoError(t, err)

	got, err := decodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, e.Key, got.Key)
	assert.Equal(t, e.Generation, got.Generation)
	assert.Equal(t, e.Space, got.Space)
	assert.Equal(t, e.Strategy, got.Strategy)
	assert.Equal(t, "hi", string(got.Body))
	assert.Equal(t, "1", got.Header.Get("X"))

	_, err = decodeEntry([]byte("no newline"))
	assert.Error(t, err)
}
