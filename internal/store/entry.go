package store

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/iTrooz/offline-cache-proxy/internal/cache/httpcache"
)

// Entry is a cached response for one request key inside one generation
type Entry struct {
	Key        string
	Generation uint64
	// Space is the name of the rule whose key-space the entry belongs to
	Space      string
	Strategy   string
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// NewEntry snapshots resp. The response body is consumed and replaced so the caller can still read it.
func NewEntry(resp *http.Response) (*Entry, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeNetwork, "failed to read response body")
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &Entry{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// Age of the entry at now
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Response rebuilds an http.Response answering req
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	header.Del("Transfer-Encoding")

	return &http.Response{
		Status:        strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// headers that change between identical responses or that framing rewrites
var volatileHeaders = []string{"Date", "Content-Length", "Transfer-Encoding"}

// samePayload compares status, headers and body
func (e *Entry) samePayload(o *Entry) bool {
	if e.StatusCode != o.StatusCode || !bytes.Equal(e.Body, o.Body) {
		return false
	}
	a, b := e.Header.Clone(), o.Header.Clone()
	if a == nil {
		a = http.Header{}
	}
	if b == nil {
		b = http.Header{}
	}
	for _, h := range volatileHeaders {
		a.Del(h)
		b.Del(h)
	}
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}

type entryMeta struct {
	Key        string    `json:"key"`
	Generation uint64    `json:"generation"`
	Space      string    `json:"space"`
	Strategy   string    `json:"strategy"`
	StoredAt   time.Time `json:"stored_at"`
}

// encode writes one JSON metadata line followed by the serialized response
func (e *Entry) encode() ([]byte, error) {
	meta, err := json.Marshal(entryMeta{
		Key:        e.Key,
		Generation: e.Generation,
		Space:      e.Space,
		Strategy:   e.Strategy,
		StoredAt:   e.StoredAt,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to encode entry metadata")
	}

	resp, err := httpcache.Serialize(e.Response(nil))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(meta)+1+len(resp))
	out = append(out, meta...)
	out = append(out, '\n')
	return append(out, resp...), nil
}

func decodeMeta(data []byte) (entryMeta, []byte, error) {
	var meta entryMeta
	line, rest, ok := bytes.Cut(data, []byte("\n"))
	if !ok {
		return meta, nil, errors.New(errors.CodeInvalidInput, "entry record has no metadata line")
	}
	if err := json.Unmarshal(line, &meta); err != nil {
		return meta, nil, errors.Wrap(err, errors.CodeInvalidInput, "invalid entry metadata")
	}
	return meta, rest, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	meta, rest, err := decodeMeta(data)
	if err != nil {
		return nil, err
	}

	resp, err := httpcache.Deserialize(rest)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "truncated entry body")
	}

	return &Entry{
		Key:        meta.Key,
		Generation: meta.Generation,
		Space:      meta.Space,
		Strategy:   meta.Strategy,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		StoredAt:   meta.StoredAt,
	}, nil
}
