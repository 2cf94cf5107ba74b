package syncq

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
)

// TaskHeader carries the task id on replayed requests so upstreams can deduplicate
const TaskHeader = "X-Sync-Task"

// Task is a mutating request recorded for later replay
type Task struct {
	ID         string      `json:"id"`
	Rule       string      `json:"rule,omitempty"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Retries    int         `json:"retries"`
	LastError  string      `json:"last_error,omitempty"`
}

// NewTask captures req. Its body is consumed and restored.
func NewTask(req *http.Request, rule string) (Task, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return Task{}, errors.Wrap(err, errors.CodeInvalidInput, "failed to read request body")
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	header := req.Header.Clone()
	// hop-by-hop and proxy headers make no sense on replay
	for _, h := range []string{"Connection", "Proxy-Connection", "Proxy-Authorization", "Keep-Alive", "Te", "Trailer", "Upgrade"} {
		header.Del(h)
	}

	return Task{
		Rule:   rule,
		Method: req.Method,
		URL:    req.URL.String(),
		Header: header,
		Body:   body,
	}, nil
}

// Request rebuilds the HTTP request to replay
func (t Task) Request(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, t.Method, t.URL, bytes.NewReader(t.Body))
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "task %s has an invalid request", t.ID)
	}
	req.Header = t.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set(TaskHeader, t.ID)
	return req, nil
}
