package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
	"github.com/iTrooz/offline-cache-proxy/internal/metrics"
	"github.com/iTrooz/offline-cache-proxy/internal/syncq"
)

// ConnectivityReporter receives what network round trips reveal about connectivity
type ConnectivityReporter interface {
	Report(online bool) bool
}

// Ensure NetworkFetcher is usable for sync replays
var _ syncq.Fetcher = (*NetworkFetcher)(nil)

// headers that only make sense between the client and the proxy
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Proxy-Authorization",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Upgrade",
}

// NetworkFetcher is the real network path
type NetworkFetcher struct {
	client *http.Client
	conn   ConnectivityReporter
}

// NewNetworkFetcher fetches through transport (nil = a direct transport) and reports to conn (may be nil)
func NewNetworkFetcher(transport http.RoundTripper, conn ConnectivityReporter) *NetworkFetcher {
	if transport == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		// never loop back through a proxy from the environment
		tr.Proxy = nil
		transport = tr
	}
	return &NetworkFetcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		conn: conn,
	}
}

// Fetch performs req bounded by timeout (0 = only ctx). The body is read
// completely before returning, so the timeout covers the whole transfer.
func (f *NetworkFetcher) Fetch(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, error) {
	fetchCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	out := req.Clone(fetchCtx)
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidInput, "failed to rewind request body")
		}
		out.Body = body
	}

	done := metrics.TimeNetworkFetch()
	resp, err := f.client.Do(out)
	if err != nil {
		err = f.classify(ctx, fetchCtx, req, err)
		done(resultLabel(err))
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		err = f.classify(ctx, fetchCtx, req, err)
		done(resultLabel(err))
		return nil, err
	}
	done("ok")
	f.report(true)

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Request = req

	logrus.Debugf("Fetched %s %s -> %d", req.Method, req.URL, resp.StatusCode)
	return resp, nil
}

func (f *NetworkFetcher) classify(parent, fetchCtx context.Context, req *http.Request, err error) error {
	url := req.URL.String()

	// the caller went away, this says nothing about the network
	if stderrors.Is(parent.Err(), context.Canceled) {
		return errors.Wrapf(err, errors.CodeNetwork, "fetching %s was cancelled", url)
	}

	var netErr net.Error
	if stderrors.Is(fetchCtx.Err(), context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		logrus.Debugf("Network timeout: %s %s", req.Method, url)
		return cacheerr.NetworkTimeout(url, err)
	}

	logrus.Debugf("Network unavailable: %s %s: %v", req.Method, url, err)
	f.report(false)
	return cacheerr.NetworkUnavailable(url, err)
}

func (f *NetworkFetcher) report(online bool) {
	if f.conn != nil {
		f.conn.Report(online)
	}
}

func resultLabel(err error) string {
	switch {
	case cacheerr.IsNetworkTimeout(err):
		return "timeout"
	case cacheerr.IsNetworkUnavailable(err):
		return "unavailable"
	}
	return "cancelled"
}
