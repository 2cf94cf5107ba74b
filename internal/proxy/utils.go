package proxy

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"net/url"

	"github.com/jmgilman/go/errors"
)

// targetURL returns the absolute URL r is for. Requests reaching the proxy
// as origin-form (transparent or MITM) get their scheme and host from the connection.
func targetURL(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		return r.URL, nil
	}
	if r.Host == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "cannot determine target of %s %s", r.Method, r.URL)
	}

	// Reconstruct URL from Host header
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	u := *r.URL
	u.Scheme = scheme
	u.Host = r.Host
	return &u, nil
}

// dumbResponseWriter hands a raw connection to goproxy's CONNECT handling
type dumbResponseWriter struct {
	net.Conn
}

func (dumbResponseWriter) Header() http.Header {
	return http.Header{}
}

func (d dumbResponseWriter) Write(buf []byte) (int, error) {
	// goproxy acknowledges the CONNECT first, the client never sent one
	if bytes.Equal(buf, []byte("HTTP/1.0 200 Connection established\r\n\r\n")) || bytes.Equal(buf, []byte("HTTP/1.0 200 OK\r\n\r\n")) {
		return len(buf), nil
	}
	return d.Conn.Write(buf)
}

func (dumbResponseWriter) WriteHeader(int) {}

func (d dumbResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return d, bufio.NewReadWriter(bufio.NewReader(d), bufio.NewWriter(d)), nil
}
