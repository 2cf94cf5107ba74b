package httpcache

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httputil"

	"github.com/jmgilman/go/errors"
)

const PREFIX = "---HTTP-RESPONSE---\n"

// Serialize dumps the http.Response, body included, behind a marker prefix.
// The response body stays readable afterwards.
func Serialize(resp *http.Response) ([]byte, error) {
	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to dump response")
	}

	return append([]byte(PREFIX), b...), nil
}

// Deserialize parses a blob written by Serialize
func Deserialize(b []byte) (*http.Response, error) {
	if !bytes.HasPrefix(b, []byte(PREFIX)) {
		got := b
		if len(got) > len(PREFIX) {
			got = got[:len(PREFIX)]
		}
		return nil, errors.Newf(errors.CodeInvalidInput, "invalid prefix: expected '%s', got '%s'", PREFIX, got)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(PREFIX):])), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "failed to deserialize response")
	}

	return resp, nil
}
