// Package httpcache derives cache identities from requests and encodes responses for storage
package httpcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/jmgilman/go/errors"
)

// RequestKey returns the identity of a request: upper-case method, a space, and the normalized URL
func RequestKey(method string, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, errors.CodeInvalidInput, "invalid URL %q", rawURL)
	}
	return strings.ToUpper(method) + " " + NormalizeURL(u), nil
}

// NormalizeURL lower-cases scheme and host, drops default ports and the fragment,
// and sorts the query parameters
func NormalizeURL(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = normalizeHost(n.Scheme, n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	if n.Path == "" {
		n.Path = "/"
		n.RawPath = ""
	}
	if n.RawQuery != "" {
		n.RawQuery = n.Query().Encode()
	}
	n.ForceQuery = false
	return n.String()
}

func normalizeHost(scheme, host string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

// StoragePath maps a request key to a readable backend key:
// entries/<gen>/<host>/<path>/<METHOD>_<hash>
func StoragePath(generation uint64, requestKey string) string {
	method, rawURL, _ := strings.Cut(requestKey, " ")

	pathParts := []string{strings.TrimSuffix(GenerationPrefix(generation), "/")}
	if u, err := url.Parse(rawURL); err == nil {
		host := strings.NewReplacer(":", "_", "[", "", "]", "").Replace(u.Host)
		if host == "" {
			host = "_"
		}
		pathParts = append(pathParts, host)
		if p := strings.Trim(u.EscapedPath(), "/"); p != "" {
			pathParts = append(pathParts, p)
		}
	}

	// the hash covers the whole key so that URLs mapping to the same
	// directory (trailing slash, query, escaping) stay distinct
	hash := sha256.Sum256([]byte(requestKey))
	pathParts = append(pathParts, method+"_"+hex.EncodeToString(hash[:])[:8])

	return strings.TrimSuffix(strings.Join(pathParts, "/"), "/")
}

// GenerationPrefix is the backend prefix holding every entry of a generation
func GenerationPrefix(generation uint64) string {
	return fmt.Sprintf("entries/%d/", generation)
}
