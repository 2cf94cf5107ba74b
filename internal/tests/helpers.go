package tests

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/events"
	"github.com/iTrooz/offline-cache-proxy/internal/lifecycle"
	"github.com/iTrooz/offline-cache-proxy/internal/proxy"
	"github.com/iTrooz/offline-cache-proxy/internal/route"
	"github.com/iTrooz/offline-cache-proxy/internal/store"
	"github.com/iTrooz/offline-cache-proxy/internal/syncq"
	"github.com/iTrooz/offline-cache-proxy/internal/version"
)

func upstreamHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message": "Hello from upstream", "path": "` + requ.URL.Path + `"}`))
	})
}

// fixture_upstream creates a test upstream server
func fixture_upstream() *httptest.Server {
	return httptest.NewServer(upstreamHandler())
}

// fixture_tls_upstream creates a test upstream server speaking HTTPS
func fixture_tls_upstream() *httptest.Server {
	return httptest.NewTLSServer(upstreamHandler())
}

// fixture_config creates a test config with the given rules
func fixture_config(rules []config.RouteRule) *config.Config {
	cfg := config.Default()
	cfg.Cache.Backend = "memory"
	cfg.Network.Timeout = "2s"
	cfg.Sync.BaseBackoff = "1ms"
	cfg.Sync.MaxBackoff = "5ms"
	cfg.Rules = rules
	return &cfg
}

// fixture_ca writes a fresh CA certificate and key into dir and returns their paths
// with a pool trusting the CA
func fixture_ca(dir string) (certFile, keyFile string, pool *x509.CertPool, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "offline-cache-proxy test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", "", nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	certFile = filepath.Join(dir, "ca.pem")
	keyFile = filepath.Join(dir, "ca.key")
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		return "", "", nil, err
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return "", "", nil, err
	}

	pool = x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)
	return certFile, keyFile, pool, nil
}

// stack is every engine component behind a proxy server
type stack struct {
	Server      *proxy.Server
	Interceptor *proxy.Interceptor
	Versions    *version.Manager
	Queue       *syncq.Queue
	Bus         *events.Bus
}

// fixture_stack wires an in-memory engine for cfg and installs its manifest.
// transport reaches the upstreams, nil uses the default one.
func fixture_stack(cfg *config.Config, transport http.RoundTripper) (*stack, error) {
	timeout, err := cfg.GetNetworkTimeout()
	if err != nil {
		return nil, err
	}
	base, max, err := cfg.GetBackoff()
	if err != nil {
		return nil, err
	}

	entries, err := cache.NewMemory(cfg.Cache.Memory.SizeMB)
	if err != nil {
		return nil, err
	}
	resolver, err := route.NewResolver(cfg.Rules, timeout)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	s := store.New(entries)
	conn := lifecycle.NewConnectivity(bus, true)
	fetcher := proxy.NewNetworkFetcher(transport, conn)
	queue := syncq.New(cache.NewMemFS(), fetcher, bus, syncq.Options{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseBackoff: base,
		MaxBackoff:  max,
		Timeout:     timeout,
		RuleTimeout: resolver.NetworkTimeout,
	})
	versions := version.NewManager(s, bus)
	interceptor := proxy.NewInterceptor(resolver, s, versions, fetcher, queue, bus)

	manifest := version.Manifest{Version: cfg.Manifest.Version, URLs: cfg.PrecacheURLs()}
	if err := versions.Init(context.Background(), manifest, interceptor); err != nil {
		return nil, err
	}

	server, err := proxy.New(cfg, interceptor)
	if err != nil {
		return nil, err
	}

	return &stack{
		Server:      server,
		Interceptor: interceptor,
		Versions:    versions,
		Queue:       queue,
		Bus:         bus,
	}, nil
}

// fixture_proxy serves the proxy from a test server and returns an HTTP client going
// through it; roots, when set, are the CAs the client trusts
func fixture_proxy(server *proxy.Server, roots *x509.CertPool) (*httptest.Server, *http.Client) {
	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(server.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	if roots != nil {
		transport.TLSClientConfig = &tls.Config{RootCAs: roots}
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   10 * time.Second,
	}

	return proxyTestServer, client
}
