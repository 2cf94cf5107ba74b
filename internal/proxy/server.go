package proxy

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
	"github.com/iTrooz/offline-cache-proxy/internal/config"
)

// Server represents the caching proxy server
type Server struct {
	config      *config.Config
	proxy       *goproxy.ProxyHttpServer
	interceptor *Interceptor

	mu        sync.Mutex
	http      *http.Server
	listeners []net.Listener
}

// goproxyLogger routes goproxy's own logging to logrus at debug level
type goproxyLogger struct{}

func (goproxyLogger) Printf(format string, v ...any) {
	logrus.Debugf("goproxy: "+format, v...)
}

// New creates a new proxy server handing every request to interceptor
func New(cfg *config.Config, interceptor *Interceptor) (*Server, error) {
	p := goproxy.NewProxyHttpServer()
	p.Verbose = logrus.IsLevelEnabled(logrus.DebugLevel)
	p.Logger = goproxyLogger{}

	s := &Server{
		config:      cfg,
		proxy:       p,
		interceptor: interceptor,
	}

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return nil, err
		}
	}

	p.OnRequest().DoFunc(func(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		return requ, s.serve(requ)
	})

	return s, nil
}

// GetProxy returns the proxy handler
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

func (s *Server) serve(requ *http.Request) *http.Response {
	target, err := targetURL(requ)
	if err != nil {
		return errorResponse(requ, err)
	}
	requ.URL = target

	resp, err := s.interceptor.Handle(requ.Context(), requ)
	if err != nil {
		logrus.WithError(err).Warnf("Failed to answer %s %s", requ.Method, requ.URL)
		return errorResponse(requ, err)
	}
	logrus.Infof("%s %s -> %d (%s)", requ.Method, requ.URL, resp.StatusCode, resp.Header.Get(HeaderCache))
	return resp
}

// StatusCode maps an interceptor failure to the HTTP status returned to the client
func StatusCode(err error) int {
	switch {
	case cacheerr.IsNetworkTimeout(err):
		return http.StatusGatewayTimeout
	case cacheerr.IsNetworkUnavailable(err):
		return http.StatusBadGateway
	case cacheerr.IsNotCached(err):
		return http.StatusNotFound
	}
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorResponse(requ *http.Request, err error) *http.Response {
	body, mErr := json.Marshal(errors.ToJSON(err))
	if mErr != nil {
		body = []byte(fmt.Sprintf(`{"code":"UNKNOWN","message":%q}`, err.Error()))
	}
	resp := goproxy.NewResponse(requ, "application/json", StatusCode(err), string(body))
	resp.Header.Set(HeaderCache, CacheMiss)
	return resp
}

// Start listens on the configured port and serves until Shutdown
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.Port))
	if err != nil {
		return errors.Wrapf(err, errors.CodeUnavailable, "failed to listen on port %d", s.config.Server.Port)
	}
	return s.Serve(ln)
}

// Serve serves the proxy on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.proxy,
		ReadHeaderTimeout: 30 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	logrus.Infof("Starting offline cache proxy on %s", ln.Addr())
	logrus.Infof("Cache backend: %s", s.config.Cache.Backend)
	logrus.Infof("Route rules: %d", len(s.config.Rules))

	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, errors.CodeUnavailable, "proxy server failed")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
