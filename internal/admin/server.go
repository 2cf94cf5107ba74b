// Package admin serves lifecycle signals and inspection endpoints next to the proxy
package admin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/events"
	"github.com/iTrooz/offline-cache-proxy/internal/store"
	"github.com/iTrooz/offline-cache-proxy/internal/syncq"
	"github.com/iTrooz/offline-cache-proxy/internal/version"
)

var validate = validator.New()

// Lifecycle delivers install, activate and connectivity signals
type Lifecycle interface {
	Install(ctx context.Context, manifest version.Manifest) (uint64, error)
	Activate(ctx context.Context) (uint64, error)
	SetOnline(ctx context.Context, online bool) error
}

// SyncQueue is the part of the sync queue exposed for inspection
type SyncQueue interface {
	Pending(ctx context.Context) ([]syncq.Task, error)
	DeadLetters(ctx context.Context) ([]syncq.Task, error)
	Drain(ctx context.Context) (int, error)
}

// Versions reports generation states
type Versions interface {
	Active() uint64
	Waiting() uint64
	State(id uint64) version.State
	Holders(id uint64) int
}

// Connectivity reports the last known network state
type Connectivity interface {
	Online() bool
}

// Deps are the components the admin API reads from and signals
type Deps struct {
	Config       *config.Config
	Lifecycle    Lifecycle
	Versions     Versions
	Store        *store.Store
	Queue        SyncQueue
	Bus          *events.Bus
	Connectivity Connectivity
}

// Server is the admin HTTP server
type Server struct {
	deps Deps

	mu     sync.Mutex
	server *http.Server
}

func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Start serves the admin API on addr until Stop
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, errors.CodeUnavailable, "failed to listen on %s", addr)
	}
	return s.Serve(ln)
}

// Serve serves the admin API on ln until Stop
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	logrus.Infof("Starting admin API on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, errors.CodeUnavailable, "admin server failed")
	}
	return nil
}

// Stop stops the admin server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	logrus.Info("Stopping admin API")
	return srv.Shutdown(ctx)
}

// Router creates and configures the HTTP router
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/config", s.handleConfig).Methods("GET")
	router.HandleFunc("/generations", s.handleGenerations).Methods("GET")
	router.HandleFunc("/store/stats", s.handleStoreStats).Methods("GET")

	// Lifecycle signals
	router.HandleFunc("/lifecycle/install", s.handleInstall).Methods("POST")
	router.HandleFunc("/lifecycle/activate", s.handleActivate).Methods("POST")
	router.HandleFunc("/lifecycle/connectivity", s.handleConnectivity).Methods("POST")

	// Background sync
	router.HandleFunc("/sync/tasks", s.handlePending).Methods("GET")
	router.HandleFunc("/sync/dead", s.handleDead).Methods("GET")
	router.HandleFunc("/sync/drain", s.handleDrain).Methods("POST")

	router.HandleFunc("/events", s.handleEvents).Methods("GET")

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"online":            s.deps.Connectivity.Online(),
		"active_generation": s.deps.Versions.Active(),
		"time":              time.Now().UTC(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Config.YAML()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(out)
}

// GenerationView is a generation with its live state
type GenerationView struct {
	store.Generation
	Live    version.State `json:"live_state,omitempty"`
	Holders int           `json:"holders"`
	Entries int           `json:"entries"`
	Bytes   int64         `json:"bytes"`
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	gens, err := s.deps.Store.ListGenerations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	sizes := map[uint64]store.GenerationStats{}
	for _, g := range s.deps.Store.Stats().Generations {
		sizes[g.ID] = g
	}

	views := make([]GenerationView, 0, len(gens))
	for _, g := range gens {
		views = append(views, GenerationView{
			Generation: g,
			Live:       s.deps.Versions.State(g.ID),
			Holders:    s.deps.Versions.Holders(g.ID),
			Entries:    sizes[g.ID].Entries,
			Bytes:      sizes[g.ID].Bytes,
		})
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{
		"active":      s.deps.Versions.Active(),
		"waiting":     s.deps.Versions.Waiting(),
		"generations": views,
	})
}

func (s *Server) handleStoreStats(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, http.StatusOK, s.deps.Store.Stats())
}

// InstallRequest overrides the configured manifest; an empty body installs the configured one
type InstallRequest struct {
	Version string   `json:"version" validate:"required"`
	URLs    []string `json:"urls" validate:"dive,url"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	manifest := version.Manifest{
		Version: s.deps.Config.Manifest.Version,
		URLs:    s.deps.Config.PrecacheURLs(),
	}

	var req InstallRequest
	found, err := s.parseRequest(r, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if found {
		manifest = version.Manifest{Version: req.Version, URLs: req.URLs}
	}

	gen, err := s.deps.Lifecycle.Install(r.Context(), manifest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{
		"generation": gen,
		"state":      s.deps.Versions.State(gen),
	})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	gen, err := s.deps.Lifecycle.Activate(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{"generation": gen})
}

// ConnectivityRequest reports the host's view of the network
type ConnectivityRequest struct {
	Online *bool `json:"online" validate:"required"`
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	found, err := s.parseRequest(r, &req)
	if err == nil && !found {
		err = errors.New(errors.CodeInvalidInput, "request body is required")
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.deps.Lifecycle.SetOnline(r.Context(), *req.Online); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{"online": s.deps.Connectivity.Online()})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Queue.Pending(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []syncq.Task{}
	}
	s.writeResponse(w, http.StatusOK, tasks)
}

func (s *Server) handleDead(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Queue.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []syncq.Task{}
	}
	s.writeResponse(w, http.StatusOK, tasks)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	processed, err := s.deps.Queue.Drain(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{"processed": processed})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, http.StatusOK, s.deps.Bus.Recent())
}

// parseRequest decodes and validates an optional JSON body; found is false for an empty body
func (s *Server) parseRequest(r *http.Request, v interface{}) (bool, error) {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeInvalidInput, "failed to read request body")
	}
	if len(body) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return true, errors.Wrap(err, errors.CodeInvalidInput, "invalid JSON body")
	}
	if err := validate.Struct(v); err != nil {
		return true, errors.Wrap(err, errors.CodeInvalidInput, "invalid request")
	}
	return true, nil
}

// statusCode maps an error to the admin API status
func statusCode(err error) int {
	switch {
	case cacheerr.IsNetwork(err):
		return http.StatusBadGateway
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case cacheerr.CodeInvalidTransition, errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeResponse writes JSON response
func (s *Server) writeResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to write response")
	}
}

// writeError writes the structured error body
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).Error("Admin request failed")
	} else {
		logrus.WithError(err).Debug("Admin request rejected")
	}
	s.writeResponse(w, status, errors.ToJSON(err))
}
