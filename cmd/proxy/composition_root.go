package main

import (
	"context"
	"fmt"
	"net"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/admin"
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

// CompositionRoot holds every component of the proxy and wires them together
type CompositionRoot struct {
	Config *config.Config

	// Persistence
	Entries cache.GenericCache
	Tasks   cache.GenericCache

	// Engine
	Bus          *events.Bus
	Store        *store.Store
	Resolver     *route.Resolver
	Connectivity *lifecycle.Connectivity
	Fetcher      *proxy.NetworkFetcher
	Queue        *syncq.Queue
	Versions     *version.Manager
	Interceptor  *proxy.Interceptor
	Runtime      *lifecycle.Runtime
	Prober       *lifecycle.Prober

	// Servers
	ProxyServer *proxy.Server
	AdminServer *admin.Server

	closeBackends func() error
	stopRuntime   context.CancelFunc
	runtimeDone   chan struct{}
}

// NewCompositionRoot builds every component from cfg. Nothing is loaded or
// started until Start.
//
// Initialization order:
// 1. Logger
// 2. Backends (cache entries and sync tasks)
// 3. Engine (store, routes, fetcher, queue, versions, interceptor, lifecycle)
// 4. Servers (proxy and admin API)
func NewCompositionRoot(cfg *config.Config) (*CompositionRoot, error) {
	root := &CompositionRoot{Config: cfg}

	if err := root.initLogger(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := root.initBackends(); err != nil {
		return nil, fmt.Errorf("failed to initialize backends: %w", err)
	}

	if err := root.initEngine(); err != nil {
		_ = root.closeBackends()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	if err := root.initServers(); err != nil {
		_ = root.closeBackends()
		return nil, fmt.Errorf("failed to initialize servers: %w", err)
	}

	return root, nil
}

func (r *CompositionRoot) initLogger() error {
	level, err := logrus.ParseLevel(r.Config.Log.Level)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid log level")
	}
	logrus.SetLevel(level)

	if r.Config.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func (r *CompositionRoot) initBackends() error {
	c := r.Config.Cache

	switch c.Backend {
	case "memory":
		entries, err := cache.NewMemory(c.Memory.SizeMB)
		if err != nil {
			return err
		}
		r.Entries = entries
		// bigcache may drop values when full, queued requests must survive
		r.Tasks = cache.NewMemFS()
		r.closeBackends = entries.Close
	case "redis":
		timeout, err := r.Config.GetRedisTimeout()
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "invalid redis timeout")
		}
		client, err := cache.NewRedisClient(c.Redis.URL, timeout)
		if err != nil {
			return err
		}
		r.Entries = cache.NewRedis(client, c.Redis.Namespace, timeout)
		r.Tasks = cache.NewRedis(client, c.Redis.Namespace+":sync", timeout)
		// both namespaces share the client
		r.closeBackends = client.Close
	default:
		r.Entries = cache.NewDisk(c.Folder)
		r.Tasks = cache.NewDisk(r.Config.Sync.Folder)
		r.closeBackends = func() error { return nil }
	}

	for _, backend := range []cache.GenericCache{r.Entries, r.Tasks} {
		if err := backend.Init(); err != nil {
			_ = r.closeBackends()
			return err
		}
	}

	logrus.Infof("Using %s backend", c.Backend)
	return nil
}

func (r *CompositionRoot) initEngine() error {
	cfg := r.Config

	timeout, err := cfg.GetNetworkTimeout()
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid network timeout")
	}
	base, max, err := cfg.GetBackoff()
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid sync backoff")
	}

	r.Bus = events.NewBus()
	r.Store = store.New(r.Entries, store.WithQuota(cfg.Cache.QuotaBytes))

	r.Resolver, err = route.NewResolver(cfg.Rules, timeout)
	if err != nil {
		return err
	}

	r.Connectivity = lifecycle.NewConnectivity(r.Bus, true)
	r.Fetcher = proxy.NewNetworkFetcher(nil, r.Connectivity)

	r.Queue = syncq.New(r.Tasks, r.Fetcher, r.Bus, syncq.Options{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseBackoff: base,
		MaxBackoff:  max,
		Timeout:     timeout,
		RuleTimeout: r.Resolver.NetworkTimeout,
	})

	r.Versions = version.NewManager(r.Store, r.Bus)
	r.Interceptor = proxy.NewInterceptor(r.Resolver, r.Store, r.Versions, r.Fetcher, r.Queue, r.Bus)
	r.Runtime = lifecycle.NewRuntime(r.Versions, r.Queue, r.Connectivity, r.Interceptor)
	r.Interceptor.OnQueued(r.Runtime.DrainIfOnline)

	if cfg.Network.ProbeURL != "" {
		interval, err := cfg.GetProbeInterval()
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "invalid probe interval")
		}
		r.Prober = lifecycle.NewProber(cfg.Network.ProbeURL, interval, timeout, r.Connectivity)
	}

	return nil
}

func (r *CompositionRoot) initServers() error {
	var err error
	r.ProxyServer, err = proxy.New(r.Config, r.Interceptor)
	if err != nil {
		return err
	}

	r.AdminServer = admin.NewServer(admin.Deps{
		Config:       r.Config,
		Lifecycle:    r.Runtime,
		Versions:     r.Versions,
		Store:        r.Store,
		Queue:        r.Queue,
		Bus:          r.Bus,
		Connectivity: r.Connectivity,
	})
	return nil
}

// Start restores persisted state, brings up the active generation and starts
// the lifecycle loop. Servers are started separately.
func (r *CompositionRoot) Start(ctx context.Context) error {
	if err := r.Store.Load(ctx); err != nil {
		return err
	}
	if err := r.Queue.Load(ctx); err != nil {
		return err
	}

	manifest := version.Manifest{Version: r.Config.Manifest.Version, URLs: r.Config.PrecacheURLs()}
	if err := r.Versions.Init(ctx, manifest, r.Interceptor); err != nil {
		if r.Versions.Active() == 0 {
			return err
		}
		// keep serving the restored generation, install can be retried from the admin API
		logrus.WithError(err).Warnf("Installing manifest %s failed, serving generation %d", manifest.Version, r.Versions.Active())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.stopRuntime = cancel
	r.runtimeDone = make(chan struct{})
	go func() {
		defer close(r.runtimeDone)
		_ = r.Runtime.Run(runCtx)
	}()

	pending, err := r.Queue.Len(ctx)
	if err != nil {
		return err
	}
	if pending > 0 {
		logrus.Infof("Replaying %d queued requests", pending)
		r.Runtime.StartDrain()
	}

	if r.Prober != nil {
		r.Prober.Start()
	}
	return nil
}

// Serve runs the proxy, the admin API (when adminLn is set) and transparent
// HTTPS. It returns as soon as one of them stops.
func (r *CompositionRoot) Serve(proxyLn, adminLn net.Listener) error {
	errs := make(chan error, 3)

	go func() { errs <- r.ProxyServer.Serve(proxyLn) }()
	if adminLn != nil {
		go func() { errs <- r.AdminServer.Serve(adminLn) }()
	}
	if addr := r.Config.Server.HTTPS.TransparentAddr; addr != "" && r.Config.Server.HTTPS.Enabled {
		go func() { errs <- r.ProxyServer.StartTransparentHTTPS(addr) }()
	}

	return <-errs
}

// Listen opens the configured proxy and admin listeners; adminLn is nil when the admin API is disabled
func (r *CompositionRoot) Listen() (proxyLn, adminLn net.Listener, err error) {
	proxyLn, err = net.Listen("tcp", fmt.Sprintf(":%d", r.Config.Server.Port))
	if err != nil {
		return nil, nil, errors.Wrapf(err, errors.CodeUnavailable, "failed to listen on port %d", r.Config.Server.Port)
	}
	if r.Config.Server.AdminPort == 0 {
		return proxyLn, nil, nil
	}
	adminLn, err = net.Listen("tcp", fmt.Sprintf(":%d", r.Config.Server.AdminPort))
	if err != nil {
		_ = proxyLn.Close()
		return nil, nil, errors.Wrapf(err, errors.CodeUnavailable, "failed to listen on admin port %d", r.Config.Server.AdminPort)
	}
	return proxyLn, adminLn, nil
}

// Shutdown stops the servers, waits for background work and closes the backends
func (r *CompositionRoot) Shutdown(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	keep(r.ProxyServer.Shutdown(ctx))
	keep(r.AdminServer.Stop(ctx))

	if r.Prober != nil {
		r.Prober.Stop()
	}
	r.Interceptor.Wait()

	if r.stopRuntime != nil {
		r.stopRuntime()
		<-r.runtimeDone
	}
	r.Runtime.Close()

	keep(r.closeBackends())
	return first
}
