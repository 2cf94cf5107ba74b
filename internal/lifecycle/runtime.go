// Package lifecycle serializes install, activate and connectivity signals
package lifecycle

import (
	"context"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
	"github.com/iTrooz/offline-cache-proxy/internal/syncq"
	"github.com/iTrooz/offline-cache-proxy/internal/version"
)

// InstallEvent asks for a new generation built from Manifest
type InstallEvent struct {
	Manifest version.Manifest
	reply    chan Result
}

// ActivateEvent promotes the waiting generation
type ActivateEvent struct {
	reply chan Result
}

// ConnectivityEvent reports the host's view of the network
type ConnectivityEvent struct {
	Online bool
	reply  chan Result
}

// Result answers a lifecycle event
type Result struct {
	Generation uint64
	Err        error
}

// Drainer replays queued requests
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// Runtime handles lifecycle events one at a time on a single goroutine.
// Sync drains run beside it, started whenever connectivity comes back.
type Runtime struct {
	versions  *version.Manager
	queue     Drainer
	conn      *Connectivity
	precacher version.Precacher

	events chan any

	ctx    context.Context
	cancel context.CancelFunc
	drains sync.WaitGroup
}

var _ Drainer = (*syncq.Queue)(nil)

func NewRuntime(versions *version.Manager, queue Drainer, conn *Connectivity, precacher version.Precacher) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		versions:  versions,
		queue:     queue,
		conn:      conn,
		precacher: precacher,
		events:    make(chan any),
		ctx:       ctx,
		cancel:    cancel,
	}
	conn.OnChange(func(online bool) {
		if online {
			r.StartDrain()
		}
	})
	return r
}

// Run processes events until ctx is done
func (r *Runtime) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.events:
			r.handle(ctx, ev)
		}
	}
}

func (r *Runtime) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case InstallEvent:
		gen, err := r.versions.Install(ctx, e.Manifest, r.precacher)
		e.reply <- Result{Generation: gen, Err: err}
	case ActivateEvent:
		gen, err := r.versions.Activate(ctx)
		e.reply <- Result{Generation: gen, Err: err}
	case ConnectivityEvent:
		r.conn.Report(e.Online)
		e.reply <- Result{Generation: r.versions.Active()}
	default:
		logrus.Warnf("Ignoring unknown lifecycle event %T", ev)
	}
}

func (r *Runtime) send(ctx context.Context, ev any, reply chan Result) (Result, error) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Install delivers an install signal and waits for the new generation id
func (r *Runtime) Install(ctx context.Context, manifest version.Manifest) (uint64, error) {
	reply := make(chan Result, 1)
	res, err := r.send(ctx, InstallEvent{Manifest: manifest, reply: reply}, reply)
	return res.Generation, err
}

// Activate delivers an activate signal and waits for the activated id
func (r *Runtime) Activate(ctx context.Context) (uint64, error) {
	reply := make(chan Result, 1)
	res, err := r.send(ctx, ActivateEvent{reply: reply}, reply)
	return res.Generation, err
}

// SetOnline delivers a connectivity signal; going online starts a drain
func (r *Runtime) SetOnline(ctx context.Context, online bool) error {
	reply := make(chan Result, 1)
	_, err := r.send(ctx, ConnectivityEvent{Online: online, reply: reply}, reply)
	return err
}

// StartDrain replays the sync queue in the background
func (r *Runtime) StartDrain() {
	r.drains.Add(1)
	go func() {
		defer r.drains.Done()
		n, err := r.queue.Drain(r.ctx)
		switch {
		case err == nil:
			if n > 0 {
				logrus.WithField("processed", n).Info("Background sync finished")
			}
		case cacheerr.IsNetworkUnavailable(err):
			r.conn.Report(false)
		case errors.Is(err, context.Canceled):
		default:
			logrus.WithError(err).Error("Background sync failed")
		}
	}()
}

// DrainIfOnline starts a drain unless the network is known to be down. Requests
// queued after a timeout leave connectivity online, so no flip would replay them.
func (r *Runtime) DrainIfOnline() {
	if r.conn.Online() {
		r.StartDrain()
	}
}

// Close cancels running drains and waits for them
func (r *Runtime) Close() {
	r.cancel()
	r.drains.Wait()
}

// WaitDrains blocks until every started drain returned
func (r *Runtime) WaitDrains() {
	r.drains.Wait()
}
