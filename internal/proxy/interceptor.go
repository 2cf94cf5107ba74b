package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iTrooz/offline-cache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
	"github.com/iTrooz/offline-cache-proxy/internal/events"
	"github.com/iTrooz/offline-cache-proxy/internal/metrics"
	"github.com/iTrooz/offline-cache-proxy/internal/route"
	"github.com/iTrooz/offline-cache-proxy/internal/store"
	"github.com/iTrooz/offline-cache-proxy/internal/syncq"
	"github.com/iTrooz/offline-cache-proxy/internal/version"
)

// Response headers describing how a request was answered
const (
	HeaderCache      = "X-Cache"
	HeaderStrategy   = "X-Cache-Strategy"
	HeaderGeneration = "X-Cache-Generation"
)

// X-Cache values
const (
	CacheHit     = "HIT"
	CacheMiss    = "MISS"
	CacheStale   = "STALE"
	CacheOffline = "OFFLINE"
	CacheQueued  = "QUEUED"
)

// Enqueuer records failed mutating requests for replay
type Enqueuer interface {
	Enqueue(ctx context.Context, task syncq.Task) (syncq.Task, error)
}

// Ensure the sync queue and the interceptor fit their collaborators
var (
	_ Enqueuer          = (*syncq.Queue)(nil)
	_ version.Precacher = (*Interceptor)(nil)
)

// Interceptor is the Fetch Interceptor: every proxied request goes through Handle
type Interceptor struct {
	resolver *route.Resolver
	store    *store.Store
	versions *version.Manager
	fetcher  syncq.Fetcher
	queue    Enqueuer
	bus      *events.Bus
	now      func() time.Time
	// called after a request was queued, set before serving
	onQueued func()

	// network fetches with write-back, keyed by generation and request key
	flights singleflight.Group
	// background revalidations
	background sync.WaitGroup
}

func NewInterceptor(resolver *route.Resolver, s *store.Store, versions *version.Manager, fetcher syncq.Fetcher, queue Enqueuer, bus *events.Bus) *Interceptor {
	return &Interceptor{
		resolver: resolver,
		store:    s,
		versions: versions,
		fetcher:  fetcher,
		queue:    queue,
		bus:      bus,
		now:      time.Now,
	}
}

// OnQueued registers fn to run after each request the interceptor queues
func (i *Interceptor) OnQueued(fn func()) {
	i.onQueued = fn
}

// request carries everything resolved about one intercepted request
type request struct {
	req      *http.Request
	key      string
	gen      uint64
	strategy route.Strategy
	rule     *route.Rule
	log      *logrus.Entry
}

// Handle answers req. The active generation is pinned for the whole call, so
// an activation happening meanwhile never mixes two generations in one answer.
func (i *Interceptor) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !req.URL.IsAbs() {
		return nil, errors.Newf(errors.CodeInvalidInput, "request URL %q is not absolute", req.URL)
	}

	lease, err := i.versions.Acquire()
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	key, err := httpcache.RequestKey(req.Method, req.URL.String())
	if err != nil {
		return nil, err
	}
	strategy, rule := i.resolver.Resolve(req)

	r := &request{
		req:      req,
		key:      key,
		gen:      lease.Generation(),
		strategy: strategy,
		rule:     rule,
		log: logrus.WithFields(logrus.Fields{
			"key":        key,
			"rule":       rule.Name,
			"strategy":   strategy,
			"generation": lease.Generation(),
		}),
	}

	resp, err := i.handle(ctx, r, lease)
	if err != nil {
		metrics.RecordRequest(string(strategy), "error")
		r.log.WithError(err).Debug("Request failed")
		return nil, err
	}

	resp.Header.Set(HeaderStrategy, string(strategy))
	resp.Header.Set(HeaderGeneration, strconv.FormatUint(r.gen, 10))
	metrics.RecordRequest(string(strategy), strings.ToLower(resp.Header.Get(HeaderCache)))
	r.log.Debugf("Answered with X-Cache %s", resp.Header.Get(HeaderCache))
	return resp, nil
}

func (i *Interceptor) handle(ctx context.Context, r *request, lease *version.Lease) (*http.Response, error) {
	if r.strategy == route.NetworkOnly {
		return i.networkOnly(ctx, r)
	}

	var cached *store.Entry
	fresh := false
	if route.LooksUpFirst(r.strategy) {
		cached = i.lookup(ctx, r)
		fresh = cached != nil && (r.rule.MaxAge <= 0 || cached.Age(i.now()) <= r.rule.MaxAge)
	}

	switch route.Decide(r.strategy, cached != nil, fresh) {
	case route.ActionServe:
		return answer(cached.Response(r.req), CacheHit), nil

	case route.ActionServeAndRevalidate:
		i.revalidate(lease.Retain(), r)
		if fresh {
			return answer(cached.Response(r.req), CacheHit), nil
		}
		return answer(cached.Response(r.req), CacheStale), nil

	case route.ActionNotCached:
		return i.fallback(ctx, r, cacheerr.NotCached(r.key))

	case route.ActionFetch:
		entry, err := i.fetchAndStore(ctx, r)
		if err != nil {
			return i.fallback(ctx, r, err)
		}
		return answer(entry.Response(r.req), CacheMiss), nil

	case route.ActionFetchWithFallback:
		entry, err := i.fetchAndStore(ctx, r)
		if err == nil {
			return answer(entry.Response(r.req), CacheMiss), nil
		}
		if !cacheerr.IsNetwork(err) {
			return nil, err
		}
		stale, lookupErr := i.store.GetStale(ctx, r.key, r.gen)
		if lookupErr != nil {
			i.readFailed(r, lookupErr)
		}
		if stale != nil {
			r.log.WithError(err).Info("Network failed, serving cached entry")
			i.bus.PublishDetail(events.FallbackServed, r.key, err.Error())
			return answer(stale.Response(r.req), CacheStale), nil
		}
		return i.fallback(ctx, r, err)
	}

	return i.networkOnly(ctx, r)
}

// lookup reads the cache for strategies that look before fetching. CacheFirst
// and CacheOnly evict expired entries; StaleWhileRevalidate keeps them.
func (i *Interceptor) lookup(ctx context.Context, r *request) *store.Entry {
	var (
		e   *store.Entry
		err error
	)
	if r.strategy == route.StaleWhileRevalidate {
		e, err = i.store.GetStale(ctx, r.key, r.gen)
	} else {
		e, err = i.store.Get(ctx, r.key, r.gen, r.rule.MaxAge)
	}
	if err != nil {
		i.readFailed(r, err)
		return nil
	}
	return e
}

func (i *Interceptor) readFailed(r *request, err error) {
	r.log.WithError(err).Warn("Cache lookup failed, continuing without it")
	i.bus.PublishDetail(events.CacheReadFailed, r.key, err.Error())
}

func (i *Interceptor) networkOnly(ctx context.Context, r *request) (*http.Response, error) {
	mutating := !route.IsIdempotent(r.req.Method)
	if mutating {
		if err := bufferBody(r.req); err != nil {
			return nil, err
		}
	}

	resp, err := i.fetcher.Fetch(ctx, r.req, r.rule.NetworkTimeout)
	if err == nil {
		return answer(resp, CacheMiss), nil
	}
	if !cacheerr.IsNetwork(err) {
		return nil, err
	}
	// the catch-all never queues
	if mutating && !r.rule.IsDefault() {
		return i.enqueue(ctx, r, err)
	}
	return i.fallback(ctx, r, err)
}

// enqueue records a mutating request whose network attempt failed
func (i *Interceptor) enqueue(ctx context.Context, r *request, cause error) (*http.Response, error) {
	if r.req.GetBody != nil {
		body, err := r.req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to rewind request body")
		}
		r.req.Body = body
	}

	task, err := syncq.NewTask(r.req, r.rule.Name)
	if err != nil {
		return nil, err
	}
	task, err = i.queue.Enqueue(context.WithoutCancel(ctx), task)
	if err != nil {
		r.log.WithError(err).Error("Failed to queue request for background sync")
		return nil, errors.Wrapf(cause, errors.GetCode(cause), "request failed and could not be queued: %v", err)
	}
	if i.onQueued != nil {
		i.onQueued()
	}

	if !r.rule.QueuedResponse {
		return nil, cause
	}

	resp := &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       r.req,
	}
	resp.Header.Set(syncq.TaskHeader, task.ID)
	resp.Header.Set("Content-Length", "0")
	return answer(resp, CacheQueued), nil
}

// fallback answers with the rule's offline resource when there is one, else fails with cause
func (i *Interceptor) fallback(ctx context.Context, r *request, cause error) (*http.Response, error) {
	if r.rule.OfflineFallback == "" {
		return nil, cause
	}

	key, err := httpcache.RequestKey(http.MethodGet, r.rule.OfflineFallback)
	if err != nil {
		return nil, cause
	}
	e, err := i.store.GetStale(ctx, key, r.gen)
	if err != nil {
		i.readFailed(r, err)
		return nil, cause
	}
	if e == nil {
		r.log.Warnf("Offline fallback %s is not cached", r.rule.OfflineFallback)
		return nil, cause
	}

	r.log.WithError(cause).Infof("Serving offline fallback %s", r.rule.OfflineFallback)
	i.bus.PublishDetail(events.FallbackServed, r.key, r.rule.OfflineFallback+": "+cause.Error())
	return answer(e.Response(r.req), CacheOffline), nil
}

// fetchAndStore fetches r and writes the response back. Concurrent calls for the
// same generation and key share one fetch and one write-back.
func (i *Interceptor) fetchAndStore(ctx context.Context, r *request) (*store.Entry, error) {
	flight := strconv.FormatUint(r.gen, 10) + "|" + r.key

	v, err, shared := i.flights.Do(flight, func() (any, error) {
		// joined callers must not lose the result when the first caller goes away
		resp, err := i.fetcher.Fetch(context.WithoutCancel(ctx), r.req, r.rule.NetworkTimeout)
		if err != nil {
			return nil, err
		}
		return i.writeBack(context.WithoutCancel(ctx), r, resp)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.log.Debug("Joined an in-flight fetch")
	}
	return v.(*store.Entry), nil
}

// writeBack snapshots resp and stores it when the rule accepts its status.
// A failed write still returns the fetched entry.
func (i *Interceptor) writeBack(ctx context.Context, r *request, resp *http.Response) (*store.Entry, error) {
	entry, err := store.NewEntry(resp)
	if err != nil {
		return nil, err
	}
	entry.Key = r.key
	entry.Generation = r.gen
	entry.Space = r.rule.Name
	entry.Strategy = string(r.strategy)

	if !r.rule.Cacheable(entry.StatusCode) {
		r.log.Debugf("Status %d is not cacheable", entry.StatusCode)
		return entry, nil
	}

	updated, err := i.store.Put(ctx, r.key, entry, r.gen, store.Limits{MaxEntries: r.rule.MaxEntries})
	switch {
	case err != nil:
		r.log.WithError(err).Warn("Write-back failed, answering without caching")
		i.bus.PublishDetail(events.CacheWriteFailed, r.key, err.Error())
	case updated:
		i.bus.Publish(events.CacheUpdated, r.key)
	}
	return entry, nil
}

// revalidate refreshes r in the background, holding lease until done
func (i *Interceptor) revalidate(lease *version.Lease, r *request) {
	bg := *r
	bg.req = r.req.Clone(context.Background())

	i.background.Add(1)
	go func() {
		defer i.background.Done()
		defer lease.Release()

		if _, err := i.fetchAndStore(context.Background(), &bg); err != nil {
			bg.log.WithError(err).Debug("Background revalidation failed")
			i.bus.PublishDetail(events.RevalidateFailed, bg.key, err.Error())
		}
	}()
}

// Wait blocks until every background revalidation has finished
func (i *Interceptor) Wait() {
	i.background.Wait()
}

// Precache fetches rawURL into generation gen. Any failure or a non 2xx
// status fails the install it belongs to.
func (i *Interceptor) Precache(ctx context.Context, gen uint64, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInvalidInput, "invalid precache URL %q", rawURL)
	}
	key, err := httpcache.RequestKey(http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	_, rule := i.resolver.Resolve(req)

	resp, err := i.fetcher.Fetch(ctx, req, rule.NetworkTimeout)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return errors.Newf(errors.CodeUnavailable, "precaching %s returned %d", rawURL, resp.StatusCode)
	}

	entry, err := store.NewEntry(resp)
	if err != nil {
		return err
	}
	entry.Space = rule.Name
	entry.Strategy = string(rule.Strategy)

	updated, err := i.store.Put(ctx, key, entry, gen, store.Limits{MaxEntries: rule.MaxEntries})
	if err != nil {
		return err
	}
	if updated {
		i.bus.Publish(events.CacheUpdated, key)
	}
	logrus.WithFields(logrus.Fields{"url": rawURL, "generation": gen}).Debug("Precached")
	return nil
}

func answer(resp *http.Response, cacheStatus string) *http.Response {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(HeaderCache, cacheStatus)
	return resp
}

// bufferBody reads the request body into memory so it can be sent and, on failure, queued
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "failed to read request body")
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return nil
}
