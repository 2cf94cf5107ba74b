// Package syncq durably queues failed mutating requests and replays them in order
package syncq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
	"github.com/iTrooz/offline-cache-proxy/internal/events"
	"github.com/iTrooz/offline-cache-proxy/internal/metrics"
)

const (
	pendingPrefix = "pending/"
	deadPrefix    = "dead/"
)

// Fetcher is the network path replays go through
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, error)
}

// Options tune replay retries
type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Timeout bounds a single replay attempt
	Timeout time.Duration
	// RuleTimeout, when set, gives the timeout of the rule a task was queued
	// under and overrides Timeout when positive
	RuleTimeout func(rule string) time.Duration
}

// Queue is the Background Sync Queue
type Queue struct {
	backend cache.GenericCache
	fetcher Fetcher
	bus     *events.Bus
	opts    Options
	now     func() time.Time

	mu  sync.Mutex
	seq uint64

	draining atomic.Bool
}

func New(backend cache.GenericCache, fetcher Fetcher, bus *events.Bus, opts Options) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Queue{
		backend: backend,
		fetcher: fetcher,
		bus:     bus,
		opts:    opts,
		now:     time.Now,
	}
}

func formatID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// Load restores the id sequence from persisted tasks
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, prefix := range []string{pendingPrefix, deadPrefix} {
		keys, err := q.backend.Keys(ctx, prefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			seq, err := strconv.ParseUint(strings.TrimPrefix(k, prefix), 10, 64)
			if err != nil {
				logrus.Warnf("Ignoring unexpected sync queue key %s", k)
				continue
			}
			if seq > q.seq {
				q.seq = seq
			}
		}
	}

	n, err := q.Len(ctx)
	if err != nil {
		return err
	}
	metrics.SyncQueueLength.Set(float64(n))
	logrus.WithField("pending", n).Info("Loaded sync queue")
	return nil
}

// Enqueue persists task under a new id
func (q *Queue) Enqueue(ctx context.Context, task Task) (Task, error) {
	q.mu.Lock()
	q.seq++
	task.ID = formatID(q.seq)
	task.EnqueuedAt = q.now()
	task.Retries = 0
	err := q.save(ctx, pendingPrefix, task)
	q.mu.Unlock()
	if err != nil {
		return Task{}, err
	}

	logrus.WithFields(logrus.Fields{"task": task.ID, "method": task.Method, "url": task.URL}).Info("Queued request for background sync")
	q.bus.Publish(events.SyncTaskEnqueued, task.ID)
	q.updateLength(ctx)
	return task, nil
}

func (q *Queue) save(ctx context.Context, prefix string, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode sync task")
	}
	return q.backend.Set(ctx, prefix+task.ID, data)
}

func (q *Queue) list(ctx context.Context, prefix string) ([]Task, error) {
	keys, err := q.backend.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(keys))
	for _, k := range keys {
		task, ok, err := q.read(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (q *Queue) read(ctx context.Context, key string) (Task, bool, error) {
	data, err := q.backend.Get(ctx, key)
	if err != nil || data == nil {
		return Task{}, false, err
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Task{}, false, errors.Wrapf(err, errors.CodeDatabase, "corrupted sync task %s", key)
	}
	return task, true, nil
}

// Pending returns queued tasks in replay order
func (q *Queue) Pending(ctx context.Context) ([]Task, error) {
	return q.list(ctx, pendingPrefix)
}

// DeadLetters returns tasks that exhausted their attempts
func (q *Queue) DeadLetters(ctx context.Context) ([]Task, error) {
	return q.list(ctx, deadPrefix)
}

// Len is the number of pending tasks
func (q *Queue) Len(ctx context.Context) (int, error) {
	keys, err := q.backend.Keys(ctx, pendingPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Draining reports whether a drain is in progress
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// Drain replays pending tasks oldest first and returns how many left the queue
// (completed or dead-lettered). A drain already in progress makes this a no-op.
// A NetworkUnavailable failure stops the drain and keeps the task at the head.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	if !q.draining.CompareAndSwap(false, true) {
		logrus.Debug("Drain already in progress")
		return 0, nil
	}
	defer q.draining.Store(false)

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		keys, err := q.backend.Keys(ctx, pendingPrefix)
		if err != nil {
			return processed, err
		}
		if len(keys) == 0 {
			if processed > 0 {
				logrus.WithField("processed", processed).Info("Sync queue drained")
			}
			return processed, nil
		}

		task, ok, err := q.read(ctx, keys[0])
		if err != nil {
			return processed, err
		}
		if !ok {
			// listed but gone from the backend
			if err := q.backend.Delete(ctx, keys[0]); err != nil {
				return processed, err
			}
			continue
		}

		err = q.replay(ctx, &task)
		switch {
		case err == nil:
			if err := q.backend.Delete(ctx, pendingPrefix+task.ID); err != nil {
				return processed, err
			}
			metrics.RecordSyncReplay("completed")
			logrus.WithField("task", task.ID).Info("Replayed sync task")
			q.bus.Publish(events.SyncTaskCompleted, task.ID)

		case cacheerr.IsNetworkUnavailable(err):
			metrics.RecordSyncReplay("offline")
			logrus.WithField("task", task.ID).Info("Network unavailable, stopping drain")
			q.updateLength(ctx)
			return processed, err

		case ctx.Err() != nil:
			return processed, ctx.Err()

		default:
			if err := q.deadLetter(ctx, task, err); err != nil {
				return processed, err
			}
		}
		processed++
		q.updateLength(ctx)
	}
}

// replay runs the attempts left for task with exponential backoff
func (q *Queue) replay(ctx context.Context, task *Task) error {
	remaining := q.opts.MaxAttempts - task.Retries
	if remaining < 1 {
		remaining = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.BaseBackoff
	b.MaxInterval = q.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(remaining-1)), ctx)

	op := func() error {
		err := q.attempt(ctx, *task)
		if err == nil {
			return nil
		}
		task.Retries++
		task.LastError = err.Error()
		if serr := q.save(ctx, pendingPrefix, *task); serr != nil {
			return backoff.Permanent(serr)
		}
		if cacheerr.IsNetworkUnavailable(err) || !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		metrics.RecordSyncReplay("retry")
		logrus.WithError(err).WithFields(logrus.Fields{
			"task":    task.ID,
			"attempt": task.Retries,
		}).Debugf("Replay failed, retrying in %s", wait)
	})
}

func (q *Queue) attempt(ctx context.Context, task Task) error {
	req, err := task.Request(ctx)
	if err != nil {
		return err
	}
	resp, err := q.fetcher.Fetch(ctx, req, q.timeout(task))
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.WithClassification(
			errors.Newf(errors.CodeUnavailable, "replay of %s %s returned %d", task.Method, task.URL, resp.StatusCode),
			errors.ClassificationRetryable,
		)
	}
	return nil
}

func (q *Queue) timeout(task Task) time.Duration {
	if q.opts.RuleTimeout != nil {
		if d := q.opts.RuleTimeout(task.Rule); d > 0 {
			return d
		}
	}
	return q.opts.Timeout
}

func (q *Queue) deadLetter(ctx context.Context, task Task, cause error) error {
	exhausted := cacheerr.SyncExhausted(task.ID, task.Retries, cause)
	task.LastError = exhausted.Error()

	if err := q.save(ctx, deadPrefix, task); err != nil {
		return err
	}
	if err := q.backend.Delete(ctx, pendingPrefix+task.ID); err != nil {
		return err
	}

	metrics.RecordSyncReplay("exhausted")
	logrus.WithError(cause).WithField("task", task.ID).Warn("Sync task moved to dead letters")
	q.bus.PublishDetail(events.SyncTaskExhausted, task.ID, exhausted.Error())
	return nil
}

func (q *Queue) updateLength(ctx context.Context) {
	n, err := q.Len(ctx)
	if err != nil {
		logrus.WithError(err).Debug("Could not count pending sync tasks")
		return
	}
	metrics.SyncQueueLength.Set(float64(n))
}
