package cache

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/cacheerr"
)

//go:generate mockgen -source=redis_cache.go -destination=mock/redis_client.go -package=mock

// RedisClient is the subset of *redis.Client used by RedisCache
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Ensure RedisCache implements GenericCache
var _ GenericCache = (*RedisCache)(nil)

const scanBatch = 256

// RedisCache implements GenericCache on Redis/KeyDB
type RedisCache struct {
	client    RedisClient
	namespace string
	timeout   time.Duration
}

// NewRedisClient connects to the redis URL (redis://[:password@]host:port/db)
func NewRedisClient(redisURL string, timeout time.Duration) (RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "failed to parse redis URL")
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, errors.CodeUnavailable, "failed to connect to redis at %s", opts.Addr)
	}

	logrus.WithField("address", opts.Addr).Info("Connected to redis")
	return client, nil
}

// NewRedis creates a redis backed store whose keys live under namespace
func NewRedis(client RedisClient, namespace string, timeout time.Duration) *RedisCache {
	return &RedisCache{
		client:    client,
		namespace: strings.Trim(namespace, ":"),
		timeout:   timeout,
	}
}

func (r *RedisCache) key(key string) string {
	return r.namespace + ":" + normalizeKey(key)
}

func (r *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Init checks connectivity
func (r *RedisCache) Init() error {
	ctx, cancel := r.withTimeout(context.Background())
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "redis ping failed")
	}
	return nil
}

// Get retrieves a value
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.CodeDatabase, "redis get %s", key)
	}
	return data, nil
}

// Set stores a value without expiration
func (r *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		if strings.HasPrefix(err.Error(), "OOM") {
			return cacheerr.StorageQuotaExceeded(key, err)
		}
		return errors.Wrapf(err, errors.CodeDatabase, "redis set %s", key)
	}
	return nil
}

// Delete removes a value
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "redis del %s", key)
	}
	return nil
}

// Keys scans the namespace for keys under prefix
func (r *RedisCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	match := escapeGlob(r.namespace+":"+normalizePrefix(prefix)) + "*"
	strip := r.namespace + ":"

	seen := map[string]bool{}
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeDatabase, "redis scan %s", prefix)
		}
		for _, k := range batch {
			k = strings.TrimPrefix(k, strip)
			// SCAN may return a key more than once
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}

// DeletePrefix removes every key under prefix in batches
func (r *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := r.Keys(ctx, prefix)
	if err != nil {
		return err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		full := make([]string, 0, end-start)
		for _, k := range keys[start:end] {
			full = append(full, r.key(k))
		}
		if err := r.client.Del(ctx, full...).Err(); err != nil {
			return errors.Wrapf(err, errors.CodeDatabase, "redis del under %s", prefix)
		}
	}
	return nil
}

// Close closes the client connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
