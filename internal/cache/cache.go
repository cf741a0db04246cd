// Package cache реализует read-through кэш поверх Redis.
// Ошибки Redis никогда не возвращаются вызывающему: чтение уходит в loader,
// сбой инвалидации только логируется.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const scanBatch = 100

type Cache struct {
	client  redis.UniversalClient
	log     logrus.FieldLogger
	ops     *prometheus.CounterVec
	flights singleflight.Group
}

type Option func(*Cache)

// WithCounter считает операции в cache_operations_total{op,result}
func WithCounter(ops *prometheus.CounterVec) Option {
	return func(c *Cache) { c.ops = ops }
}

// New с nil client возвращает кэш, который всегда читает через loader
func New(client redis.UniversalClient, log logrus.FieldLogger, opts ...Option) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Cache{client: client, log: log.WithField("component", "cache")}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) enabled() bool { return c != nil && c.client != nil }

func (c *Cache) count(op, result string) {
	if c.ops != nil {
		c.ops.WithLabelValues(op, result).Inc()
	}
}

// ReadThrough возвращает значение из кэша или загружает его через load и сохраняет на ttl.
// Ошибка load возвращается как есть и ничего не кэшируется.
// Конкурентные промахи по одному ключу выполняют load один раз.
func ReadThrough[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	if !c.enabled() {
		return load(ctx)
	}

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v T
		jerr := json.Unmarshal(raw, &v)
		if jerr == nil {
			c.count("get", "hit")
			return v, nil
		}
		c.log.WithError(jerr).WithField("key", key).Warn("cache: undecodable entry, reloading")
	case errors.Is(err, redis.Nil):
		c.count("get", "miss")
	default:
		c.count("get", "error")
		c.log.WithError(err).WithField("key", key).Warn("cache: read failed, using loader")
		return load(ctx)
	}

	// the flight is shared by every waiter, so it must not die with the first caller
	flightCtx := context.WithoutCancel(ctx)
	res, err, _ := c.flights.Do(key, func() (any, error) {
		v, err := load(flightCtx)
		if err != nil {
			return v, err
		}
		c.store(flightCtx, key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

func (c *Cache) store(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache: value not encodable")
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.count("set", "error")
		c.log.WithError(err).WithField("key", key).Warn("cache: write failed")
		return
	}
	c.count("set", "ok")
}

// Invalidate удаляет ключи синхронно
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if !c.enabled() || len(keys) == 0 {
		return
	}
	if err := c.del(ctx, keys); err != nil {
		c.count("del", "error")
		c.log.WithError(err).WithField("keys", keys).Error("cache: invalidation failed")
		return
	}
	c.count("del", "ok")
}

// del sends one DEL per key in a pipeline; a cluster client routes each to its slot
func (c *Cache) del(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, k := range keys[start:end] {
				p.Del(ctx, k)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// InvalidateByPattern удаляет все ключи, подходящие под glob-шаблон.
// Сначала SCAN проходит целиком (на кластере по каждому мастеру), затем ключи удаляются пачками
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern string) {
	if !c.enabled() {
		return
	}
	keys, err := c.matching(ctx, pattern)
	if err != nil {
		c.count("scan", "error")
		c.log.WithError(err).WithField("pattern", pattern).Error("cache: pattern invalidation failed")
		return
	}
	c.count("scan", "ok")
	if len(keys) == 0 {
		return
	}
	if err := c.del(ctx, keys); err != nil {
		c.count("del", "error")
		c.log.WithError(err).WithField("pattern", pattern).Error("cache: pattern invalidation failed")
		return
	}
	c.count("del", "ok")
	c.log.WithFields(logrus.Fields{"pattern": pattern, "keys": len(keys)}).Debug("cache: pattern invalidated")
}

func (c *Cache) matching(ctx context.Context, pattern string) ([]string, error) {
	cluster, ok := c.client.(*redis.ClusterClient)
	if !ok {
		return scanAll(ctx, c.client, pattern)
	}
	var (
		mu   sync.Mutex
		keys []string
	)
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		found, err := scanAll(ctx, node, pattern)
		if err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, found...)
		mu.Unlock()
		return nil
	})
	return keys, err
}

func scanAll(ctx context.Context, client redis.Cmdable, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
