package loadercache

import (
	"context"
	"sync"
	"time"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/utils/cache"
	"github.com/mpapenbr/runsession/pkg/utils/clock"
)

// a cache that fills missing or expired entries through a loader

type (
	Option[K comparable, V any]     func(*config[K, V])
	LoaderFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)
	item[T any]                     struct {
		data    T
		expires time.Time
	}
	config[K comparable, V any] struct {
		expiration time.Duration
		loader     LoaderFunc[K, V]
		clk        clock.Clock
		l          *log.Logger
	}
	loaderCache[K comparable, V any] struct {
		mutex  sync.Mutex
		items  map[K]item[V]
		config *config[K, V]
	}
)

func WithExpiration[K comparable, V any](expiration time.Duration) Option[K, V] {
	return func(c *config[K, V]) {
		c.expiration = expiration
	}
}

func WithLoader[K comparable, V any](lf LoaderFunc[K, V]) Option[K, V] {
	return func(c *config[K, V]) {
		c.loader = lf
	}
}

func WithClock[K comparable, V any](clk clock.Clock) Option[K, V] {
	return func(c *config[K, V]) {
		c.clk = clk
	}
}

func WithLogger[K comparable, V any](arg *log.Logger) Option[K, V] {
	return func(c *config[K, V]) {
		c.l = arg
	}
}

func New[K comparable, V any](opts ...Option[K, V]) cache.Cache[K, V] {
	c := &config[K, V]{
		expiration: 5 * time.Minute,
		clk:        clock.Real{},
		l:          log.Default().Named("cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return &loaderCache[K, V]{
		items:  make(map[K]item[V]),
		config: c,
	}
}

// Get returns the cached value. Failed loads are not cached.
func (c *loaderCache[K, V]) Get(ctx context.Context, key K) (V, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if e, ok := c.items[key]; ok {
		if c.config.clk.Now().Before(e.expires) {
			return e.data, nil
		}
		delete(c.items, key)
	}
	return c.load(ctx, key)
}

func (c *loaderCache[K, V]) load(ctx context.Context, key K) (V, error) {
	var zero V
	if c.config.loader == nil {
		return zero, cache.ErrCacheMiss
	}
	v, err := c.config.loader(ctx, key)
	if err != nil {
		c.config.l.Debug("loading entry failed", log.Any("key", key), log.ErrorField(err))
		return zero, err
	}
	c.items[key] = item[V]{data: v, expires: c.config.clk.Now().Add(c.config.expiration)}
	return v, nil
}

func (c *loaderCache[K, V]) Invalidate(ctx context.Context, key K) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.items, key)
	c.config.l.Debug("invalidated", log.Any("key", key), log.Int("remaining", len(c.items)))
}
