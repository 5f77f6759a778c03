// Package cache is the two-level TTL cache in front of the memory tiers: a
// process-local level and an optional shared level.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/dotsetgreg/octomem/pkg/logger"
	"github.com/dotsetgreg/octomem/pkg/metrics"
)

// Backend is a shared cache level. Implementations must expire entries
// themselves; Get reports the remaining TTL of a hit.
type Backend interface {
	Get(ctx context.Context, key string) (val []byte, ttl time.Duration, found bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

type Options struct {
	LocalMaxBytes int64
	Shared        Backend
	LookupTimeout time.Duration
	WriteTimeout  time.Duration
}

// Cache never returns an entry past its TTL. Faults in either level are
// logged and treated as misses.
type Cache struct {
	local         *ristretto.Cache
	shared        Backend
	lookupTimeout time.Duration
	writeTimeout  time.Duration
	now           func() time.Time
	wg            sync.WaitGroup
}

type entry struct {
	val     []byte
	expires time.Time
}

func New(opts Options) (*Cache, error) {
	if opts.LocalMaxBytes <= 0 {
		opts.LocalMaxBytes = 64 << 20
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 50 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = time.Second
	}
	local, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     opts.LocalMaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		local:         local,
		shared:        opts.Shared,
		lookupTimeout: opts.LookupTimeout,
		writeTimeout:  opts.WriteTimeout,
		now:           time.Now,
	}, nil
}

// Get checks the local level, then the shared level. A shared hit is copied
// into the local level for its remaining TTL.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if raw, ok := c.local.Get(key); ok {
		if e, ok := raw.(entry); ok && c.now().Before(e.expires) {
			metrics.CacheLookups.WithLabelValues("local", "hit").Inc()
			return e.val, true
		}
		c.local.Del(key)
	}
	metrics.CacheLookups.WithLabelValues("local", "miss").Inc()

	if c.shared == nil {
		return nil, false
	}
	lctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()
	val, ttl, found, err := c.shared.Get(lctx, key)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("shared", "error").Inc()
		logger.WarnCF("cache", "Shared cache lookup failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, false
	}
	if !found || ttl <= 0 {
		metrics.CacheLookups.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("shared", "hit").Inc()
	c.setLocal(key, val, ttl)
	return val, true
}

// Set stores val on both levels without blocking the caller. Failures are
// logged and otherwise ignored.
func (c *Cache) Set(key string, val []byte, ttl time.Duration) {
	if ttl <= 0 || len(val) == 0 {
		return
	}
	c.setLocal(key, val, ttl)
	if c.shared == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()
		if err := c.shared.Set(ctx, key, val, ttl); err != nil {
			logger.WarnCF("cache", "Shared cache write failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

func (c *Cache) setLocal(key string, val []byte, ttl time.Duration) {
	c.local.SetWithTTL(key, entry{val: val, expires: c.now().Add(ttl)}, int64(len(val)), ttl)
}

// Wait blocks until pending writes on both levels are applied.
func (c *Cache) Wait() {
	c.wg.Wait()
	c.local.Wait()
}

func (c *Cache) Close() {
	c.Wait()
	c.local.Close()
}
