package mosaic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/tilepyramid/raster"
)

// Cache is a bounded LRU of computed tiles. One cache can be shared by many images: every
// image stores its tiles under its own namespace. Images sharing a namespace also share the
// computation of the tiles being loaded.
type Cache struct {
	tiles *ccache.Cache[*raster.Raster]
	ttl   time.Duration

	inflight singleflight.Group

	mu      sync.Mutex
	stopped bool
	// background counts the prefetch goroutines Stop waits for.
	background sync.WaitGroup
}

// NewCache returns a cache holding at most maxSize tiles, evicting itemsToPrune of the least
// recently used ones when full. Entries expire after ttl.
func NewCache(maxSize int64, itemsToPrune uint32, ttl time.Duration) *Cache {
	return &Cache{
		tiles: ccache.New(ccache.Configure[*raster.Raster]().MaxSize(maxSize).ItemsToPrune(itemsToPrune)),
		ttl:   ttl,
	}
}

func tileKey(namespace string, x, y int) string {
	return fmt.Sprintf("%s/%d/%d", namespace, x, y)
}

// get returns a cached tile, nil on a miss or an expired entry.
func (c *Cache) get(key string) *raster.Raster {
	item := c.tiles.Get(key)
	if item == nil || item.Expired() {
		return nil
	}
	return item.Value()
}

func (c *Cache) set(key string, r *raster.Raster) {
	c.tiles.Set(key, r, c.ttl)
}

// ItemCount returns the number of cached tiles.
func (c *Cache) ItemCount() int { return c.tiles.ItemCount() }

// Clear drops every cached tile.
func (c *Cache) Clear() { c.tiles.Clear() }

// load returns the tile under key, computing it with compute when it is not cached. Concurrent
// callers of the same key share one computation. Tiles compute reports as not cacheable are
// returned but not stored.
func (c *Cache) load(ctx context.Context, key string, compute func(context.Context) (r *raster.Raster, cacheable bool, err error)) (*raster.Raster, error) {
	do := func() (*raster.Raster, error) {
		v, err, _ := c.inflight.Do(key, func() (any, error) {
			// a computation finished between the caller's lookup and this one
			if r := c.get(key); r != nil {
				return r, nil
			}
			r, cacheable, err := compute(ctx)
			if err != nil {
				return nil, err
			}
			if cacheable {
				c.set(key, r)
			}
			return r, nil
		})
		if err != nil {
			return nil, err
		}
		return v.(*raster.Raster), nil
	}
	r, err := do()
	// the caller whose context ran the shared computation went away, not this one
	if err != nil && ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		r, err = do()
	}
	return r, err
}

// goBackground runs f in a goroutine Stop waits for. It reports false, without running f,
// once the cache is stopped.
func (c *Cache) goBackground(f func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		f()
	}()
	return true
}

func (c *Cache) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Stop waits for the running prefetches, then ends the cache background worker. The cache
// must not be used afterwards.
func (c *Cache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	c.background.Wait()
	c.tiles.Stop()
}
