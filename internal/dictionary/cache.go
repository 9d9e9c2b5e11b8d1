// Package dictionary provides read-through snapshot caches over dimension
// streams for enrichment lookups.
package dictionary

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/starforge/starforge/internal/errors"
)

const (
	defaultMinLifetime    = 5 * time.Second
	defaultMaxLifetime    = 60 * time.Second
	defaultRefreshTimeout = 10 * time.Second
)

// Source loads the full contents of a dictionary: current attribute values
// keyed by primary key.
type Source interface {
	Load(ctx context.Context) (map[uint64]map[string]interface{}, error)
}

// Options controls a cache's refresh behavior.
type Options struct {
	// MinLifetime is the floor below which write nudges do not trigger a
	// refresh.
	MinLifetime time.Duration
	// MaxLifetime is the interval after which a refresh happens regardless
	// of write activity.
	MaxLifetime time.Duration
	// RefreshTimeout bounds one reload of the source.
	RefreshTimeout time.Duration
}

// DefaultOptions returns the default refresh settings.
func DefaultOptions() Options {
	return Options{
		MinLifetime:    defaultMinLifetime,
		MaxLifetime:    defaultMaxLifetime,
		RefreshTimeout: defaultRefreshTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.MinLifetime <= 0 {
		o.MinLifetime = defaultMinLifetime
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = defaultMaxLifetime
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = defaultRefreshTimeout
	}
	return o
}

type snapshot struct {
	entries  map[uint64]map[string]interface{}
	loadedAt time.Time
}

// Cache is an atomically swapped snapshot of one dimension. Lookups never
// block on refreshes, and a failed refresh keeps serving the previous
// snapshot marked stale.
type Cache struct {
	name   string
	source Source
	opts   Options

	snap  atomic.Value // *snapshot
	stale atomic.Bool

	mu sync.Mutex // serializes refreshes
}

// NewCache creates an empty cache for the named dimension. The cache serves
// misses until the first Refresh completes.
func NewCache(name string, source Source, opts Options) *Cache {
	c := &Cache{
		name:   name,
		source: source,
		opts:   opts.withDefaults(),
	}
	c.snap.Store(&snapshot{entries: map[uint64]map[string]interface{}{}})
	return c
}

// Name returns the dimension name the cache serves.
func (c *Cache) Name() string {
	return c.name
}

// Options returns the cache's refresh settings.
func (c *Cache) Options() Options {
	return c.opts
}

// Refresh reloads the snapshot from the source, bounded by RefreshTimeout.
// On failure the previous snapshot stays in place and the cache is marked
// stale.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.RefreshTimeout)
	defer cancel()

	entries, err := c.source.Load(ctx)
	if err != nil {
		c.stale.Store(true)
		return apperrors.NewCacheError("refresh of dictionary "+c.name+" failed", err)
	}
	c.snap.Store(&snapshot{entries: entries, loadedAt: time.Now()})
	c.stale.Store(false)
	return nil
}

// Lookup returns the named attribute for a primary key. ok is false when the
// key is absent from the current snapshot or the attribute is not loaded.
func (c *Cache) Lookup(pk uint64, attr string) (interface{}, bool) {
	snap := c.snap.Load().(*snapshot)
	row, ok := snap.entries[pk]
	if !ok {
		return nil, false
	}
	v, ok := row[attr]
	return v, ok
}

// Len returns the number of keys in the current snapshot.
func (c *Cache) Len() int {
	return len(c.snap.Load().(*snapshot).entries)
}

// Age returns the time since the last successful refresh.
func (c *Cache) Age() time.Duration {
	snap := c.snap.Load().(*snapshot)
	if snap.loadedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(snap.loadedAt)
}

// Stale reports whether the last refresh attempt failed.
func (c *Cache) Stale() bool {
	return c.stale.Load()
}
