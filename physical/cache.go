package physical

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/mitchellh/copystructure"
	log "github.com/stephnangue/keymaster/logger"
)

// Verify interfaces are satisfied
var _ Storage = (*Cache)(nil)

// CacheConfig holds configuration for the storage front cache
type CacheConfig struct {
	// MaxCost is the maximum cost of the cache (roughly bytes)
	MaxCost int64

	// NumCounters is the number of keys to track frequency for
	NumCounters int64
}

// DefaultCacheConfig returns a production-ready default configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxCost:     32 << 20, // 32 MB
		NumCounters: 1e6,
	}
}

// Cache is a read-through front for a Storage backend. Writes and deletes
// invalidate the cached entry before reaching the backend, so a local
// writer never reads its own stale data. Remote writers are not visible
// until the cached entry's TTL lapses, which is acceptable for the broker:
// the namespace index is advisory and self-heals.
type Cache struct {
	backend Storage
	cache   *ristretto.Cache[string, *Entry]
	logger  log.Logger
}

// NewCache wraps a backend with a ristretto front cache
func NewCache(backend Storage, config *CacheConfig, logger log.Logger) (*Cache, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *Entry]{
		NumCounters: config.NumCounters,
		MaxCost:     config.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Cache{
		backend: backend,
		cache:   cache,
		logger:  logger,
	}, nil
}

// Put invalidates the cached entry and writes through to the backend
func (c *Cache) Put(ctx context.Context, entry *Entry) error {
	c.cache.Del(entry.Key)
	return c.backend.Put(ctx, entry)
}

// Get serves from the cache when possible, falling back to the backend.
// Returned entries are deep copies so callers can't mutate cached state.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	if cached, found := c.cache.Get(key); found {
		if !cached.Expired(time.Now()) {
			metrics.IncrCounter([]string{"physical", "cache", "hit"}, 1)
			return cloneEntry(cached)
		}
		c.cache.Del(key)
	}

	metrics.IncrCounter([]string{"physical", "cache", "miss"}, 1)
	entry, err := c.backend.Get(ctx, key)
	if err != nil || entry == nil {
		return entry, err
	}

	ttl := time.Duration(0)
	if !entry.ExpireAt.IsZero() {
		ttl = time.Until(entry.ExpireAt)
		if ttl <= 0 {
			return nil, nil
		}
	}
	cached, err := cloneEntry(entry)
	if err != nil {
		return nil, err
	}
	cost := int64(len(entry.Key) + len(entry.Value))
	if ttl > 0 {
		c.cache.SetWithTTL(key, cached, cost, ttl)
	} else {
		c.cache.Set(key, cached, cost)
	}

	return entry, nil
}

// Delete invalidates the cached entry and deletes from the backend
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.cache.Del(key)
	return c.backend.Delete(ctx, key)
}

// List always goes to the backend; key enumerations are not cached
func (c *Cache) List(ctx context.Context, prefix string) ([]string, error) {
	return c.backend.List(ctx, prefix)
}

// DeletePrefix purges the whole cache and forwards to the backend when it
// supports prefix deletion.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	c.cache.Clear()
	if pd, ok := c.backend.(PrefixDeleter); ok {
		return pd.DeletePrefix(ctx, prefix)
	}
	return DeletePrefixSlow(ctx, c.backend, prefix)
}

// Wait blocks until pending cache writes are applied. Test use only.
func (c *Cache) Wait() {
	c.cache.Wait()
}

// Close releases the cache's resources
func (c *Cache) Close() {
	c.cache.Close()
}

func cloneEntry(entry *Entry) (*Entry, error) {
	raw, err := copystructure.Copy(entry)
	if err != nil {
		return nil, err
	}
	return raw.(*Entry), nil
}
