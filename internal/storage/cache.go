package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/metrics"
)

// CachedStore is a read-through caching layer over a Store
type CachedStore struct {
	Store

	entries    *lru.TwoQueueCache
	mutex      sync.Mutex
	metrics    *metrics.Metrics
	expiration time.Duration
	now        func() time.Time
}

// cacheItem represents an item in the cache with an expiration time
type cacheItem struct {
	value      []byte
	expiration time.Time
}

// NewCachedStore wraps store with a 2Q cache of the given capacity
func NewCachedStore(store Store, capacity int, expiration time.Duration) (*CachedStore, error) {
	entries, err := lru.New2Q(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &CachedStore{
		Store:      store,
		entries:    entries,
		metrics:    metrics.GetMetrics(),
		expiration: expiration,
		now:        time.Now,
	}, nil
}

func cacheKey(partition, key string) string {
	return partition + "\x00" + key
}

// Get returns a cached value or reads it from the underlying store
func (c *CachedStore) Get(ctx context.Context, partition, key string) ([]byte, error) {
	ck := cacheKey(partition, key)

	c.mutex.Lock()
	if value, found := c.entries.Get(ck); found {
		item := value.(cacheItem)
		if c.now().Before(item.expiration) {
			c.mutex.Unlock()
			c.metrics.StorageOperations.WithLabelValues("cache_hit", "true").Inc()
			return append([]byte(nil), item.value...), nil
		}
		c.entries.Remove(ck)
		c.metrics.StorageOperations.WithLabelValues("cache_expired", "true").Inc()
	} else {
		c.metrics.StorageOperations.WithLabelValues("cache_miss", "true").Inc()
	}
	c.mutex.Unlock()

	value, err := c.Store.Get(ctx, partition, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.invalidate(ck)
		}
		return nil, err
	}

	c.set(ck, value)
	return value, nil
}

// Put writes through to the underlying store and refreshes the cache
func (c *CachedStore) Put(ctx context.Context, partition, key string, value []byte) error {
	ck := cacheKey(partition, key)
	if err := c.Store.Put(ctx, partition, key, value); err != nil {
		c.invalidate(ck)
		return err
	}
	c.set(ck, value)
	return nil
}

// Delete removes the key from the underlying store and the cache
func (c *CachedStore) Delete(ctx context.Context, partition, key string) error {
	ck := cacheKey(partition, key)
	c.invalidate(ck)
	err := c.Store.Delete(ctx, partition, key)
	// A read racing the delete may have cached the old value
	c.invalidate(ck)
	return err
}

// Purge drops every cached entry
func (c *CachedStore) Purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries.Purge()
}

func (c *CachedStore) set(ck string, value []byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries.Add(ck, cacheItem{
		value:      append([]byte(nil), value...),
		expiration: c.now().Add(c.expiration),
	})
	c.metrics.StorageOperations.WithLabelValues("cache_set", "true").Inc()
}

func (c *CachedStore) invalidate(ck string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries.Remove(ck)
}
