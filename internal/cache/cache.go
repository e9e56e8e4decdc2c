package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache defines typed caching operations
type Cache[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V)
	Delete(key string)
	Clear()
	Len() int
}

// TTLCache implements Cache on top of go-cache. Expired entries are
// invisible to Get and purged by the janitor every two TTLs.
type TTLCache[V any] struct {
	data *gocache.Cache
}

// New creates a TTL cache whose entries expire after defaultTTL
func New[V any](defaultTTL time.Duration) *TTLCache[V] {
	return &TTLCache[V]{
		data: gocache.New(defaultTTL, defaultTTL*2),
	}
}

// Get retrieves a value from the cache
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V

	raw, ok := c.data.Get(key)
	if !ok {
		return zero, false
	}

	value, ok := raw.(V)
	if !ok {
		return zero, false
	}

	return value, true
}

// Set stores a value with the default TTL
func (c *TTLCache[V]) Set(key string, value V) {
	c.data.Set(key, value, gocache.DefaultExpiration)
}

// Delete removes a value from the cache
func (c *TTLCache[V]) Delete(key string) {
	c.data.Delete(key)
}

// Clear removes all values from the cache
func (c *TTLCache[V]) Clear() {
	c.data.Flush()
}

// Len returns the number of stored entries, expired ones included until purged
func (c *TTLCache[V]) Len() int {
	return c.data.ItemCount()
}
