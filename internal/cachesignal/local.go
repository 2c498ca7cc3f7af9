package cachesignal

import "sync"

// Cache is anything that can drop a key.
type Cache interface {
	Evict(key string)
}

// Local is a concurrency-safe in-process cache. Its contents are a copy of
// store state and may be stale until an invalidation arrives.
type Local[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

func NewLocal[V any]() *Local[V] {
	return &Local[V]{items: make(map[string]V)}
}

func (c *Local[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *Local[V]) Set(key string, v V) {
	c.mu.Lock()
	c.items[key] = v
	c.mu.Unlock()
}

func (c *Local[V]) Evict(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *Local[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
