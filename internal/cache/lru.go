package cache

import "container/list"

// EvictFunc is invoked with each entry pushed out by capacity pressure. It is
// the place to release resources tied to the evicted value.
type EvictFunc[K comparable, V any] func(key K, value V)

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a fixed-capacity least-recently-used map. Get and Put are O(1)
// amortized. LRU is not safe for concurrent use; callers that share one
// instance provide their own locking.
type LRU[K comparable, V any] struct {
	capacity int
	onEvict  EvictFunc[K, V]
	order    *list.List // front is most recently used
	items    map[K]*list.Element
}

// NewLRU creates a cache holding at most capacity entries. onEvict may be
// nil. A capacity below one is treated as one.
func NewLRU[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		onEvict:  onEvict,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

// Get returns the value stored under key, marking it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put stores value under key, evicting the least recently used entry once
// the cache is past capacity. Evictions invoke the eviction hook.
func (c *LRU[K, V]) Put(key K, value V) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry[K, V]).value = value
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		entry := oldest.Value.(*lruEntry[K, V])
		c.order.Remove(oldest)
		delete(c.items, entry.key)
		if c.onEvict != nil {
			c.onEvict(entry.key, entry.value)
		}
	}
}

// Remove deletes an entry without invoking the eviction hook. It returns the
// removed value, if any.
func (c *LRU[K, V]) Remove(key K) (V, bool) {
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*lruEntry[K, V])
		c.order.Remove(el)
		delete(c.items, key)
		return entry.value, true
	}
	var zero V
	return zero, false
}

// Range calls f for every cached entry in unspecified order until f returns
// false. Iteration does not affect recency.
func (c *LRU[K, V]) Range(f func(key K, value V) bool) {
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*lruEntry[K, V])
		if !f(entry.key, entry.value) {
			return
		}
	}
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	return c.order.Len()
}

// Clear drops every entry without invoking the eviction hook.
func (c *LRU[K, V]) Clear() {
	c.order.Init()
	clear(c.items)
}
