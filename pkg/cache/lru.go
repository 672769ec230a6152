// Package cache provides the bounded LRU+TTL cache used by the vector
// store's query cache, the contextual memory builder, and short-term
// memory. Instances are owned by their component; nothing here is global.
package cache

import (
	"container/list"
	"math/rand"
	"sync"
	"time"
)

// EvictReason tells the eviction callback why an entry left the cache.
type EvictReason string

// Eviction reasons.
const (
	EvictCapacity EvictReason = "capacity"
	EvictExpired  EvictReason = "expired"
	EvictRemoved  EvictReason = "removed"
)

// Options configures an LRU.
type Options struct {
	// MaxSize bounds the entry count. Zero or negative means 100.
	MaxSize int
	// TTL expires entries after this duration. Zero disables expiry.
	TTL time.Duration
	// UseLRU selects least-recently-used capacity eviction. When false a
	// random entry is evicted instead (documented choice: random, not
	// insertion order, so behavior is honest about being arbitrary).
	UseLRU bool
	// OnEvict, when non-nil, is called after an entry leaves the cache.
	// It runs outside the cache lock.
	OnEvict func(key string, value any, reason EvictReason)
}

type entry struct {
	key      string
	value    any
	storedAt time.Time
}

// LRU is a thread-safe bounded cache with optional TTL.
type LRU struct {
	mu    sync.Mutex
	opts  Options
	order *list.List               // front = most recently used
	items map[string]*list.Element // key → element holding *entry
}

// New creates an LRU with the given options.
func New(opts Options) *LRU {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}
	return &LRU{
		opts:  opts,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// Get returns the value for key and refreshes its recency. Expired entries
// are removed and reported as missing.
func (c *LRU) Get(key string) (any, bool) {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	ent := elem.Value.(*entry)
	if c.expired(ent) {
		c.removeLocked(elem)
		c.mu.Unlock()
		c.notify(ent, EvictExpired)
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.mu.Unlock()
	return ent.value, true
}

// Peek returns the value without refreshing recency or expiring it.
func (c *LRU) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*entry)
	if c.expired(ent) {
		return nil, false
	}
	return ent.value, true
}

// Set stores a value, evicting one entry if the cache is at capacity.
func (c *LRU) Set(key string, value any) {
	now := time.Now()

	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.storedAt = now
		c.order.MoveToFront(elem)
		c.mu.Unlock()
		return
	}

	var evicted *entry
	if len(c.items) >= c.opts.MaxSize {
		evicted = c.evictOneLocked()
	}
	elem := c.order.PushFront(&entry{key: key, value: value, storedAt: now})
	c.items[key] = elem
	c.mu.Unlock()

	if evicted != nil {
		c.notify(evicted, EvictCapacity)
	}
}

// Delete removes key. Returns true when something was removed.
func (c *LRU) Delete(key string) bool {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	ent := elem.Value.(*entry)
	c.removeLocked(elem)
	c.mu.Unlock()
	c.notify(ent, EvictRemoved)
	return true
}

// Clear drops every entry without invoking the eviction callback.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Len returns the current entry count, including not-yet-collected expired
// entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all keys, most recently used first.
func (c *LRU) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry).key)
	}
	return keys
}

// PruneExpired removes all expired entries and returns how many were dropped.
func (c *LRU) PruneExpired() int {
	if c.opts.TTL <= 0 {
		return 0
	}
	var dropped []*entry

	c.mu.Lock()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		ent := elem.Value.(*entry)
		if c.expired(ent) {
			c.removeLocked(elem)
			dropped = append(dropped, ent)
		}
		elem = next
	}
	c.mu.Unlock()

	for _, ent := range dropped {
		c.notify(ent, EvictExpired)
	}
	return len(dropped)
}

// evictOneLocked removes one entry per the configured policy and returns it.
func (c *LRU) evictOneLocked() *entry {
	if c.order.Len() == 0 {
		return nil
	}
	var elem *list.Element
	if c.opts.UseLRU {
		elem = c.order.Back()
	} else {
		// Random eviction: walk to a uniformly chosen position.
		n := rand.Intn(c.order.Len())
		elem = c.order.Front()
		for i := 0; i < n; i++ {
			elem = elem.Next()
		}
	}
	ent := elem.Value.(*entry)
	c.removeLocked(elem)
	return ent
}

func (c *LRU) removeLocked(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}

func (c *LRU) expired(ent *entry) bool {
	return c.opts.TTL > 0 && time.Since(ent.storedAt) > c.opts.TTL
}

func (c *LRU) notify(ent *entry, reason EvictReason) {
	if c.opts.OnEvict != nil {
		c.opts.OnEvict(ent.key, ent.value, reason)
	}
}
