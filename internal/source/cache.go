package source

import (
	"container/list"
	"sync"

	"github.com/MrWong99/cadence/pkg/audio/frame"
)

// clipCache is an LRU of decoded frames. The cache owns one reference per
// entry and releases it on eviction.
type clipCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	key   string
	frame *frame.Frame
}

func newClipCache(capacity int) *clipCache {
	return &clipCache{
		capacity: max(capacity, 1),
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// get returns the cached frame with an extra reference for the caller, or nil.
func (c *clipCache) get(key string) *frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil
	}
	e := el.Value.(*cacheEntry)
	if !e.frame.Retain() {
		c.remove(el)
		return nil
	}
	c.order.MoveToFront(el)
	return e.frame
}

// put stores f, taking over the caller's reference, and evicts the least
// recently used entries beyond capacity.
func (c *clipCache) put(key string, f *frame.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, frame: f})
	for c.order.Len() > c.capacity {
		c.remove(c.order.Back())
	}
}

func (c *clipCache) remove(el *list.Element) {
	e := c.order.Remove(el).(*cacheEntry)
	delete(c.entries, e.key)
	e.frame.Release()
}

func (c *clipCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// purge drops every entry.
func (c *clipCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.order.Len() > 0 {
		c.remove(c.order.Back())
	}
}
