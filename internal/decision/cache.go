package decision

import (
	"container/list"
	"sync"
)

// Cache is an LRU of proposals keyed by the canonical input tuple.
// Safe for concurrent use; the scheduler and API callers share one engine.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type cacheEntry struct {
	key      string
	proposal *Proposal
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the cached proposal for key (promotes to front).
func (c *Cache) Get(key string) (*Proposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.lruList.MoveToFront(elem)
	return elem.Value.(*cacheEntry).proposal, true
}

// Add inserts or refreshes key.
func (c *Cache) Add(key string, p *Proposal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).proposal = p
		c.lruList.MoveToFront(elem)
		return
	}

	elem := c.lruList.PushFront(&cacheEntry{key: key, proposal: p})
	c.entries[key] = elem

	if c.lruList.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *Cache) evictOldest() {
	elem := c.lruList.Back()
	if elem != nil {
		c.lruList.Remove(elem)
		delete(c.entries, elem.Value.(*cacheEntry).key)
		c.evictions++
	}
}

// Size returns current number of entries
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (c *Cache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
