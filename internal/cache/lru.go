// Package cache keeps auxiliary message resources (images and similar) in a
// bounded LRU. Resources belonging to a pinned message are never evicted.
package cache

import (
	"container/list"
	"sync"
	"time"

	"chatsync/internal/models"
)

const DefaultCapacity = 100

type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Len       int    `json:"len"`
	Pinned    int    `json:"pinned"`
}

// Observer receives cache outcomes, e.g. for metrics.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheEviction()
}

type ResourceCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front is most recently used
	items    map[string]*list.Element
	pinned   map[string]int
	stats    Stats
	observer Observer
	now      func() time.Time
}

type entry struct {
	res      models.Resource
	lastUsed time.Time
}

func NewResourceCache(capacity int) *ResourceCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ResourceCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		pinned:   make(map[string]int),
		now:      time.Now,
	}
}

// SetObserver attaches an observer; nil detaches.
func (c *ResourceCache) SetObserver(o Observer) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

func (c *ResourceCache) Get(url string) (models.Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[url]
	if !ok {
		c.stats.Misses++
		if c.observer != nil {
			c.observer.CacheMiss()
		}
		return models.Resource{}, false
	}
	c.stats.Hits++
	if c.observer != nil {
		c.observer.CacheHit()
	}
	e := elem.Value.(*entry)
	e.lastUsed = c.now()
	c.order.MoveToFront(elem)
	return e.res, true
}

// Contains reports presence without touching recency or stats.
func (c *ResourceCache) Contains(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[url]
	return ok
}

func (c *ResourceCache) Put(res models.Resource) {
	if res.URL == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[res.URL]; ok {
		e := elem.Value.(*entry)
		e.res = res
		e.lastUsed = c.now()
		c.order.MoveToFront(elem)
		return
	}
	c.items[res.URL] = c.order.PushFront(&entry{res: res, lastUsed: c.now()})
	c.evictLocked()
}

// Pin protects every resource of messageID from eviction until Unpin.
func (c *ResourceCache) Pin(messageID string) {
	if messageID == "" {
		return
	}
	c.mu.Lock()
	c.pinned[messageID]++
	c.mu.Unlock()
}

func (c *ResourceCache) Unpin(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.pinned[messageID]; n > 1 {
		c.pinned[messageID] = n - 1
		return
	}
	delete(c.pinned, messageID)
	c.evictLocked()
}

func (c *ResourceCache) IsPinned(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned[messageID] > 0
}

// evictLocked drops least recently used unpinned entries until the cache fits.
// When only pinned entries remain the cache stays over capacity.
func (c *ResourceCache) evictLocked() {
	elem := c.order.Back()
	for c.order.Len() > c.capacity && elem != nil {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if c.pinned[e.res.MessageID] == 0 {
			c.removeLocked(elem)
			c.stats.Evictions++
			if c.observer != nil {
				c.observer.CacheEviction()
			}
		}
		elem = prev
	}
}

func (c *ResourceCache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.items, e.res.URL)
}

func (c *ResourceCache) Remove(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[url]; ok {
		c.removeLocked(elem)
	}
}

// PurgeMessage drops every resource owned by messageID, pinned or not.
func (c *ResourceCache) PurgeMessage(messageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*entry).res.MessageID == messageID {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	delete(c.pinned, messageID)
	return removed
}

func (c *ResourceCache) Clear() {
	c.mu.Lock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
	c.mu.Unlock()
}

func (c *ResourceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *ResourceCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Len = c.order.Len()
	st.Pinned = len(c.pinned)
	return st
}
