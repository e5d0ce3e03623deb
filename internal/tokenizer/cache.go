package tokenizer

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
)

const (
	cacheCapacity = 1000
	// Texts longer than this are keyed by hash instead of the full string.
	directKeyMaxLen = 256
)

func cacheKey(text string) string {
	if len(text) <= directKeyMaxLen {
		return text
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("h:%08x:%d", h.Sum32(), len(text))
}

// lruCache is a small thread-safe LRU for counting results.
type lruCache struct {
	mu   sync.Mutex
	cap  int
	list *list.List
	m    map[string]*list.Element
}

type cacheEntry struct {
	key string
	res Result
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = cacheCapacity
	}
	return &lruCache{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (c *lruCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		c.list.MoveToFront(el)
		return el.Value.(cacheEntry).res, true
	}
	return Result{}, false
}

func (c *lruCache) set(key string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, res: r}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, res: r})
	c.m[key] = el
	if c.list.Len() > c.cap {
		oldest := c.list.Back()
		if oldest != nil {
			delete(c.m, oldest.Value.(cacheEntry).key)
			c.list.Remove(oldest)
		}
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
