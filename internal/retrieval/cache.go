package retrieval

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/groundline-ai/groundline/internal/schemas"
)

// resultCache is a bounded LRU of fused result lists keyed by
// (tenant, query, principal set). The TTL is short: retrieval results only
// stay valid while the corpus does.
type resultCache struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	list *list.List
	m    map[string]*list.Element
}

type cacheEntry struct {
	key     string
	results []schemas.RetrievedResult
	exp     time.Time
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &resultCache{cap: capacity, ttl: ttl, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func cacheKey(query string, userCtx schemas.UserContext, topK int) string {
	h := fnv.New64a()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(userCtx.Principals(), ",")))
	return fmt.Sprintf("%s:%x:%d", userCtx.TenantID, h.Sum64(), topK)
}

func (c *resultCache) get(key string) ([]schemas.RetrievedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(cacheEntry)
	if !ent.exp.After(time.Now()) {
		c.list.Remove(el)
		delete(c.m, key)
		return nil, false
	}
	c.list.MoveToFront(el)
	return ent.results, true
}

func (c *resultCache) set(key string, results []schemas.RetrievedResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, results: results, exp: time.Now().Add(c.ttl)}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, results: results, exp: time.Now().Add(c.ttl)})
	c.m[key] = el
	if c.list.Len() > c.cap {
		if back := c.list.Back(); back != nil {
			ent := back.Value.(cacheEntry)
			delete(c.m, ent.key)
			c.list.Remove(back)
		}
	}
}
