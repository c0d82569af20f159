package tools

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const cacheShards = 16

// entry is one cached discovery result. Writes are last-writer-wins under
// the shard lock; single-flight upstream ensures only one writer per key
// at a time.
type entry struct {
	tools     []mcp.Tool
	method    Method
	source    string
	timestamp time.Time
	ttl       time.Duration
}

func (e *entry) age(now time.Time) time.Duration {
	return now.Sub(e.timestamp)
}

func (e *entry) fresh(now time.Time) bool {
	return e.age(now) < e.ttl
}

// nearExpiry reports whether the entry is within the last tenth of its
// TTL, the stale-while-revalidate window.
func (e *entry) nearExpiry(now time.Time) bool {
	return e.age(now) >= e.ttl-e.ttl/10
}

// cache is a sharded map of template id to discovery result. Sharding
// keeps reader contention away from the single-flight refresh path.
type cache struct {
	shards [cacheShards]struct {
		mu      sync.Mutex
		entries map[string]*entry
	}
}

func newCache() *cache {
	c := &cache{}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry)
	}
	return c
}

func (c *cache) shard(key string) *struct {
	mu      sync.Mutex
	entries map[string]*entry
} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.shards[h.Sum32()%cacheShards]
}

func (c *cache) get(key string) (*entry, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

func (c *cache) put(key string, e *entry) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
}

func (c *cache) invalidate(key string) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// extend pushes an entry's timestamp forward by grace after a failed
// background refresh, so the stale value stays servable until the next
// attempt.
func (c *cache) extend(key string, grace time.Duration) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.timestamp = e.timestamp.Add(grace)
	}
}
