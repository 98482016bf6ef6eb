package meta

import (
	"sync"

	"github.com/mit-pdos/go-fsjournal/metrics"
	"github.com/mit-pdos/go-fsjournal/util"
)

type cacheEntry struct {
	key  uint64
	rec  []byte
	prev *cacheEntry
	next *cacheEntry
}

// recordCache is a bounded LRU of serialized records keyed by record
// address. Every invalidation bumps the key's generation; a fill that
// started before an invalidation is dropped.
type recordCache struct {
	mu       sync.Mutex
	capacity int
	items    map[uint64]*cacheEntry
	gen      map[uint64]uint64
	head     *cacheEntry // head.next is most recently used
	tail     *cacheEntry

	hits   uint64
	misses uint64
}

func newRecordCache(capacity int) *recordCache {
	if capacity <= 0 {
		capacity = 1
	}
	c := &recordCache{
		capacity: capacity,
		items:    make(map[uint64]*cacheEntry, capacity),
		gen:      make(map[uint64]uint64),
		head:     &cacheEntry{},
		tail:     &cacheEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

func (c *recordCache) unlink(e *cacheEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *recordCache) pushFront(e *cacheEntry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

// get returns a copy of the cached record, or the key's generation to pass
// to put after reading it elsewhere.
func (c *recordCache) get(key uint64) ([]byte, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.unlink(e)
		c.pushFront(e)
		c.hits++
		metrics.RecordCacheLookup(true)
		return util.CloneByteSlice(e.rec), 0, true
	}
	c.misses++
	metrics.RecordCacheLookup(false)
	return nil, c.gen[key], false
}

func (c *recordCache) put(key uint64, rec []byte, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[key] != gen {
		return
	}
	if e, ok := c.items[key]; ok {
		e.rec = util.CloneByteSlice(rec)
		c.unlink(e)
		c.pushFront(e)
		return
	}
	e := &cacheEntry{key: key, rec: util.CloneByteSlice(rec)}
	c.pushFront(e)
	c.items[key] = e
	for len(c.items) > c.capacity {
		old := c.tail.prev
		c.unlink(old)
		delete(c.items, old.key)
		metrics.MetaCache.WithLabelValues("evict").Inc()
	}
}

func (c *recordCache) invalidate(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[key]++
	if e, ok := c.items[key]; ok {
		c.unlink(e)
		delete(c.items, key)
	}
}

func (c *recordCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

type CacheStats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

func (c *recordCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.items), Hits: c.hits, Misses: c.misses}
}
