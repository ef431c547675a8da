package service

import (
	"sync"

	"github.com/Sentinel-Gate/credgate/internal/domain/handler"
)

// compiledEntry is the cached validation result of one policy: either a
// ready rule or the configuration error that prevented compilation.
type compiledEntry struct {
	rule handler.Rule
	err  error
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key   uint64
	value compiledEntry
	prev  *lruEntry
	next  *lruEntry
}

// RuleCache provides bounded LRU caching of compiled policies keyed by
// policy.ConfigDigest. Entries never go stale: an edited policy produces a
// new digest. Thread-safe with Mutex (both Get and Put mutate LRU order).
type RuleCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewRuleCache creates a new LRU cache with the given max size.
func NewRuleCache(maxSize int) *RuleCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &RuleCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached entry. On hit, the entry is promoted to the head.
func (c *RuleCache) Get(key uint64) (compiledEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.value, true
	}
	return compiledEntry{}, false
}

// Put stores an entry. If at capacity, the least recently used entry is evicted.
func (c *RuleCache) Put(key uint64, value compiledEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, value: value}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache.
func (c *RuleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns current cache size.
func (c *RuleCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *RuleCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *RuleCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *RuleCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *RuleCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	c.unlinkLocked(victim)
	delete(c.entries, victim.key)
}
