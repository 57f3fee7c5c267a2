package firewall

import "sync"

// defaultCacheSize bounds the decision cache. Sized for the working set of a
// busy node: distinct (peer, client, locations) tuples, not total requests.
const defaultCacheSize = 1024

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key     uint64
	allowed bool
	prev    *lruEntry
	next    *lruEntry
}

// decisionCache is a bounded LRU for firewall decisions. Thread-safe with a
// mutex; both get and put mutate LRU order. gen counts clears: an insert
// carries the generation its decision was evaluated under, and inserts from
// a cleared generation are discarded so a decision made under a replaced
// policy can never land after the clear.
type decisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry
	tail    *lruEntry
	maxSize int
	gen     uint64
}

func newDecisionCache(maxSize int) *decisionCache {
	return &decisionCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

func (c *decisionCache) get(key uint64) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.allowed, true
	}
	return false, false
}

// generation returns the current clear generation. Capture it before
// evaluating the decision that a later put records.
func (c *decisionCache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *decisionCache) put(gen, key uint64, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	if e, ok := c.entries[key]; ok {
		e.allowed = allowed
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}
	e := &lruEntry{key: key, allowed: allowed}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// clear empties the cache and advances the generation. Called on
// configuration swap.
func (c *decisionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

func (c *decisionCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *decisionCache) pushHeadLocked(e *lruEntry) {
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

func (c *decisionCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if c.tail == e {
		c.tail = e.prev
	}
	c.pushHeadLocked(e)
}

func (c *decisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	evicted := c.tail
	c.tail = evicted.prev
	if c.tail != nil {
		c.tail.next = nil
	} else {
		c.head = nil
	}
	delete(c.entries, evicted.key)
}
