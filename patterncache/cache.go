// Package patterncache provides a bounded LRU cache with per-entry TTL for
// compiled regular expressions. Emote and phrase patterns are compiled once and
// shared across channels; the cache keeps memory bounded when the set of
// observed emotes churns.
package patterncache

import (
	"container/list"
	"regexp"
	"sync"
	"time"
)

type entry struct {
	key      string
	pattern  *regexp.Regexp
	lastUsed time.Time
}

// Cache is safe for concurrent use. A single mutex guards every operation:
// even a plain Get mutates the recency order, so a reader/writer split would
// not admit concurrent reads.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recently used
	items   map[string]*list.Element
	now     func() time.Time
}

// New returns a cache holding at most maxSize entries, each expiring ttl after
// its last access. maxSize must be >= 1.
func New(maxSize int, ttl time.Duration) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns the cached pattern for key, promoting it to most recently used.
// An entry older than the TTL is evicted on the spot and reported as a miss.
func (c *Cache) Get(key string) (*regexp.Regexp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*entry)
	if c.now().Sub(ent.lastUsed) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	ent.lastUsed = c.now()
	c.order.MoveToFront(el)
	return ent.pattern, true
}

// Put inserts or replaces the pattern for key. Before inserting a new key it
// sweeps expired entries, then evicts from the LRU end until under capacity.
func (c *Cache) Put(key string, pattern *regexp.Regexp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.pattern = pattern
		ent.lastUsed = c.now()
		c.order.MoveToFront(el)
		return
	}
	c.sweepExpired()
	for len(c.items) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
	el := c.order.PushFront(&entry{key: key, pattern: pattern, lastUsed: c.now()})
	c.items[key] = el
}

// GetOrCompile returns the cached pattern for expr, compiling and caching it on
// a miss. Compile errors are returned without touching the cache.
func (c *Cache) GetOrCompile(expr string) (*regexp.Regexp, error) {
	if re, ok := c.Get(expr); ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	c.Put(expr, re)
	return re, nil
}

// Len reports the number of physically present entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// sweepExpired removes every entry older than the TTL. Caller holds c.mu.
func (c *Cache) sweepExpired() {
	cutoff := c.now().Add(-c.ttl)
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.lastUsed.Before(cutoff) {
			c.order.Remove(el)
			delete(c.items, ent.key)
		}
		el = prev
	}
}
