package btree

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PageCache is the pager's bounded map PageNumber -> page buffer,
// built on hashicorp/golang-lru/v2. Dirty pages (mid-build under the
// current write-tx) are kept in a separate map outside the LRU and are
// never evicted. Pin counts are tracked in their own map, but
// golang-lru has no pin concept and the LRU evicts by recency alone:
// a clean page is evictable whether or not it is pinned.
type PageCache struct {
	mu sync.Mutex

	lru *lru.Cache[PageNumber, []byte]

	pins  map[PageNumber]int
	dirty map[PageNumber][]byte

	hits   int64
	misses int64
}

func NewPageCache(capacity int) *PageCache {
	l, _ := lru.New[PageNumber, []byte](capacity)
	return &PageCache{
		lru:   l,
		pins:  make(map[PageNumber]int),
		dirty: make(map[PageNumber][]byte),
	}
}

// Get returns a cached buffer, bumping its pin count for a clean page
// (a dirty page is returned without a pin), or reports a miss so the
// caller can read from disk and Insert.
func (c *PageCache) Get(pn PageNumber) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok := c.dirty[pn]; ok {
		c.hits++
		return buf, true
	}
	if buf, ok := c.lru.Get(pn); ok {
		c.pins[pn]++
		c.hits++
		return buf, true
	}
	c.misses++
	return nil, false
}

// Unpin releases one pin acquired by Get or Insert, dropping the
// page's entry from the pin map once its count reaches zero.
func (c *PageCache) Unpin(pn PageNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[pn] > 0 {
		c.pins[pn]--
		if c.pins[pn] == 0 {
			delete(c.pins, pn)
		}
	}
}

// Insert adds a clean (durably committed) page to the evictable LRU.
func (c *PageCache) Insert(pn PageNumber, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(pn, buf)
	c.pins[pn]++
}

// SetDirty stashes a page built under the in-progress write-tx; dirty
// pages are never evicted and never hit the evictable LRU until the
// tx commits.
func (c *PageCache) SetDirty(pn PageNumber, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty[pn] = buf
}

// PromoteDirty moves every dirty page into the evictable LRU at
// commit, once it is durably written and referenced from the newly
// valid superblock.
func (c *PageCache) PromoteDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pn, buf := range c.dirty {
		c.lru.Add(pn, buf)
	}
	c.dirty = make(map[PageNumber][]byte)
}

// DiscardDirty drops every dirty page without promoting it, used on
// abort.
func (c *PageCache) DiscardDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = make(map[PageNumber][]byte)
}

// Stats reports cumulative hit/miss counters.
func (c *PageCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
