// Package cache defines the blob cache contract the commit engine consumes
// (lookup, insert, entry mutation) and a concrete in-memory implementation
// for tests, demos, and any host that doesn't need durable storage.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"fencekv/pkg/types"
)

// Epoch is a monotonically advancing integer used for liveness/aging
// decisions. The commit engine threads it through lookups but never
// interprets it itself.
type Epoch uint64

// Node is anything a cache entry can hold: a decoded directory, a raw
// value block, or another record such as a blobsplit manifest. Readers tell
// them apart with a type assertion or type switch on what the cache hands
// back, so Node is an opaque marker interface rather than a tagged union.
type Node interface{}

// Entry holds one cached node plus its liveness/flush bookkeeping. A fresh
// entry (from Insert) is not valid until SetNode fills it.
type Entry struct {
	mu         sync.Mutex
	node       Node
	valid      bool
	dirty      bool
	lastEpoch  Epoch
	contentStore bool
}

// SetNode fills a freshly-created entry and marks it valid.
func (e *Entry) SetNode(n Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.node = n
	e.valid = true
}

// Node returns the decoded node, or nil if the entry isn't valid yet.
func (e *Entry) Node() Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node
}

// GetValid reports whether the entry's content has been populated.
func (e *Entry) GetValid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.valid
}

// SetDirty marks the entry as holding new, not-yet-flushed content.
func (e *Entry) SetDirty(dirty bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirty = dirty
}

// GetDirty reports whether the entry is still awaiting a durable flush.
func (e *Entry) GetDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// MarkContentStore asks the cache to enqueue this entry for asynchronous
// flush to durable storage. On MemCache this starts the simulated flush
// timer; a durable-backed cache would enqueue a real write here.
func (e *Entry) MarkContentStore(c Cache) {
	e.mu.Lock()
	e.contentStore = true
	e.mu.Unlock()
	c.ScheduleFlush(e)
}

func (e *Entry) touch(epoch Epoch) {
	e.mu.Lock()
	e.lastEpoch = epoch
	e.mu.Unlock()
}

// Cache is the contract the commit engine consumes. It never allocates a
// node on the caller's behalf — Lookup only returns what is already
// present, and Insert only reserves a slot for one the caller will fill
// with SetNode.
type Cache interface {
	// Lookup returns the entry if present, updating its last-access epoch.
	Lookup(ref types.Ref, epoch Epoch) (*Entry, bool)
	// LookupAndGet returns the node only if the entry exists and is valid.
	LookupAndGet(ref types.Ref, epoch Epoch) (Node, bool)
	// Insert places a fresh, not-yet-valid entry; a no-op if already present.
	Insert(ref types.Ref, e *Entry)
	// ScheduleFlush enqueues e for asynchronous durable storage. The
	// implementation clears e's dirty bit once the flush completes.
	ScheduleFlush(e *Entry)
}

// MemCache is an in-memory Cache. Entries that are valid and clean live in
// a bounded LRU; an entry that is dirty (or not yet valid) is kept in a
// separate pinned set, since at that point the cache — not the LRU
// eviction policy — owns the only copy of the node. A pinned entry
// migrates into the LRU the moment its flush completes.
type MemCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[types.Ref, *Entry]
	pinned map[types.Ref]*Entry
	delay  time.Duration
}

// NewMemCache creates an in-memory cache holding up to capacity clean
// entries, simulating an asynchronous durable flush that completes after
// delay.
func NewMemCache(capacity int, delay time.Duration) *MemCache {
	l, err := lru.New[types.Ref, *Entry](capacity)
	if err != nil {
		// Only returned by golang-lru for a non-positive capacity.
		panic(err)
	}
	return &MemCache{lru: l, pinned: make(map[types.Ref]*Entry), delay: delay}
}

// Lookup returns the entry if present, updating its last-access epoch.
func (c *MemCache) Lookup(ref types.Ref, epoch Epoch) (*Entry, bool) {
	c.mu.Lock()
	e, ok := c.pinned[ref]
	if !ok {
		e, ok = c.lru.Get(ref)
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.touch(epoch)
	return e, true
}

// LookupAndGet returns the node only if the entry exists and is valid.
func (c *MemCache) LookupAndGet(ref types.Ref, epoch Epoch) (Node, bool) {
	e, ok := c.Lookup(ref, epoch)
	if !ok || !e.GetValid() {
		return nil, false
	}
	return e.Node(), true
}

// Insert places a fresh, not-yet-valid entry; a no-op if ref already has one.
func (c *MemCache) Insert(ref types.Ref, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pinned[ref]; ok {
		return
	}
	if _, ok := c.lru.Peek(ref); ok {
		return
	}
	c.pinned[ref] = e
}

// ScheduleFlush simulates the durable store completing asynchronously: the
// entry's dirty bit clears after c.delay and it is released into the LRU.
// A zero delay flushes inline, which is what deterministic tests want.
func (c *MemCache) ScheduleFlush(e *Entry) {
	if c.delay <= 0 {
		c.settle(e)
		return
	}
	go func() {
		time.Sleep(c.delay)
		c.settle(e)
	}()
}

func (c *MemCache) settle(e *Entry) {
	e.SetDirty(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, pe := range c.pinned {
		if pe == e {
			delete(c.pinned, ref)
			c.lru.Add(ref, pe)
			return
		}
	}
}

// Len reports the number of entries currently held, pinned or clean.
func (c *MemCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len() + len(c.pinned)
}
