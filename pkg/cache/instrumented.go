package cache

import (
	"sync"

	"fencekv/pkg/types"
)

// Stats tracks how an InstrumentedCache's Insert calls resolved: whether
// the ref was already present (structural sharing) or genuinely new.
type Stats struct {
	TotalInserts int
	NewInserts   int
	Deduplicated int
}

// InstrumentedCache wraps a Cache to count insert/dedup activity, useful
// in tests asserting that repeated commits of identical content only ever
// touch the cache once (spec.md invariant 5, the no-op store counter).
type InstrumentedCache struct {
	inner Cache
	mu    sync.Mutex
	stats Stats
}

// NewInstrumentedCache wraps inner for observation.
func NewInstrumentedCache(inner Cache) *InstrumentedCache {
	return &InstrumentedCache{inner: inner}
}

// Lookup delegates to the wrapped cache.
func (c *InstrumentedCache) Lookup(ref types.Ref, epoch Epoch) (*Entry, bool) {
	return c.inner.Lookup(ref, epoch)
}

// LookupAndGet delegates to the wrapped cache.
func (c *InstrumentedCache) LookupAndGet(ref types.Ref, epoch Epoch) (Node, bool) {
	return c.inner.LookupAndGet(ref, epoch)
}

// Insert delegates to the wrapped cache while recording whether ref was
// already known.
func (c *InstrumentedCache) Insert(ref types.Ref, e *Entry) {
	c.mu.Lock()
	_, existed := c.inner.Lookup(ref, 0)
	c.stats.TotalInserts++
	if existed {
		c.stats.Deduplicated++
	} else {
		c.stats.NewInserts++
	}
	c.mu.Unlock()
	c.inner.Insert(ref, e)
}

// ScheduleFlush delegates to the wrapped cache.
func (c *InstrumentedCache) ScheduleFlush(e *Entry) {
	c.inner.ScheduleFlush(e)
}

// Stats returns a copy of the counters collected so far.
func (c *InstrumentedCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
