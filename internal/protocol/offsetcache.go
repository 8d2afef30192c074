package protocol

import "sync"

// OffsetCache is the fetcher-internal cache keyed by start_row_offset,
// spec.md §4.1/§9: URL refresh is authoritative at an offset, not at a
// chunk index, so the cache is keyed by offset while chunk_index remains
// a client-side monotonic sequence number assigned once per descriptor.
// Its own mutex only makes each individual method call atomic; a
// check-then-act sequence across two calls (e.g. NextIndex then Put) is
// not by itself race-free. Both fetcher variants only ever perform such
// sequences from within their single RPC/refresh mutex (spec.md §5), so in
// practice OffsetCache always sees one writer at a time, matching the
// teacher's urls_by_offset treatment.
type OffsetCache struct {
	mu        sync.Mutex
	byOffset  map[int64]*ChunkDescriptor
	nextIndex int
}

// NewOffsetCache creates an empty cache.
func NewOffsetCache() *OffsetCache {
	return &OffsetCache{byOffset: make(map[int64]*ChunkDescriptor)}
}

// NextIndex returns and consumes the next monotonic chunk index, for
// callers that build the ChunkDescriptor themselves (both variants do,
// since their wire payloads differ).
func (c *OffsetCache) NextIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.nextIndex
	c.nextIndex++
	return idx
}

// Put records d under its StartRowOffset, replacing any prior descriptor
// cached at that offset.
func (c *OffsetCache) Put(d *ChunkDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byOffset[d.StartRowOffset] = d
}

// Get returns the descriptor cached at offset, if any.
func (c *OffsetCache) Get(offset int64) (*ChunkDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.byOffset[offset]
	return d, ok
}
