// Package protocol holds the types shared by both fetcher variants and the
// downloader: the chunk descriptor, the in-flight download result, and the
// capability interface a fetcher must satisfy. Nothing here depends on the
// concrete Thrift or REST transport.
package protocol

import (
	"sync"
	"time"
)

// ChunkDescriptor is the metadata block the server returns per chunk,
// spec.md §3. Every field except URL, ExpiryTime and HTTPHeaders is
// immutable after construction; those three are replaced atomically via
// Refresh when the server issues a new presigned URL for the same offset.
type ChunkDescriptor struct {
	ChunkIndex      int
	StartRowOffset  int64
	RowCount        int64
	ByteCount       int64
	URL             string
	ExpiryTime      time.Time
	HTTPHeaders     map[string]string

	mu sync.Mutex
}

// ChunkReplacement is what ChunkDescriptor.Refresh installs for a single
// offset: a new URL, expiry and headers for an already-assigned chunk
// index, typically copied from a descriptor that ResultFetcher.Refresh
// returned.
type ChunkReplacement struct {
	URL         string
	ExpiryTime  time.Time
	HTTPHeaders map[string]string
}

// Snapshot returns a copy of the mutable URL/expiry/headers fields,
// safe to read concurrently with a Refresh from another goroutine.
type Snapshot struct {
	URL         string
	ExpiryTime  time.Time
	HTTPHeaders map[string]string
}

// Snapshot takes a consistent read of the descriptor's mutable fields.
func (d *ChunkDescriptor) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{URL: d.URL, ExpiryTime: d.ExpiryTime, HTTPHeaders: d.HTTPHeaders}
}

// Refresh atomically replaces the URL, expiry and headers with a
// replacement returned from the same offset, spec.md §4.1 invariant 3.
func (d *ChunkDescriptor) Refresh(r ChunkReplacement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.URL = r.URL
	d.ExpiryTime = r.ExpiryTime
	d.HTTPHeaders = r.HTTPHeaders
}

// ExpiresWithin reports whether the descriptor's expiry is at or before
// now+buffer, the pre-check in spec.md §4.2 step 1.
func (d *ChunkDescriptor) ExpiresWithin(now time.Time, buffer time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.ExpiryTime.After(now.Add(buffer))
}
