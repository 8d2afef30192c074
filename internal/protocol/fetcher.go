package protocol

import "context"

// ResultFetcher is the capability every fetcher variant (Thrift, REST)
// implements, spec.md §4.1. The two variants share this capability set
// but have disjoint internal state — modeled as a sum of variants behind
// one interface rather than inheritance, per spec.md §9.
type ResultFetcher interface {
	// Start launches the background task that enqueues descriptors onto
	// the download queue in chunk-index order until the server reports
	// no more, then closes the queue (the Go expression of the
	// EndOfResults sentinel). At most one active Start per fetcher.
	Start(ctx context.Context) error

	// Refresh synchronously requests a replacement descriptor anchored
	// at startRowOffset, used on URL expiry or on 401/403 from cloud
	// storage. Returns the replacement for that offset and, optionally,
	// replacements for adjacent offsets the server chose to include.
	Refresh(ctx context.Context, startRowOffset int64) ([]*ChunkDescriptor, error)

	// HasMoreResults reports whether the fetcher expects to enqueue more
	// descriptors.
	HasMoreResults() bool

	// IsCompleted reports whether the fetcher's background task has
	// finished (successfully or not).
	IsCompleted() bool

	// Err returns the terminal fetch error, if any.
	Err() error
}

// DownloadQueue is written to only by a ResultFetcher's background task
// and read only by the downloader's driver loop, spec.md §5. Closing it
// is the Go expression of spec.md's EndOfResults sentinel.
type DownloadQueue = chan *ChunkDescriptor

// ResultQueue is written to only by the downloader's driver loop and read
// only by the reader, spec.md §5. Closing it marks EndOfResults for the
// reader side of the pipeline.
type ResultQueue = chan *DownloadResult
