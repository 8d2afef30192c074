package thriftfetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/databricks/databricks-sql-go/internal/protocol"
)

// InitialBatch is the set of descriptors the server returned synchronously
// with query execution, spec.md §4.1 "Initial results optimization", plus
// whether the server signaled more rows beyond them.
type InitialBatch struct {
	Links       []ResultLink
	HasMoreRows bool
	// EndOffset is the offset to resume FETCH_NEXT from; meaningful only
	// when HasMoreRows is true.
	EndOffset int64
}

// Fetcher is the Thrift FetchResults variant of protocol.ResultFetcher.
type Fetcher struct {
	client    Client
	batchSize int64
	queryTimeout time.Duration
	queue     protocol.DownloadQueue

	// rpcMu serializes FetchResults calls against Refresh, spec.md §4.1
	// invariant 2: "the server's FETCH_NEXT cursor mutates server-side
	// state and must not be interleaved" with a refresh call.
	rpcMu sync.Mutex
	cache *protocol.OffsetCache

	startOnce sync.Once

	mu        sync.Mutex
	hasMore   bool
	completed bool
	err       error
	nextOffset int64
	pending   []*protocol.ChunkDescriptor
}

// New creates a Thrift fetcher. initial carries any descriptors the
// server returned synchronously with query execution.
func New(client Client, batchSize int64, queryTimeout time.Duration, initial InitialBatch, queue protocol.DownloadQueue) *Fetcher {
	f := &Fetcher{
		client:       client,
		batchSize:    batchSize,
		queryTimeout: queryTimeout,
		queue:        queue,
		cache:        protocol.NewOffsetCache(),
		hasMore:      initial.HasMoreRows,
		nextOffset:   initial.EndOffset,
	}
	for _, link := range initial.Links {
		f.pending = append(f.pending, f.toDescriptorLocked(link))
	}
	return f
}

func (f *Fetcher) toDescriptorLocked(link ResultLink) *protocol.ChunkDescriptor {
	d := &protocol.ChunkDescriptor{
		ChunkIndex:     f.cache.NextIndex(),
		StartRowOffset: link.StartRowOffset,
		RowCount:       link.RowCount,
		ByteCount:      0,
		URL:            link.FileLink,
		ExpiryTime:     time.UnixMilli(link.ExpiryTimeMs).UTC(),
		HTTPHeaders:    link.HTTPHeaders,
	}
	f.cache.Put(d)
	return d
}

// Start launches the background FETCH_NEXT loop. At most one active call
// per Fetcher.
func (f *Fetcher) Start(ctx context.Context) error {
	f.startOnce.Do(func() {
		go f.run(ctx)
	})
	return nil
}

func (f *Fetcher) run(ctx context.Context) {
	defer close(f.queue)

	initial := f.pending
	f.pending = nil
	for _, d := range initial {
		select {
		case f.queue <- d:
		case <-ctx.Done():
			f.setErr(ctx.Err())
			return
		}
	}

	for {
		f.mu.Lock()
		hasMore, offset := f.hasMore, f.nextOffset
		f.mu.Unlock()
		if !hasMore {
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, f.queryTimeout)
		f.rpcMu.Lock()
		resp, err := f.client.FetchResults(callCtx, FetchNext, f.batchSize, offset)
		cancel()
		if err != nil {
			f.rpcMu.Unlock()
			f.setErr(fmt.Errorf("thriftfetch: FetchResults at offset %d: %w", offset, err))
			return
		}

		// the offset cache is written under rpcMu, same as in Refresh
		descs := make([]*protocol.ChunkDescriptor, 0, len(resp.ResultLinks))
		var maxEnd int64
		for _, link := range resp.ResultLinks {
			d := f.toDescriptorLocked(link)
			descs = append(descs, d)
			if end := link.StartRowOffset + link.RowCount; end > maxEnd {
				maxEnd = end
			}
		}
		f.rpcMu.Unlock()

		f.mu.Lock()
		f.hasMore = resp.HasMoreRows
		if maxEnd > 0 {
			f.nextOffset = maxEnd
		}
		f.mu.Unlock()

		for _, d := range descs {
			select {
			case f.queue <- d:
			case <-ctx.Done():
				f.setErr(ctx.Err())
				return
			}
		}
		if len(descs) == 0 && !resp.HasMoreRows {
			break
		}
	}

	f.mu.Lock()
	f.completed = true
	f.hasMore = false
	f.mu.Unlock()
}

func (f *Fetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
	f.completed = true
	f.hasMore = false
}

// Refresh requests a replacement descriptor at startRowOffset by issuing
// a single-row FETCH_NEXT anchored at that offset, serialized against the
// background loop via rpcMu (spec.md §4.1 invariant 2).
func (f *Fetcher) Refresh(ctx context.Context, startRowOffset int64) ([]*protocol.ChunkDescriptor, error) {
	f.rpcMu.Lock()
	defer f.rpcMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, f.queryTimeout)
	defer cancel()

	resp, err := f.client.FetchResults(callCtx, FetchNext, 1, startRowOffset)
	if err != nil {
		return nil, fmt.Errorf("thriftfetch: refreshing offset %d: %w", startRowOffset, err)
	}

	var replacements []*protocol.ChunkDescriptor
	for _, link := range resp.ResultLinks {
		if existing, ok := f.cache.Get(link.StartRowOffset); ok {
			existing.Refresh(protocol.ChunkReplacement{
				URL:         link.FileLink,
				ExpiryTime:  time.UnixMilli(link.ExpiryTimeMs).UTC(),
				HTTPHeaders: link.HTTPHeaders,
			})
			if link.StartRowOffset == startRowOffset {
				replacements = append(replacements, existing)
			}
			continue
		}
		// adjacent offset never seen before: cache opportunistically,
		// do not enqueue (spec.md §9 Open Question, resolved in DESIGN.md).
		f.toDescriptorLocked(link)
	}
	if len(replacements) == 0 {
		return nil, fmt.Errorf("thriftfetch: server returned no replacement for offset %d", startRowOffset)
	}
	return replacements, nil
}

// HasMoreResults reports whether the background loop expects to enqueue
// more descriptors.
func (f *Fetcher) HasMoreResults() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasMore
}

// IsCompleted reports whether the background loop has finished.
func (f *Fetcher) IsCompleted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Err returns the terminal fetch error, if any.
func (f *Fetcher) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
