package restfetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	rlog "github.com/sirupsen/logrus"

	"github.com/databricks/databricks-sql-go/internal/protocol"
)

// Fetcher is the REST Statement Execution API variant of
// protocol.ResultFetcher, spec.md §4.1. For the initial batch it uses the
// manifest included with the statement-execution response; thereafter it
// follows next_chunk_index / next_chunk_internal_link.
type Fetcher struct {
	client      Client
	statementID string
	// correlationID tags every log line this fetcher instance emits, the
	// idiomatic REST-variant replacement for the Thrift variant's session
	// handle — the Statement Execution API identifies work by UUID string
	// rather than an integer session ID.
	correlationID uuid.UUID
	log           *rlog.Entry
	queue         protocol.DownloadQueue

	// rpcMu serializes Refresh against the background Start loop, the
	// way the Thrift variant serializes FETCH_NEXT against refresh,
	// spec.md §4.1 invariant 2. The REST variant has no server-side
	// cursor to corrupt, but a client-local cache keyed by offset still
	// needs single-writer discipline.
	rpcMu sync.Mutex
	cache *protocol.OffsetCache

	startOnce sync.Once
	started   bool

	mu             sync.Mutex
	hasMore        bool
	hasCursor      bool
	completed      bool
	err            error
	nextIndex      int64
	nextLink       string
	pendingInitial []*protocol.ChunkDescriptor
}

// New creates a REST fetcher. initial is the manifest returned inline
// with the statement execution response, if the server included one
// (spec.md §4.1 "Initial results optimization").
func New(client Client, statementID string, initial Manifest, queue protocol.DownloadQueue) *Fetcher {
	correlationID := uuid.New()
	f := &Fetcher{
		client:        client,
		statementID:   statementID,
		correlationID: correlationID,
		log: rlog.WithFields(rlog.Fields{
			"statement_id":   statementID,
			"correlation_id": correlationID.String(),
		}),
		queue:   queue,
		cache:   protocol.NewOffsetCache(),
		hasMore: initial.HasMoreRows,
	}
	if initial.ResultData != nil {
		f.seedInitial(initial.ResultData)
	}
	return f
}

func (f *Fetcher) seedInitial(rd *ResultData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, link := range rd.ExternalLinks {
		f.pendingInitial = append(f.pendingInitial, f.enqueueLinkLocked(link))
	}
}

// enqueueLinkLocked builds a ChunkDescriptor from an ExternalLink, assigns
// it the next monotonic chunk index, caches it by offset, and remembers
// the server's cursor for the next page. Callers hold f.mu. seedInitial
// calls it during construction, before any concurrent access; the
// background loop calls it while also holding rpcMu, so its cache writes
// never interleave with Refresh (protocol.OffsetCache assumes one writer
// at a time).
func (f *Fetcher) enqueueLinkLocked(link ExternalLink) *protocol.ChunkDescriptor {
	expiry, err := time.Parse(time.RFC3339, link.Expiration)
	if err != nil {
		expiry = time.Now().UTC()
	}
	d := &protocol.ChunkDescriptor{
		ChunkIndex:     f.cache.NextIndex(),
		StartRowOffset: link.RowOffset,
		RowCount:       link.RowCount,
		ByteCount:      link.ByteCount,
		URL:            link.ExternalLink,
		ExpiryTime:     expiry,
		HTTPHeaders:    link.HTTPHeaders,
	}
	f.cache.Put(d)
	if link.NextChunkIndex != nil {
		f.nextIndex = *link.NextChunkIndex
		f.hasCursor = true
	}
	if link.NextChunkInternalLink != nil {
		f.nextLink = *link.NextChunkInternalLink
		f.hasCursor = true
	}
	return d
}

// Start launches the background fetch loop. At most one active call per
// Fetcher; a second call is a no-op, matching spec.md §4.1 "at-most-one
// active task per fetcher".
func (f *Fetcher) Start(ctx context.Context) error {
	var err error
	f.startOnce.Do(func() {
		f.mu.Lock()
		f.started = true
		f.mu.Unlock()
		go f.run(ctx)
	})
	return err
}

func (f *Fetcher) run(ctx context.Context) {
	defer close(f.queue)

	// drain whatever the initial manifest already queued, in offset order
	f.mu.Lock()
	initial := f.takePendingInitialLocked()
	f.mu.Unlock()
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
		hasMore := f.hasMore
		f.mu.Unlock()
		if !hasMore {
			break
		}

		f.rpcMu.Lock()
		rd, err := f.fetchNextPage(ctx)
		if err != nil {
			f.rpcMu.Unlock()
			f.log.WithError(err).Debug("restfetch: fetching next page failed")
			f.setErr(err)
			return
		}
		if rd == nil {
			f.rpcMu.Unlock()
			break
		}

		f.mu.Lock()
		f.hasCursor = false
		descs := make([]*protocol.ChunkDescriptor, 0, len(rd.ExternalLinks))
		for _, link := range rd.ExternalLinks {
			descs = append(descs, f.enqueueLinkLocked(link))
		}
		f.hasMore = f.hasCursor
		f.mu.Unlock()
		f.rpcMu.Unlock()

		for _, d := range descs {
			select {
			case f.queue <- d:
			case <-ctx.Done():
				f.setErr(ctx.Err())
				return
			}
		}
		if len(descs) == 0 {
			break
		}
	}

	f.mu.Lock()
	f.completed = true
	f.hasMore = false
	f.mu.Unlock()
}

// takePendingInitialLocked returns and clears the descriptors seedInitial
// built from the statement-execution response's inline manifest, spec.md
// §4.1 "Initial results optimization" — emitted before any RPC occurs.
func (f *Fetcher) takePendingInitialLocked() []*protocol.ChunkDescriptor {
	out := f.pendingInitial
	f.pendingInitial = nil
	return out
}

func (f *Fetcher) fetchNextPage(ctx context.Context) (*ResultData, error) {
	f.mu.Lock()
	idx, link := f.nextIndex, f.nextLink
	f.mu.Unlock()
	return f.client.GetResultChunk(ctx, f.statementID, idx, link)
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

// Refresh requests a fresh descriptor anchored at startRowOffset, spec.md
// §4.1. It serializes against the background loop via rpcMu so the
// client-local offset cache is never mutated concurrently.
func (f *Fetcher) Refresh(ctx context.Context, startRowOffset int64) ([]*protocol.ChunkDescriptor, error) {
	f.rpcMu.Lock()
	defer f.rpcMu.Unlock()

	f.log.WithField("start_row_offset", startRowOffset).Debug("restfetch: refreshing url")
	cached, ok := f.cache.Get(startRowOffset)
	if !ok {
		return nil, fmt.Errorf("restfetch: no known chunk at offset %d to refresh", startRowOffset)
	}
	rd, err := f.client.GetResultChunk(ctx, f.statementID, int64(cached.ChunkIndex), "")
	if err != nil {
		return nil, fmt.Errorf("restfetch: refreshing offset %d: %w", startRowOffset, err)
	}
	var replacements []*protocol.ChunkDescriptor
	for _, link := range rd.ExternalLinks {
		expiry, perr := time.Parse(time.RFC3339, link.Expiration)
		if perr != nil {
			expiry = time.Now().UTC()
		}
		if existing, ok := f.cache.Get(link.RowOffset); ok {
			existing.Refresh(protocol.ChunkReplacement{
				URL:         link.ExternalLink,
				ExpiryTime:  expiry,
				HTTPHeaders: link.HTTPHeaders,
			})
			replacements = append(replacements, existing)
			continue
		}
		// an offset the cache has never seen: cache it opportunistically
		// but do not enqueue it (spec.md §9 Open Question, resolved as
		// cache-only — see DESIGN.md).
		d := &protocol.ChunkDescriptor{
			ChunkIndex:     f.cache.NextIndex(),
			StartRowOffset: link.RowOffset,
			RowCount:       link.RowCount,
			ByteCount:      link.ByteCount,
			URL:            link.ExternalLink,
			ExpiryTime:     expiry,
			HTTPHeaders:    link.HTTPHeaders,
		}
		f.cache.Put(d)
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
