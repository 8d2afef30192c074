// Package download implements the Downloader and DownloadManager, spec.md
// §4.2 and §4.3: the driver loop that turns ChunkDescriptors pulled off the
// fetcher's download queue into completed DownloadResults, bounded by the
// prefetch semaphore and byte budget, with URL-expiry and transient-error
// recovery built in.
package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/databricks/databricks-sql-go/internal/cfconfig"
	"github.com/databricks/databricks-sql-go/internal/protocol"
	rlog "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// HTTPClient is the cloud-storage collaborator the downloader issues GET
// requests against. *http.Client satisfies it directly; tests inject a
// fake RoundTripper-backed client instead, the way the teacher's
// downloader tests stub the chunk HTTP client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Downloader, spec.md §6. Every duration/count here
// comes from a resolved Config (see the root package's WithDefaults).
type Options struct {
	HTTPClient            HTTPClient
	Clock                 cfconfig.Clock
	CanDecompressLZ4      bool
	MaxRetries            int
	MaxURLRefreshAttempts int
	RetryDelay            time.Duration
	URLExpirationBuffer   time.Duration
	Logger                *rlog.Entry
}

// Downloader is the single-threaded driver loop of spec.md §4.2: it reads
// ChunkDescriptors off downloadQueue, acquires a prefetch slot and byte
// budget for each, publishes the resulting DownloadResult to resultQueue
// immediately, then dispatches the actual HTTP fetch to a background task.
type Downloader struct {
	fetcher       protocol.ResultFetcher
	downloadQueue protocol.DownloadQueue
	resultQueue   protocol.ResultQueue

	byteBudget *cfconfig.ByteBudget
	prefetch   *cfconfig.PrefetchSemaphore

	opts Options

	errOnce  chan struct{} // 1-buffered: first setErr wins, rest are no-ops
	firstErr error

	totalBytes int64 // atomic: sum of ByteCount across every descriptor dispatched so far
}

// NewDownloader creates a Downloader wired to fetcher's download queue and
// a fresh result queue whose capacity equals the prefetch semaphore's
// capacity (parallel_downloads); prefetch_count does not affect it.
func NewDownloader(fetcher protocol.ResultFetcher, downloadQueue protocol.DownloadQueue, byteBudget *cfconfig.ByteBudget, prefetch *cfconfig.PrefetchSemaphore, opts Options) *Downloader {
	if opts.Clock == nil {
		opts.Clock = cfconfig.RealClock{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = rlog.NewEntry(rlog.StandardLogger())
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	queueDepth := int(prefetch.Capacity())
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Downloader{
		fetcher:       fetcher,
		downloadQueue: downloadQueue,
		resultQueue:   make(protocol.ResultQueue, queueDepth),
		byteBudget:    byteBudget,
		prefetch:      prefetch,
		opts:          opts,
		errOnce:       make(chan struct{}, 1),
	}
}

// ResultQueue returns the queue the reader consumes from.
func (d *Downloader) ResultQueue() protocol.ResultQueue {
	return d.resultQueue
}

// TotalBytes returns the running sum of ByteCount across every descriptor
// dispatched so far, mirroring the teacher's totalUncompressedSize(): a
// local progress accessor, not an emitted metric, so it stays outside the
// no-telemetry boundary. It only reaches its final value once the
// downloader has observed EndOfResults.
func (d *Downloader) TotalBytes() int64 {
	return atomic.LoadInt64(&d.totalBytes)
}

// Run executes the driver loop until downloadQueue closes or ctx is
// cancelled, then waits for every dispatched per-chunk task to finish
// before closing resultQueue. Run blocks; callers run it in its own
// goroutine, spec.md §4.3 "Downloader.run (background goroutine)".
func (d *Downloader) Run(ctx context.Context) error {
	defer close(d.resultQueue)

	g, gctx := errgroup.WithContext(ctx)

loop:
	for {
		var desc *protocol.ChunkDescriptor
		var ok bool
		select {
		case desc, ok = <-d.downloadQueue:
			if !ok {
				break loop
			}
		case <-ctx.Done():
			d.setErr(ctx.Err())
			break loop
		}

		dr := protocol.NewDownloadResult(desc, desc.ByteCount, d.byteBudget.Release)

		if err := d.maybeRefresh(gctx, dr); err != nil {
			d.setErr(err)
			break loop
		}

		atomic.AddInt64(&d.totalBytes, desc.ByteCount)

		if err := d.prefetch.Acquire(gctx); err != nil {
			d.setErr(err)
			break loop
		}
		if err := d.byteBudget.Acquire(gctx, desc.ByteCount); err != nil {
			d.prefetch.Release()
			d.setErr(err)
			break loop
		}

		select {
		case d.resultQueue <- dr:
		case <-gctx.Done():
			dr.Release()
			d.prefetch.Release()
			d.setErr(gctx.Err())
			break loop
		}
		dr.MarkRunning()

		g.Go(func() error {
			defer d.prefetch.Release()
			if err := d.fetchChunk(gctx, dr); err != nil {
				dr.Fail(err)
				d.setErr(err)
				return err
			}
			return nil
		})
	}

	_ = g.Wait()
	return d.firstErrVal()
}

func (d *Downloader) setErr(err error) {
	if err == nil {
		return
	}
	select {
	case d.errOnce <- struct{}{}:
		d.firstErr = err
	default:
	}
}

func (d *Downloader) firstErrVal() error {
	return d.firstErr
}

// maybeRefresh is spec.md §4.2 step 1: if the descriptor's URL is at or
// past its expiry buffer, proactively refresh it before ever attempting a
// download. A successful proactive refresh counts against dr's refresh
// attempt counter the same as a reactive 401/403 refresh does, spec.md §8
// scenario 2.
func (d *Downloader) maybeRefresh(ctx context.Context, dr *protocol.DownloadResult) error {
	desc := dr.Descriptor
	if !desc.ExpiresWithin(d.opts.Clock.Now(), d.opts.URLExpirationBuffer) {
		return nil
	}
	reps, err := d.fetcher.Refresh(ctx, desc.StartRowOffset)
	if err != nil {
		return fmt.Errorf("download: refreshing expiring url for offset %d: %w", desc.StartRowOffset, err)
	}
	for _, r := range reps {
		if r.StartRowOffset == desc.StartRowOffset {
			s := r.Snapshot()
			desc.Refresh(protocol.ChunkReplacement{URL: s.URL, ExpiryTime: s.ExpiryTime, HTTPHeaders: s.HTTPHeaders})
			dr.IncrementRefreshAttempts()
			return nil
		}
	}
	return fmt.Errorf("download: refresh returned no replacement for offset %d", desc.StartRowOffset)
}

// fetchChunk is spec.md §4.2 steps 2-6 for one chunk: the HTTP GET retry
// loop with separate 401/403-refresh and generic-backoff paths, followed
// by decompression and completion.
func (d *Downloader) fetchChunk(ctx context.Context, dr *protocol.DownloadResult) error {
	desc := dr.Descriptor
	var lastErr error
	start := d.opts.Clock.Now()

	for attempt := 0; ; {
		snap := desc.Snapshot()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, snap.URL, nil)
		if err != nil {
			return ErrTransient(desc.ChunkIndex, fmt.Errorf("building request: %w", err))
		}
		for k, v := range snap.HTTPHeaders {
			req.Header.Set(k, v)
		}

		resp, err := d.opts.HTTPClient.Do(req)
		if err == nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			resp.Body.Close()
			if dr.RefreshAttempts() >= d.opts.MaxURLRefreshAttempts {
				return ErrExhausted(desc.ChunkIndex, fmt.Errorf("url refresh attempts exhausted after HTTP %d", resp.StatusCode))
			}
			reps, rerr := d.fetcher.Refresh(ctx, desc.StartRowOffset)
			if rerr != nil {
				lastErr = fmt.Errorf("refreshing after HTTP %d: %w", resp.StatusCode, rerr)
				return ErrExhausted(desc.ChunkIndex, lastErr)
			}
			applied := false
			for _, r := range reps {
				if r.StartRowOffset == desc.StartRowOffset {
					s := r.Snapshot()
					desc.Refresh(protocol.ChunkReplacement{URL: s.URL, ExpiryTime: s.ExpiryTime, HTTPHeaders: s.HTTPHeaders})
					applied = true
					break
				}
			}
			if !applied {
				return ErrExhausted(desc.ChunkIndex, fmt.Errorf("refresh returned no replacement after HTTP %d", resp.StatusCode))
			}
			dr.IncrementRefreshAttempts()
			continue // does not count against the generic retry budget
		}

		if err != nil || resp.StatusCode != http.StatusOK {
			if err == nil {
				resp.Body.Close()
				lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			} else {
				lastErr = err
			}
			attempt++
			if attempt >= d.opts.MaxRetries {
				return ErrExhausted(desc.ChunkIndex, lastErr)
			}
			d.opts.Logger.WithField("chunk_index", desc.ChunkIndex).WithField("attempt", attempt).Debug("download: retrying after transient error")
			select {
			case <-time.After(linearBackoff(d.opts.RetryDelay, attempt-1)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			attempt++
			if attempt >= d.opts.MaxRetries {
				return ErrExhausted(desc.ChunkIndex, lastErr)
			}
			continue
		}

		stream, decErr := d.finalizeStream(raw)
		if decErr != nil {
			return ErrDecode(desc.ChunkIndex, decErr)
		}
		dr.Complete(stream)
		d.opts.Logger.WithField("chunk_index", desc.ChunkIndex).
			WithField("byte_count", desc.ByteCount).
			Debugf("download: processed chunk %d in %v", desc.ChunkIndex, d.opts.Clock.Now().Sub(start))
		return nil
	}
}

func (d *Downloader) finalizeStream(raw []byte) (io.Reader, error) {
	if !d.opts.CanDecompressLZ4 {
		return bytes.NewReader(raw), nil
	}
	return decompressLZ4(raw)
}
