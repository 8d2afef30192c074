package download

import (
	"context"
	"sync"

	"github.com/databricks/databricks-sql-go/internal/cfconfig"
	"github.com/databricks/databricks-sql-go/internal/protocol"
	rlog "github.com/sirupsen/logrus"
)

// Manager is the thin orchestrator of spec.md §4.3: it owns the fetcher and
// downloader lifecycles, exposes Next() for the reader to pull completed
// DownloadResults from in order, and returns the fetcher's and
// downloader's terminal errors from Stop for the caller to combine.
type Manager struct {
	fetcher    protocol.ResultFetcher
	downloader *Downloader

	startOnce sync.Once
	cancel    context.CancelFunc

	downloadDone  chan struct{}
	downloaderErr error
}

// ManagerOptions bundles everything Manager needs to construct its
// Downloader, spec.md §6.
type ManagerOptions struct {
	ByteBudget            *cfconfig.ByteBudget
	Prefetch              *cfconfig.PrefetchSemaphore
	HTTPClient            HTTPClient
	Clock                 cfconfig.Clock
	CanDecompressLZ4      bool
	MaxRetries            int
	MaxURLRefreshAttempts int
	RetryDelayMS          int
	URLExpirationBufferS  int
	Logger                *rlog.Entry
}

// NewManager wires a Manager around fetcher and downloadQueue, spec.md §5's
// "DownloadManager owns both the ResultFetcher and the Downloader".
func NewManager(fetcher protocol.ResultFetcher, downloadQueue protocol.DownloadQueue, opts ManagerOptions) *Manager {
	downloader := NewDownloader(fetcher, downloadQueue, opts.ByteBudget, opts.Prefetch, Options{
		HTTPClient:            opts.HTTPClient,
		Clock:                 opts.Clock,
		CanDecompressLZ4:      opts.CanDecompressLZ4,
		MaxRetries:            opts.MaxRetries,
		MaxURLRefreshAttempts: opts.MaxURLRefreshAttempts,
		RetryDelay:            msToDuration(opts.RetryDelayMS),
		URLExpirationBuffer:   secToDuration(opts.URLExpirationBufferS),
		Logger:                opts.Logger,
	})
	return &Manager{
		fetcher:      fetcher,
		downloader:   downloader,
		downloadDone: make(chan struct{}),
	}
}

// Start launches the fetcher and downloader background tasks. At most one
// active call per Manager. The Manager derives and owns the cancellation
// token both background tasks observe, spec.md §2 "DownloadManager …
// owns the cancellation token": Stop cancels it rather than relying on
// the caller's ctx outliving the pipeline.
func (m *Manager) Start(ctx context.Context) error {
	var startErr error
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		if err := m.fetcher.Start(ctx); err != nil {
			startErr = err
			return
		}
		go func() {
			defer close(m.downloadDone)
			m.downloaderErr = m.downloader.Run(ctx)
		}()
	})
	return startErr
}

// Next returns the result queue the reader pulls from, in dispatch order.
func (m *Manager) Next() protocol.ResultQueue {
	return m.downloader.ResultQueue()
}

// TotalBytes returns the running sum of ByteCount across every descriptor
// the downloader has dispatched so far, a progress accessor supplementing
// spec.md's pipeline with the teacher's totalUncompressedSize() behavior.
func (m *Manager) TotalBytes() int64 {
	return m.downloader.TotalBytes()
}

// Stop cancels the token both background tasks observe, awaits the
// downloader's exit, then drains any DownloadResult already published to
// the result queue but never consumed by the reader — releasing each
// one's acquired byte budget — before returning the downloader's and
// fetcher's terminal errors separately so the caller can combine them
// however its error-reporting contract requires (the root package wraps
// them into a single DriverError, spec.md §4.3). Stop is
// synchronous-completing, spec.md §5: it does not return until every
// background task has observed cancellation and every outstanding result
// has been disposed. Safe to call concurrently or more than once: ctx
// cancellation, channel receives and DownloadResult.Release are all
// idempotent/safe for repeated or concurrent use.
func (m *Manager) Stop() (downloaderErr, fetcherErr error) {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.downloadDone
	for dr := range m.downloader.ResultQueue() {
		dr.Release()
	}
	return m.downloaderErr, m.fetcher.Err()
}
