package cloudfetch

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/databricks/databricks-sql-go/internal/arrowio"
	"github.com/databricks/databricks-sql-go/internal/cfconfig"
	"github.com/databricks/databricks-sql-go/internal/download"
	"github.com/databricks/databricks-sql-go/internal/protocol"
)

// OpenOptions bundles the external collaborators Open needs beyond Config
// and the ResultFetcher itself: the cloud-storage HTTP client, an
// injectable clock for expiry tests, and the schema to present when the
// result set turns out to have zero chunks (spec.md §4.4).
type OpenOptions struct {
	HTTPClient     download.HTTPClient
	Clock          cfconfig.Clock
	FallbackSchema *arrow.Schema
}

// Open wires a fetcher into a running CloudFetch pipeline and returns the
// consumer-facing Reader, spec.md §6 "open(config) -> Reader". downloadQueue
// must be the same queue fetcher was constructed with (the Thrift/REST
// fetcher variants take their target queue at construction, see
// internal/thriftfetch.New / internal/restfetch.New) — Open does not
// construct the fetcher itself since that requires a transport client the
// pipeline core treats as an external collaborator (spec.md §1).
func Open(ctx context.Context, cfg Config, fetcher protocol.ResultFetcher, downloadQueue protocol.DownloadQueue, opts OpenOptions) (*Reader, error) {
	if fetcher == nil {
		return nil, errNilFetcher
	}
	cfg = cfg.WithDefaults()

	byteBudget := cfconfig.NewByteBudget(cfg.MemoryBufferBytes())
	prefetch := cfconfig.NewPrefetchSemaphore(cfg.ParallelDownloads)

	mgr := download.NewManager(fetcher, downloadQueue, download.ManagerOptions{
		ByteBudget:            byteBudget,
		Prefetch:              prefetch,
		HTTPClient:            opts.HTTPClient,
		Clock:                 opts.Clock,
		CanDecompressLZ4:      cfg.CanDecompressLZ4,
		MaxRetries:            cfg.MaxRetries,
		MaxURLRefreshAttempts: cfg.MaxURLRefreshAttempts,
		RetryDelayMS:          cfg.RetryDelayMS,
		URLExpirationBufferS:  cfg.URLExpirationBufferSeconds,
		Logger:                logger.WithContext(ctx),
	})
	if err := mgr.Start(ctx); err != nil {
		return nil, ErrInvalidState(fmt.Sprintf("starting cloudfetch pipeline: %v", err))
	}

	return &Reader{
		inner:      arrowio.New(mgr, opts.FallbackSchema),
		byteBudget: byteBudget,
		prefetch:   prefetch,
	}, nil
}
