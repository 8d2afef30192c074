package cloudfetch

import (
	"context"
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/databricks/databricks-sql-go/internal/arrowio"
	"github.com/databricks/databricks-sql-go/internal/cfconfig"
	"github.com/databricks/databricks-sql-go/internal/download"
)

// Reader is the consumer-facing surface of spec.md §6: Schema, NextBatch,
// Close. It wraps the internal arrowio.Reader and translates pipeline
// errors into *DriverError at the package boundary.
type Reader struct {
	inner      *arrowio.Reader
	byteBudget *cfconfig.ByteBudget
	prefetch   *cfconfig.PrefetchSemaphore
	closed     bool
}

// Schema returns the Arrow schema of the result set, spec.md §4.4.
func (r *Reader) Schema() *arrow.Schema {
	return r.inner.Schema()
}

// TotalBytes returns the running sum of ByteCount across every chunk
// dispatched so far, a local progress accessor (never an emitted metric).
func (r *Reader) TotalBytes() int64 {
	return r.inner.TotalBytes()
}

// NextBatch returns the next Arrow record batch in chunk order, io.EOF at
// end of stream, or a *DriverError on any terminal pipeline failure.
func (r *Reader) NextBatch(ctx context.Context) (arrow.Record, error) {
	if r.closed {
		return nil, ErrInvalidState("NextBatch called after Close")
	}
	rec, err := r.inner.NextBatch(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, translatePipelineError(err)
	}
	return rec, nil
}

// Close stops the underlying pipeline, aborting any in-flight download and
// releasing every acquired byte budget reservation and prefetch permit
// before returning, spec.md §5 "stop is synchronous-completing". Safe to
// call more than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.inner.Close() // releases the held chunk and stops the manager
	downloaderErr, fetcherErr := r.inner.ManagerErrors()
	return translateAggregate(downloaderErr, fetcherErr)
}

// translatePipelineError wraps an internal download/fetch error into the
// consumer-facing *DriverError taxonomy, spec.md §7.
func translatePipelineError(err error) error {
	var dlErr *download.Error
	if errors.As(err, &dlErr) {
		switch dlErr.Kind {
		case download.KindDecode:
			return ErrDecompression(dlErr.ChunkIndex, dlErr.Cause)
		default:
			return ErrDownloadFailed(dlErr.ChunkIndex, dlErr.Cause)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return ErrServerFetchFailed(err)
}
