// Package arrowio implements the Arrow IPC decode stage, spec.md §4.4:
// it consumes completed chunk streams from a download.Manager in order,
// parses Arrow IPC record batches, and releases each chunk's memory back
// to the byte budget once its stream is exhausted.
package arrowio

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/databricks/databricks-sql-go/internal/download"
	"github.com/databricks/databricks-sql-go/internal/protocol"
)

// Manager is the subset of *download.Manager the reader drives against,
// narrowed to an interface so tests can substitute a fake pipeline without
// standing up real fetchers and downloaders.
type Manager interface {
	Next() protocol.ResultQueue
	Stop() (downloaderErr, fetcherErr error)
	TotalBytes() int64
}

var _ Manager = (*download.Manager)(nil)

// Reader is the CloudFetchReader of spec.md §4.4.
type Reader struct {
	manager Manager
	alloc   memory.Allocator

	// fallbackSchema is presented by Schema() when no chunk has ever
	// arrived, spec.md §4.4 "or from the manifest's schema_bytes if the
	// result set is empty".
	fallbackSchema *arrow.Schema

	schema    *arrow.Schema
	current   *protocol.DownloadResult
	ipcReader *ipc.Reader

	eof    bool
	failed error
}

// New creates a Reader over manager. fallbackSchema may be nil; it is only
// consulted if the result set turns out to have zero chunks.
func New(manager Manager, fallbackSchema *arrow.Schema) *Reader {
	return &Reader{
		manager:        manager,
		alloc:          memory.NewGoAllocator(),
		fallbackSchema: fallbackSchema,
	}
}

// Schema returns the Arrow schema of the result set. It is only reliable
// once at least one batch has been read, or for an empty result set, once
// NextBatch has returned io.EOF (proving no chunk ever carried one).
func (r *Reader) Schema() *arrow.Schema {
	if r.schema != nil {
		return r.schema
	}
	return r.fallbackSchema
}

// NextBatch implements spec.md §4.4's next_batch: pull a completed stream
// from the manager, decode it record by record, and roll over to the next
// chunk transparently when one is exhausted. Returns io.EOF once the
// manager reports EndOfResults with no pipeline error.
func (r *Reader) NextBatch(ctx context.Context) (arrow.Record, error) {
	if r.failed != nil {
		return nil, r.failed
	}
	if r.eof {
		return nil, io.EOF
	}

	for {
		if r.ipcReader == nil {
			if err := r.advance(ctx); err != nil {
				return nil, err
			}
			if r.eof {
				return nil, io.EOF
			}
		}

		if r.ipcReader.Next() {
			rec := r.ipcReader.Record()
			rec.Retain()
			return rec, nil
		}
		if err := r.ipcReader.Err(); err != nil && err != io.EOF {
			r.fail(fmt.Errorf("arrowio: decoding chunk %d: %w", r.current.Descriptor.ChunkIndex, err))
			return nil, r.failed
		}
		r.releaseCurrent()
	}
}

// advance pulls the next DownloadResult off the manager's result queue,
// waits for it to complete, and opens an Arrow IPC reader over its stream.
func (r *Reader) advance(ctx context.Context) error {
	select {
	case dr, ok := <-r.manager.Next():
		if !ok {
			downloaderErr, fetcherErr := r.manager.Stop()
			if err := combine(downloaderErr, fetcherErr); err != nil {
				r.fail(err)
				return err
			}
			r.eof = true
			return nil
		}
		stream, err := dr.Wait()
		if err != nil {
			r.fail(err)
			return err
		}
		ipcR, err := ipc.NewReader(stream, ipc.WithAllocator(r.alloc))
		if err != nil {
			r.fail(fmt.Errorf("arrowio: opening chunk %d: %w", dr.Descriptor.ChunkIndex, err))
			return r.failed
		}
		r.current = dr
		r.ipcReader = ipcR
		if r.schema == nil {
			r.schema = ipcR.Schema()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseCurrent drops the exhausted IPC reader and its DownloadResult,
// returning the chunk's acquired bytes to the byte budget, spec.md §4.4
// step 3.
func (r *Reader) releaseCurrent() {
	if r.ipcReader != nil {
		r.ipcReader.Release()
		r.ipcReader = nil
	}
	if r.current != nil {
		r.current.Release()
		r.current = nil
	}
}

func (r *Reader) fail(err error) {
	if r.failed == nil {
		r.failed = err
	}
	r.releaseCurrent()
}

// Close releases any held chunk and stops the underlying manager,
// spec.md §6 "Cancellation" consumer-initiated path.
func (r *Reader) Close() error {
	r.releaseCurrent()
	downloaderErr, fetcherErr := r.manager.Stop()
	return combine(downloaderErr, fetcherErr)
}

// TotalBytes returns the underlying manager's running dispatched-byte
// total, exposed for a consumer-facing progress readout.
func (r *Reader) TotalBytes() int64 {
	return r.manager.TotalBytes()
}

// ManagerErrors exposes the downloader's and fetcher's terminal errors
// separately, for callers (the root package's Reader) that want to build
// a richer multi-error than combine's single formatted message. Safe to
// call after Close, since Manager.Stop is idempotent.
func (r *Reader) ManagerErrors() (downloaderErr, fetcherErr error) {
	return r.manager.Stop()
}

func combine(downloaderErr, fetcherErr error) error {
	switch {
	case downloaderErr == nil && fetcherErr == nil:
		return nil
	case fetcherErr == nil:
		return downloaderErr
	case downloaderErr == nil:
		return fetcherErr
	default:
		return fmt.Errorf("%w (fetcher also reported: %v)", downloaderErr, fetcherErr)
	}
}
