package cloudfetch

import (
	"errors"
	"fmt"
)

// Error codes for DriverError, grouped by the error kinds in spec.md §7.
const (
	ErrCodeDownloadFailed    = 100001 // retry/refresh budget exhausted for a chunk
	ErrCodeServerFetchFailed = 100002 // fetcher RPC/REST call failed
	ErrCodeDecompression     = 100003 // LZ4 decompression failed
	ErrCodeInvalidState      = 100004 // Reader used after Close, or pipeline failed to start
)

// DriverError is the error type surfaced to the consumer for every
// terminal pipeline failure. ExpiredURL and TransientDownload are
// recovered internally and never become a DriverError unless their
// retry budgets are exhausted, at which point they escalate to
// ErrCodeDownloadFailed.
type DriverError struct {
	Number  int
	Message string
	Cause   error
}

func (e *DriverError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cloudfetch %06d: %s: %v", e.Number, e.Message, e.Cause)
	}
	return fmt.Sprintf("cloudfetch %06d: %s", e.Number, e.Message)
}

func (e *DriverError) Unwrap() error {
	return e.Cause
}

func newDriverError(number int, message string, cause error) *DriverError {
	return &DriverError{Number: number, Message: message, Cause: cause}
}

// ErrInvalidState reports Reader.NextBatch called after Close, or a
// failure to start the pipeline in Open. Starting a Manager or fetcher a
// second time is a no-op and does not produce this error, and
// download.Manager itself does not check for use after Stop.
func ErrInvalidState(message string) error {
	return newDriverError(ErrCodeInvalidState, message, nil)
}

// ErrDownloadFailed wraps the exhausted per-chunk retry/refresh error.
func ErrDownloadFailed(chunkIndex int, cause error) error {
	return newDriverError(ErrCodeDownloadFailed, fmt.Sprintf("chunk %d: retry budget exhausted", chunkIndex), cause)
}

// ErrServerFetchFailed wraps a terminal fetcher RPC/REST error.
func ErrServerFetchFailed(cause error) error {
	return newDriverError(ErrCodeServerFetchFailed, "fetching result chunk descriptors", cause)
}

// ErrDecompression wraps an LZ4 decode failure for a chunk.
func ErrDecompression(chunkIndex int, cause error) error {
	return newDriverError(ErrCodeDecompression, fmt.Sprintf("chunk %d: decompressing LZ4 payload", chunkIndex), cause)
}

// aggregateError pairs a fetcher error with a downloader error so the
// consumer can inspect either root cause via errors.Is/As when both
// pipeline stages failed, per spec.md §7 "delivered together". This is
// the boundary-facing counterpart of arrowio's internal combine(): that
// one formats a single message for the internal error plumbing, this one
// preserves both errors as a proper multi-error for the public API.
type aggregateError struct {
	downloaderErr error
	fetcherErr    error
}

func (e *aggregateError) Error() string {
	switch {
	case e.downloaderErr != nil && e.fetcherErr != nil:
		return fmt.Sprintf("%v (fetcher also reported: %v)", e.downloaderErr, e.fetcherErr)
	case e.downloaderErr != nil:
		return e.downloaderErr.Error()
	case e.fetcherErr != nil:
		return e.fetcherErr.Error()
	default:
		return "unknown cloudfetch error"
	}
}

func (e *aggregateError) Unwrap() []error {
	var errs []error
	if e.downloaderErr != nil {
		errs = append(errs, e.downloaderErr)
	}
	if e.fetcherErr != nil {
		errs = append(errs, e.fetcherErr)
	}
	return errs
}

// aggregate combines a downloader error and a fetcher error, per
// spec.md §4.3. Returns nil if both are nil, the single error if only
// one is set, otherwise an *aggregateError exposing both via errors.Is/As.
func aggregate(downloaderErr, fetcherErr error) error {
	if downloaderErr == nil && fetcherErr == nil {
		return nil
	}
	if downloaderErr != nil && fetcherErr == nil {
		return downloaderErr
	}
	if downloaderErr == nil && fetcherErr != nil {
		return fetcherErr
	}
	return &aggregateError{downloaderErr: downloaderErr, fetcherErr: fetcherErr}
}

func translateAggregate(downloaderErr, fetcherErr error) error {
	err := aggregate(downloaderErr, fetcherErr)
	if err == nil {
		return nil
	}
	return translatePipelineError(err)
}

var errNilFetcher = errors.New("cloudfetch: fetcher must not be nil")
