// Package thriftfetch implements the Thrift FetchResults RPC variant of
// ResultFetcher, spec.md §4.1 "Thrift variant" and §6 "Server RPC contract".
package thriftfetch

import "context"

// FetchOrientation mirrors the Thrift TFetchOrientation enum; only
// FETCH_NEXT is used by this pipeline.
type FetchOrientation int

// FetchNext requests the next batch of rows relative to the server's
// cursor, spec.md §6.
const FetchNext FetchOrientation = 0

// ResultLink mirrors a single TSparkArrowResultLink row, spec.md §6:
// "start_row_offset, row_count, file_link, expiry_time_ms (Unix epoch
// ms), and optional http_headers."
type ResultLink struct {
	StartRowOffset int64
	RowCount       int64
	FileLink       string
	ExpiryTimeMs   int64
	HTTPHeaders    map[string]string
}

// FetchResultsResponse is the subset of the Thrift response this fetcher
// consumes.
type FetchResultsResponse struct {
	ResultLinks []ResultLink
	HasMoreRows bool
}

// Client is the external collaborator issuing the Thrift RPC; the Thrift
// transport itself is out of scope for this pipeline (spec.md §1).
type Client interface {
	// FetchResults issues FetchResults(handle, orientation, batchSize,
	// startRowOffset). startRowOffset is always sent explicitly, even
	// when 0, because the server interprets an unset field differently
	// from an explicit zero (spec.md §4.1).
	FetchResults(ctx context.Context, orientation FetchOrientation, batchSize int64, startRowOffset int64) (*FetchResultsResponse, error)
}
