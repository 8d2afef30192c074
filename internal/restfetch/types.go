// Package restfetch implements the REST Statement Execution API variant of
// ResultFetcher, spec.md §4.1 "REST variant" and §6 "Server REST contract".
package restfetch

import "context"

// ExternalLink is one entry of a ResultData.ExternalLinks array, spec.md
// §6: "chunks[].external_links[] each contain external_link, expiration
// (RFC 3339), chunk_index, row_count, row_offset, byte_count, optional
// http_headers, and cursor fields next_chunk_index / next_chunk_internal_link."
type ExternalLink struct {
	ExternalLink          string            `json:"external_link"`
	Expiration            string            `json:"expiration"`
	ChunkIndex            int64             `json:"chunk_index"`
	RowCount              int64             `json:"row_count"`
	RowOffset             int64             `json:"row_offset"`
	ByteCount             int64             `json:"byte_count"`
	HTTPHeaders           map[string]string `json:"http_headers,omitempty"`
	NextChunkIndex        *int64            `json:"next_chunk_index,omitempty"`
	NextChunkInternalLink *string           `json:"next_chunk_internal_link,omitempty"`
}

// ResultData is the manifest returned either inline with the statement
// execution response or by GET .../result/chunks/{chunk_index}.
type ResultData struct {
	ExternalLinks []ExternalLink `json:"external_links"`
}

// Manifest is the subset of the statement-execution response the fetcher
// needs: whether more rows exist beyond what was returned synchronously,
// and the initial result data if any was included.
type Manifest struct {
	HasMoreRows bool
	ResultData  *ResultData
}

// Client is the external collaborator that performs the actual REST call;
// the REST transport and its authentication are out of scope for this
// pipeline (spec.md §1) — this interface is the contract the fetcher
// drives against.
type Client interface {
	// GetResultChunk fetches the ResultData for the chunk at chunkIndex
	// (or, when internalLink is non-empty, follows that cursor link
	// instead, per spec.md §6's next_chunk_internal_link).
	GetResultChunk(ctx context.Context, statementID string, chunkIndex int64, internalLink string) (*ResultData, error)
}
