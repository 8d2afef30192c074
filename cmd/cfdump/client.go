package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/databricks/databricks-sql-go/internal/restfetch"
)

// restClient is a minimal, real implementation of restfetch.Client against
// the Statement Execution API's result-chunk endpoint, spec.md §6 "Server
// REST contract". Authentication is out of scope for this pipeline
// (spec.md §1); bearerToken is attached verbatim as a header, the way the
// teacher's cmd/ examples take credentials from flags/environment rather
// than implementing an OAuth flow themselves.
type restClient struct {
	httpClient  *http.Client
	baseURL     string
	bearerToken string
}

func newRESTClient(baseURL, bearerToken string) *restClient {
	return &restClient{httpClient: http.DefaultClient, baseURL: baseURL, bearerToken: bearerToken}
}

type chunkResponse struct {
	ExternalLinks []restfetch.ExternalLink `json:"external_links"`
}

func (c *restClient) GetResultChunk(ctx context.Context, statementID string, chunkIndex int64, internalLink string) (*restfetch.ResultData, error) {
	url := internalLink
	if url == "" {
		url = fmt.Sprintf("%s/api/2.0/sql/statements/%s/result/chunks/%d", c.baseURL, statementID, chunkIndex)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cfdump: GET %s: unexpected status %d", url, resp.StatusCode)
	}
	var cr chunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("cfdump: decoding chunk response: %w", err)
	}
	return &restfetch.ResultData{ExternalLinks: cr.ExternalLinks}, nil
}

type statementResponse struct {
	Manifest struct {
		TotalChunkCount int  `json:"total_chunk_count"`
	} `json:"manifest"`
	Result struct {
		ExternalLinks []restfetch.ExternalLink `json:"external_links"`
	} `json:"result"`
}

// fetchStatement retrieves the synchronous statement-execution response
// that seeds the initial manifest, spec.md §4.1 "Initial results
// optimization".
func (c *restClient) fetchStatement(ctx context.Context, statementID string) (restfetch.Manifest, error) {
	url := fmt.Sprintf("%s/api/2.0/sql/statements/%s", c.baseURL, statementID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return restfetch.Manifest{}, err
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return restfetch.Manifest{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return restfetch.Manifest{}, fmt.Errorf("cfdump: GET %s: unexpected status %d", url, resp.StatusCode)
	}
	var sr statementResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return restfetch.Manifest{}, fmt.Errorf("cfdump: decoding statement response: %w", err)
	}
	return restfetch.Manifest{
		HasMoreRows: sr.Manifest.TotalChunkCount > 1,
		ResultData:  &restfetch.ResultData{ExternalLinks: sr.Result.ExternalLinks},
	}, nil
}
