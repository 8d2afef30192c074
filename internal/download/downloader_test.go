package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/databricks/databricks-sql-go/internal/cfconfig"
	"github.com/databricks/databricks-sql-go/internal/protocol"
)

type fakeFetcher struct {
	mu           sync.Mutex
	replacements map[int64][]*protocol.ChunkDescriptor
	refreshCalls int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{replacements: make(map[int64][]*protocol.ChunkDescriptor)}
}

func (f *fakeFetcher) Start(ctx context.Context) error { return nil }

func (f *fakeFetcher) Refresh(ctx context.Context, startRowOffset int64) ([]*protocol.ChunkDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	reps, ok := f.replacements[startRowOffset]
	if !ok {
		return nil, fmt.Errorf("fakeFetcher: no replacement registered for offset %d", startRowOffset)
	}
	return reps, nil
}

func (f *fakeFetcher) HasMoreResults() bool { return false }
func (f *fakeFetcher) IsCompleted() bool    { return true }
func (f *fakeFetcher) Err() error           { return nil }

type cannedResponse struct {
	status int
	body   []byte
	err    error
	delay  time.Duration // simulates network latency, to force real completion reordering
}

type fakeHTTPClient struct {
	mu        sync.Mutex
	responses map[string][]cannedResponse
}

func newFakeHTTPClient() *fakeHTTPClient {
	return &fakeHTTPClient{responses: make(map[string][]cannedResponse)}
}

func (c *fakeHTTPClient) enqueue(url string, r cannedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[url] = append(c.responses[url], r)
}

func (c *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	url := req.URL.String()
	q := c.responses[url]
	if len(q) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("fakeHTTPClient: no canned response left for %s", url)
	}
	r := q[0]
	c.responses[url] = q[1:]
	c.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{StatusCode: r.status, Body: io.NopCloser(bytes.NewReader(r.body))}, nil
}

func testOpts(httpClient HTTPClient, fetcher *fakeFetcher, clock cfconfig.Clock) Options {
	return Options{
		HTTPClient:            httpClient,
		Clock:                 clock,
		CanDecompressLZ4:      false,
		MaxRetries:            3,
		MaxURLRefreshAttempts: 3,
		RetryDelay:            time.Millisecond,
		URLExpirationBuffer:   60 * time.Second,
	}
}

func runDownloader(t *testing.T, d *Downloader, downloadQueue protocol.DownloadQueue, descs []*protocol.ChunkDescriptor) ([]*protocol.DownloadResult, error) {
	t.Helper()
	go func() {
		for _, desc := range descs {
			downloadQueue <- desc
		}
		close(downloadQueue)
	}()

	var results []*protocol.DownloadResult
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	for dr := range d.ResultQueue() {
		results = append(results, dr)
	}
	return results, <-done
}

func TestDownloaderHappyPath(t *testing.T) {
	fetcher := newFakeFetcher()
	httpClient := newFakeHTTPClient()
	httpClient.enqueue("https://store/u0", cannedResponse{status: 200, body: []byte("payload")})

	byteBudget := cfconfig.NewByteBudget(1024)
	prefetch := cfconfig.NewPrefetchSemaphore(2)
	downloadQueue := make(protocol.DownloadQueue, 4)
	d := NewDownloader(fetcher, downloadQueue, byteBudget, prefetch, testOpts(httpClient, fetcher, cfconfig.FixedClock{At: time.Now()}))

	desc := &protocol.ChunkDescriptor{ChunkIndex: 0, URL: "https://store/u0", ByteCount: 7, ExpiryTime: time.Now().Add(time.Hour)}
	results, err := runDownloader(t, d, downloadQueue, []*protocol.ChunkDescriptor{desc})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	stream, waitErr := results[0].Wait()
	if waitErr != nil {
		t.Fatalf("Wait: %v", waitErr)
	}
	body, _ := io.ReadAll(stream)
	if string(body) != "payload" {
		t.Fatalf("body = %q, want %q", body, "payload")
	}
	results[0].Release()
	if !byteBudget.Available() {
		t.Fatal("expected byte budget fully released")
	}
	if !prefetch.Available() {
		t.Fatal("expected prefetch slot fully released")
	}
}

func TestDownloaderRefreshesExpiringURLBeforeFetch(t *testing.T) {
	fetcher := newFakeFetcher()
	replacement := &protocol.ChunkDescriptor{ChunkIndex: 0, StartRowOffset: 0, URL: "https://store/fresh", ExpiryTime: time.Now().Add(time.Hour)}
	fetcher.replacements[0] = []*protocol.ChunkDescriptor{replacement}

	httpClient := newFakeHTTPClient()
	httpClient.enqueue("https://store/fresh", cannedResponse{status: 200, body: []byte("ok")})

	byteBudget := cfconfig.NewByteBudget(1024)
	prefetch := cfconfig.NewPrefetchSemaphore(2)
	downloadQueue := make(protocol.DownloadQueue, 4)
	d := NewDownloader(fetcher, downloadQueue, byteBudget, prefetch, testOpts(httpClient, fetcher, cfconfig.FixedClock{At: time.Now()}))

	desc := &protocol.ChunkDescriptor{ChunkIndex: 0, StartRowOffset: 0, URL: "https://store/stale", ByteCount: 2, ExpiryTime: time.Now().Add(-time.Second)}
	results, err := runDownloader(t, d, downloadQueue, []*protocol.ChunkDescriptor{desc})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if _, waitErr := results[0].Wait(); waitErr != nil {
		t.Fatalf("Wait: %v", waitErr)
	}
	if fetcher.refreshCalls != 1 {
		t.Fatalf("refreshCalls = %d, want 1", fetcher.refreshCalls)
	}
}

func TestDownloader403TriggersRefreshNotGenericRetry(t *testing.T) {
	fetcher := newFakeFetcher()
	replacement := &protocol.ChunkDescriptor{ChunkIndex: 0, StartRowOffset: 0, URL: "https://store/fresh", ExpiryTime: time.Now().Add(time.Hour)}
	fetcher.replacements[0] = []*protocol.ChunkDescriptor{replacement}

	httpClient := newFakeHTTPClient()
	httpClient.enqueue("https://store/stale", cannedResponse{status: http.StatusForbidden})
	httpClient.enqueue("https://store/fresh", cannedResponse{status: 200, body: []byte("ok")})

	byteBudget := cfconfig.NewByteBudget(1024)
	prefetch := cfconfig.NewPrefetchSemaphore(2)
	downloadQueue := make(protocol.DownloadQueue, 4)
	d := NewDownloader(fetcher, downloadQueue, byteBudget, prefetch, testOpts(httpClient, fetcher, cfconfig.FixedClock{At: time.Now()}))

	desc := &protocol.ChunkDescriptor{ChunkIndex: 0, StartRowOffset: 0, URL: "https://store/stale", ByteCount: 2, ExpiryTime: time.Now().Add(time.Hour)}
	results, err := runDownloader(t, d, downloadQueue, []*protocol.ChunkDescriptor{desc})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if _, waitErr := results[0].Wait(); waitErr != nil {
		t.Fatalf("Wait: %v", waitErr)
	}
	if results[0].RefreshAttempts() != 1 {
		t.Fatalf("RefreshAttempts = %d, want 1", results[0].RefreshAttempts())
	}
}

func TestDownloaderExhaustedURLRefreshFails(t *testing.T) {
	fetcher := newFakeFetcher()
	// Every refresh call returns the same URL, which keeps returning 403.
	fetcher.replacements[0] = []*protocol.ChunkDescriptor{
		{ChunkIndex: 0, StartRowOffset: 0, URL: "https://store/still-bad", ExpiryTime: time.Now().Add(time.Hour)},
	}

	httpClient := newFakeHTTPClient()
	for i := 0; i < 5; i++ {
		httpClient.enqueue("https://store/stale", cannedResponse{status: http.StatusForbidden})
		httpClient.enqueue("https://store/still-bad", cannedResponse{status: http.StatusForbidden})
	}

	byteBudget := cfconfig.NewByteBudget(1024)
	prefetch := cfconfig.NewPrefetchSemaphore(2)
	downloadQueue := make(protocol.DownloadQueue, 4)
	opts := testOpts(httpClient, fetcher, cfconfig.FixedClock{At: time.Now()})
	opts.MaxURLRefreshAttempts = 3
	d := NewDownloader(fetcher, downloadQueue, byteBudget, prefetch, opts)

	desc := &protocol.ChunkDescriptor{ChunkIndex: 0, StartRowOffset: 0, URL: "https://store/stale", ByteCount: 2, ExpiryTime: time.Now().Add(time.Hour)}
	results, err := runDownloader(t, d, downloadQueue, []*protocol.ChunkDescriptor{desc})
	if err == nil {
		t.Fatal("expected Run to return the failed chunk's error")
	}
	_, waitErr := results[0].Wait()
	if waitErr == nil {
		t.Fatal("expected the chunk to fail")
	}
	var dlErr *Error
	if !asDownloadError(waitErr, &dlErr) {
		t.Fatalf("error = %v, want *download.Error", waitErr)
	}
	if dlErr.Kind != KindExhausted {
		t.Fatalf("Kind = %v, want KindExhausted", dlErr.Kind)
	}

	results[0].Release()
	if !byteBudget.Available() {
		t.Fatal("expected byte budget released even on failure")
	}
	if !prefetch.Available() {
		t.Fatal("expected prefetch slot released even on failure")
	}
}

func TestDownloaderPreservesOrderAcrossOutOfOrderCompletion(t *testing.T) {
	fetcher := newFakeFetcher()
	httpClient := newFakeHTTPClient()
	// D2 completes first, then D0, then D1, by giving the earlier-dispatched
	// chunks longer simulated network latency than the later one.
	httpClient.enqueue("https://store/u0", cannedResponse{status: 200, body: []byte("r0"), delay: 30 * time.Millisecond})
	httpClient.enqueue("https://store/u1", cannedResponse{status: 200, body: []byte("r1"), delay: 45 * time.Millisecond})
	httpClient.enqueue("https://store/u2", cannedResponse{status: 200, body: []byte("r2")})

	byteBudget := cfconfig.NewByteBudget(1 << 20)
	prefetch := cfconfig.NewPrefetchSemaphore(3)
	downloadQueue := make(protocol.DownloadQueue, 4)
	d := NewDownloader(fetcher, downloadQueue, byteBudget, prefetch, testOpts(httpClient, fetcher, cfconfig.FixedClock{At: time.Now()}))

	descs := []*protocol.ChunkDescriptor{
		{ChunkIndex: 0, URL: "https://store/u0", ByteCount: 2, ExpiryTime: time.Now().Add(time.Hour)},
		{ChunkIndex: 1, URL: "https://store/u1", ByteCount: 2, ExpiryTime: time.Now().Add(time.Hour)},
		{ChunkIndex: 2, URL: "https://store/u2", ByteCount: 2, ExpiryTime: time.Now().Add(time.Hour)},
	}
	results, err := runDownloader(t, d, downloadQueue, descs)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, dr := range results {
		if dr.Descriptor.ChunkIndex != i {
			t.Fatalf("results[%d].ChunkIndex = %d, want %d (publish order must equal dispatch order)", i, dr.Descriptor.ChunkIndex, i)
		}
	}
}

// asDownloadError is a small errors.As helper kept local to the test file
// to avoid importing "errors" just for one call site per test.
func asDownloadError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
