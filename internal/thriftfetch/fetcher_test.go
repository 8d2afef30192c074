package thriftfetch

import (
	"context"
	"testing"
	"time"

	"github.com/databricks/databricks-sql-go/internal/protocol"
)

type fakeClient struct {
	pages map[int64]*FetchResultsResponse // keyed by requested startRowOffset
	calls []int64
}

func (f *fakeClient) FetchResults(ctx context.Context, orientation FetchOrientation, batchSize int64, startRowOffset int64) (*FetchResultsResponse, error) {
	f.calls = append(f.calls, startRowOffset)
	if resp, ok := f.pages[startRowOffset]; ok {
		return resp, nil
	}
	return &FetchResultsResponse{}, nil
}

func TestThriftFetcherEmitsInitialBatchWithoutRPC(t *testing.T) {
	client := &fakeClient{pages: map[int64]*FetchResultsResponse{}}
	queue := make(protocol.DownloadQueue, 4)
	initial := InitialBatch{
		Links: []ResultLink{
			{StartRowOffset: 0, RowCount: 10, FileLink: "u0", ExpiryTimeMs: time.Now().Add(time.Hour).UnixMilli()},
		},
		HasMoreRows: false,
	}
	f := New(client, 100, time.Minute, initial, queue)

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d, ok := <-queue
	if !ok || d.URL != "u0" {
		t.Fatalf("expected initial descriptor u0, got %+v ok=%v", d, ok)
	}
	if _, ok := <-queue; ok {
		t.Fatal("expected queue closed after initial batch with HasMoreRows=false")
	}
	if len(client.calls) != 0 {
		t.Fatalf("expected zero RPC calls, got %d", len(client.calls))
	}
}

func TestThriftFetcherFetchesNextPageUntilDone(t *testing.T) {
	client := &fakeClient{pages: map[int64]*FetchResultsResponse{
		5: {
			ResultLinks: []ResultLink{
				{StartRowOffset: 5, RowCount: 5, FileLink: "u1", ExpiryTimeMs: time.Now().Add(time.Hour).UnixMilli()},
			},
			HasMoreRows: false,
		},
	}}
	queue := make(protocol.DownloadQueue, 4)
	initial := InitialBatch{
		Links: []ResultLink{
			{StartRowOffset: 0, RowCount: 5, FileLink: "u0", ExpiryTimeMs: time.Now().Add(time.Hour).UnixMilli()},
		},
		HasMoreRows: true,
		EndOffset:   5,
	}
	f := New(client, 5, time.Minute, initial, queue)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var urls []string
	for d := range queue {
		urls = append(urls, d.URL)
	}
	if len(urls) != 2 || urls[0] != "u0" || urls[1] != "u1" {
		t.Fatalf("got %v, want [u0 u1]", urls)
	}
	if !f.IsCompleted() {
		t.Fatal("expected fetcher completed")
	}
	if f.Err() != nil {
		t.Fatalf("unexpected error: %v", f.Err())
	}
}

func TestThriftFetcherRefreshAnchorsAtOffset(t *testing.T) {
	client := &fakeClient{pages: map[int64]*FetchResultsResponse{
		0: {ResultLinks: []ResultLink{
			{StartRowOffset: 0, RowCount: 1, FileLink: "fresh", ExpiryTimeMs: time.Now().Add(time.Hour).UnixMilli()},
		}},
	}}
	queue := make(protocol.DownloadQueue, 4)
	initial := InitialBatch{
		Links: []ResultLink{
			{StartRowOffset: 0, RowCount: 1, FileLink: "stale", ExpiryTimeMs: time.Now().Add(-time.Second).UnixMilli()},
		},
	}
	f := New(client, 1, time.Minute, initial, queue)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d := <-queue

	reps, err := f.Refresh(context.Background(), 0)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(reps) != 1 || reps[0].Snapshot().URL != "fresh" {
		t.Fatalf("Refresh result = %+v", reps)
	}
	if d.Snapshot().URL != "fresh" {
		t.Fatal("Refresh did not update the cached descriptor in place")
	}
}

func TestThriftFetcherRefreshErrorsWithoutReplacement(t *testing.T) {
	client := &fakeClient{pages: map[int64]*FetchResultsResponse{}}
	queue := make(protocol.DownloadQueue, 4)
	f := New(client, 1, time.Minute, InitialBatch{}, queue)
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-queue // drain EndOfResults close

	if _, err := f.Refresh(context.Background(), 42); err == nil {
		t.Fatal("expected an error when the server returns no replacement")
	}
}
