package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDownloadResultLifecycle(t *testing.T) {
	var released int64
	desc := &ChunkDescriptor{ChunkIndex: 0}
	dr := NewDownloadResult(desc, 128, func(n int64) { released += n })

	if dr.State() != StatePending {
		t.Fatalf("initial state = %v, want Pending", dr.State())
	}
	dr.MarkRunning()
	if dr.State() != StateRunning {
		t.Fatalf("state after MarkRunning = %v, want Running", dr.State())
	}

	stream := bytes.NewReader([]byte("payload"))
	dr.Complete(stream)
	if dr.State() != StateCompleted {
		t.Fatalf("state after Complete = %v, want Completed", dr.State())
	}

	got, err := dr.Wait()
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if got != stream {
		t.Fatal("Wait did not return the completed stream")
	}

	dr.Release()
	dr.Release() // idempotent
	if released != 128 {
		t.Fatalf("released = %d, want 128 (exactly once)", released)
	}
}

func TestDownloadResultFailIsTerminal(t *testing.T) {
	dr := NewDownloadResult(&ChunkDescriptor{}, 1, func(int64) {})
	wantErr := errors.New("boom")
	dr.Fail(wantErr)

	if dr.State() != StateFailed {
		t.Fatalf("state = %v, want Failed", dr.State())
	}
	if _, err := dr.Wait(); !errors.Is(err, wantErr) {
		t.Fatalf("Wait error = %v, want %v", err, wantErr)
	}

	// Completing a Failed result must be a no-op: terminal states never
	// transition, spec.md §4.2 "State machine".
	dr.Complete(bytes.NewReader(nil))
	if dr.State() != StateFailed {
		t.Fatal("Complete transitioned a terminal Failed state")
	}
}

func TestDownloadResultRefreshAttempts(t *testing.T) {
	dr := NewDownloadResult(&ChunkDescriptor{}, 0, func(int64) {})
	if dr.RefreshAttempts() != 0 {
		t.Fatal("expected zero refresh attempts initially")
	}
	if got := dr.IncrementRefreshAttempts(); got != 1 {
		t.Fatalf("IncrementRefreshAttempts = %d, want 1", got)
	}
	if dr.RefreshAttempts() != 1 {
		t.Fatal("RefreshAttempts did not reflect the increment")
	}
}
