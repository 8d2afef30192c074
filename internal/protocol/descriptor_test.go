package protocol

import (
	"testing"
	"time"
)

func TestChunkDescriptorExpiresWithin(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	d := &ChunkDescriptor{ExpiryTime: now.Add(30 * time.Second)}

	if !d.ExpiresWithin(now, 60*time.Second) {
		t.Fatal("expiry within buffer should report true")
	}
	if d.ExpiresWithin(now, 10*time.Second) {
		t.Fatal("expiry beyond buffer should report false")
	}
}

func TestChunkDescriptorRefreshIsAtomic(t *testing.T) {
	d := &ChunkDescriptor{URL: "old", ExpiryTime: time.Unix(0, 0)}
	newExpiry := time.Unix(0, 0).Add(time.Hour)
	d.Refresh(ChunkReplacement{URL: "new", ExpiryTime: newExpiry, HTTPHeaders: map[string]string{"a": "b"}})

	snap := d.Snapshot()
	if snap.URL != "new" {
		t.Fatalf("URL = %q, want %q", snap.URL, "new")
	}
	if !snap.ExpiryTime.Equal(newExpiry) {
		t.Fatalf("ExpiryTime = %v, want %v", snap.ExpiryTime, newExpiry)
	}
	if snap.HTTPHeaders["a"] != "b" {
		t.Fatal("headers not carried over by Refresh")
	}
}
