package protocol

import "testing"

func TestOffsetCacheNextIndexMonotonic(t *testing.T) {
	c := NewOffsetCache()
	for want := 0; want < 5; want++ {
		if got := c.NextIndex(); got != want {
			t.Fatalf("NextIndex() = %d, want %d", got, want)
		}
	}
}

func TestOffsetCachePutGet(t *testing.T) {
	c := NewOffsetCache()
	d := &ChunkDescriptor{StartRowOffset: 100, URL: "u1"}
	c.Put(d)

	got, ok := c.Get(100)
	if !ok {
		t.Fatal("expected cached descriptor at offset 100")
	}
	if got != d {
		t.Fatal("Get returned a different descriptor than was Put")
	}

	if _, ok := c.Get(999); ok {
		t.Fatal("expected no descriptor at an unused offset")
	}
}

func TestOffsetCachePutReplaces(t *testing.T) {
	c := NewOffsetCache()
	c.Put(&ChunkDescriptor{StartRowOffset: 5, URL: "first"})
	c.Put(&ChunkDescriptor{StartRowOffset: 5, URL: "second"})

	got, _ := c.Get(5)
	if got.URL != "second" {
		t.Fatalf("URL = %q, want %q", got.URL, "second")
	}
}
