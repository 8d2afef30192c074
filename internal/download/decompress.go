package download

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// bufferPool recycles the *bytes.Buffer used to hold a chunk's decompressed
// payload, spec.md §4.2 step 5 "pooled output buffer". Chunks are bounded
// by max_bytes_per_file so buffers settle at a stable size instead of
// growing unbounded.
var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// lz4ReaderPool recycles *lz4.Reader instances ("pooled decompressor"),
// grounded on the teacher's use of a package-level decompressor in
// chunk_downloader.go's decodeChunk.
var lz4ReaderPool = sync.Pool{
	New: func() any { return lz4.NewReader(nil) },
}

// decompressLZ4 fully decodes raw (an LZ4 frame) using a pooled scratch
// buffer and pooled decompressor, returning an independent reader over the
// decoded bytes. The scratch buffer is returned to the pool before
// decompressLZ4 returns, since the returned reader owns a private copy of
// the decoded bytes rather than the pooled buffer's backing array.
func decompressLZ4(raw []byte) (io.Reader, error) {
	zr := lz4ReaderPool.Get().(*lz4.Reader)
	zr.Reset(bytes.NewReader(raw))
	defer lz4ReaderPool.Put(zr)

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if _, err := io.Copy(buf, zr); err != nil {
		return nil, fmt.Errorf("download: lz4 decompress: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return bytes.NewReader(out), nil
}
