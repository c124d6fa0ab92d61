// Package schunk stores typed binary data as a super-chunk: an ordered
// sequence of independently compressed chunks with fast random access.
//
// Each chunk is split into blocks. Blocks run through a filter pipeline
// (byte shuffle, bit shuffle, delta, precision truncation) and a codec
// (LZ4, LZ4HC, Snappy, Zlib, Zstd, S2) on a pool of worker goroutines.
// Chunks carry their own parameters and checksums, so they stay decodable
// after the defaults of their super-chunk change.
//
// # Quick Start
//
// Create an in-memory super-chunk of int32 values and read one back:
//
//	cp := schunk.DefaultCParams()
//	cp.Typesize = 4
//	sc, err := schunk.New(schunk.Storage{CParams: cp})
//	if err != nil {
//	    return err
//	}
//	defer sc.Close()
//	if _, err := sc.Append(buf); err != nil {
//	    return err
//	}
//	out := make([]byte, len(buf))
//	n, err := sc.DecompressChunk(0, out)
//
// # Persistence
//
// A non-empty Storage.Path keeps the super-chunk in a frame on disk, either
// a single contiguous file or a sharded directory with one file per chunk.
// Every mutation is durable when it returns. Reopen a frame with Open:
//
//	sc, err := schunk.Open("data.b2frame")
//
// Frame returns the contiguous image of any super-chunk as a byte slice and
// OpenFrame loads one back into memory.
//
// # Metadata
//
// Metalayers are named slots whose capacity is fixed when they are added;
// they must be added before the first chunk. Usermeta is a single blob that
// can be replaced at any time.
//
// # Engines
//
// Codecs and worker pools live in an Engine. By default every super-chunk
// shares the process-wide engine returned by Init; Destroy releases it.
// WithEngine selects a private engine instead.
package schunk
