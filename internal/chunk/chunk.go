// Package chunk encodes a buffer of fixed-width elements as an independently
// decodable, checksummed chunk of compressed blocks.
//
// Layout (little endian):
//
//	0  version      u8
//	1  flags        u8   (zeros)
//	2  codec        u8
//	3  level        u8
//	4  typesize     u32
//	8  nbytes       u32
//	12 cbytes       u32  (total encoded length)
//	16 blocksize    u32
//	20 nblocks      u32
//	24 filter ids   [6]u8
//	30 filter metas [6]u8
//	36 reserved     [4]u8
//	40 checksum     u64  (xxhash64 of bytes 0..40 and the block table)
//	48 block table  nblocks x {clen u32, checksum u64}
//	   blocks       concatenated encoded blocks
package chunk

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/meigma/schunk/internal/filter"
	"github.com/meigma/schunk/internal/schunktype"
	"github.com/meigma/schunk/internal/sizing"
)

// Version is the chunk format version written by this package.
const Version = 1

// HeaderSize is the size of the fixed chunk header.
const HeaderSize = 48

// EntrySize is the size of one block table entry.
const EntrySize = 12

// MaxTypesize is the largest supported element width.
const MaxTypesize = 255

// MaxBytes is the largest uncompressed chunk.
const MaxBytes = math.MaxInt32

const flagZeros = 1 << 0

// Chunk is a parsed, header-verified view over encoded chunk bytes.
//
// A Chunk is immutable and safe for concurrent decoding.
type Chunk struct {
	data      []byte
	version   uint8
	zeros     bool
	codec     schunktype.CodecID
	level     int
	typesize  int
	nbytes    int
	blocksize int
	filters   filter.Pipeline
	blocks    []blockRef
}

type blockRef struct {
	off, len int
	sum      uint64
}

// Parse verifies the header of an encoded chunk and indexes its blocks.
// Block checksums are verified lazily on decode, or eagerly by Verify.
func Parse(data []byte) (*Chunk, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes is shorter than its header", schunktype.ErrCorruptFrame, len(data))
	}
	if data[0] != Version {
		return nil, fmt.Errorf("%w: chunk version %d", schunktype.ErrVersionMismatch, data[0])
	}
	if data[1]&^flagZeros != 0 {
		return nil, fmt.Errorf("%w: unknown chunk flags %#x", schunktype.ErrCorruptFrame, data[1])
	}

	le := binary.LittleEndian
	cbytes := int(le.Uint32(data[12:]))
	if cbytes != len(data) {
		return nil, fmt.Errorf("%w: chunk declares %d bytes, have %d", schunktype.ErrCorruptFrame, cbytes, len(data))
	}
	nblocks := int(le.Uint32(data[20:]))
	tableEnd := HeaderSize + nblocks*EntrySize
	if nblocks > len(data) || tableEnd > len(data) {
		return nil, fmt.Errorf("%w: block table of %d entries overruns chunk", schunktype.ErrCorruptFrame, nblocks)
	}
	if got, want := headerSum(data[:40], data[HeaderSize:tableEnd]), le.Uint64(data[40:]); got != want {
		return nil, fmt.Errorf("%w: chunk header", schunktype.ErrChecksumMismatch)
	}

	var ids, metas [filter.MaxStages]uint8
	copy(ids[:], data[24:30])
	copy(metas[:], data[30:36])
	pipeline, err := filter.FromArrays(ids, metas)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", schunktype.ErrCorruptFrame, err)
	}

	c := &Chunk{
		data:      data,
		version:   data[0],
		zeros:     data[1]&flagZeros != 0,
		codec:     schunktype.CodecID(data[2]),
		level:     int(data[3]),
		typesize:  int(le.Uint32(data[4:])),
		nbytes:    int(le.Uint32(data[8:])),
		blocksize: int(le.Uint32(data[16:])),
		filters:   pipeline,
		blocks:    make([]blockRef, nblocks),
	}
	if err := c.validateShape(); err != nil {
		return nil, err
	}

	off := tableEnd
	for i := range nblocks {
		e := data[HeaderSize+i*EntrySize:]
		n := int(le.Uint32(e))
		if n > len(data)-off {
			return nil, fmt.Errorf("%w: block %d overruns chunk", schunktype.ErrCorruptFrame, i)
		}
		c.blocks[i] = blockRef{off: off, len: n, sum: le.Uint64(e[4:])}
		off += n
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after last block", schunktype.ErrCorruptFrame, len(data)-off)
	}
	return c, nil
}

func (c *Chunk) validateShape() error {
	if c.typesize < 1 || c.typesize > MaxTypesize {
		return fmt.Errorf("%w: typesize %d", schunktype.ErrCorruptFrame, c.typesize)
	}
	if c.nbytes%c.typesize != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of typesize %d", schunktype.ErrCorruptFrame, c.nbytes, c.typesize)
	}
	if c.zeros {
		if len(c.blocks) != 0 {
			return fmt.Errorf("%w: zero chunk with %d blocks", schunktype.ErrCorruptFrame, len(c.blocks))
		}
		return nil
	}
	want := 0
	if c.nbytes > 0 {
		if c.blocksize <= 0 {
			return fmt.Errorf("%w: block size %d", schunktype.ErrCorruptFrame, c.blocksize)
		}
		want = sizing.CeilDiv(c.nbytes, c.blocksize)
	}
	if len(c.blocks) != want {
		return fmt.Errorf("%w: %d blocks for %d bytes of block size %d",
			schunktype.ErrCorruptFrame, len(c.blocks), c.nbytes, c.blocksize)
	}
	return nil
}

func headerSum(header, table []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(header) //nolint:errcheck // hash writes never fail
	_, _ = d.Write(table)  //nolint:errcheck // hash writes never fail
	return d.Sum64()
}

// Bytes returns the encoded chunk.
func (c *Chunk) Bytes() []byte { return c.data }

// Version returns the format version the chunk was written with.
func (c *Chunk) Version() int { return int(c.version) }

// Nbytes returns the uncompressed size.
func (c *Chunk) Nbytes() int { return c.nbytes }

// Cbytes returns the encoded size including header and block table.
func (c *Chunk) Cbytes() int { return len(c.data) }

// Typesize returns the element width in bytes.
func (c *Chunk) Typesize() int { return c.typesize }

// BlockSize returns the raw size of every block but possibly the last.
func (c *Chunk) BlockSize() int { return c.blocksize }

// NBlocks returns the number of encoded blocks.
func (c *Chunk) NBlocks() int { return len(c.blocks) }

// Codec returns the codec the chunk was compressed with.
func (c *Chunk) Codec() schunktype.CodecID { return c.codec }

// Level returns the compression level.
func (c *Chunk) Level() int { return c.level }

// Filters returns the filter pipeline.
func (c *Chunk) Filters() filter.Pipeline { return c.filters }

// Zeros reports whether the chunk is the all-zero special form.
func (c *Chunk) Zeros() bool { return c.zeros }

// Block returns the encoded bytes of block i.
func (c *Chunk) Block(i int) ([]byte, error) {
	if i < 0 || i >= len(c.blocks) {
		return nil, fmt.Errorf("%w: block %d of %d", schunktype.ErrOutOfRange, i, len(c.blocks))
	}
	b := c.blocks[i]
	return c.data[b.off : b.off+b.len], nil
}

// blockSpan returns the raw byte range covered by block i.
func (c *Chunk) blockSpan(i int) (start, end int) {
	start = i * c.blocksize
	return start, min(start+c.blocksize, c.nbytes)
}

// checkBlock verifies block i against its recorded checksum.
func (c *Chunk) checkBlock(i int) ([]byte, error) {
	b := c.blocks[i]
	data := c.data[b.off : b.off+b.len]
	if xxhash.Sum64(data) != b.sum {
		return nil, fmt.Errorf("%w: block %d", schunktype.ErrChecksumMismatch, i)
	}
	return data, nil
}

// Verify checks every block checksum without decompressing.
func (c *Chunk) Verify() error {
	for i := range c.blocks {
		if _, err := c.checkBlock(i); err != nil {
			return err
		}
	}
	return nil
}
