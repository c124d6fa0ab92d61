package codec

import (
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/meigma/schunk/internal/schunktype"
)

// lz4Codec compresses with the fast LZ4 block format. Level only affects
// whether a block is attempted; LZ4 has a single fast mode.
type lz4Codec struct {
	pool sync.Pool
}

func newLZ4Codec() *lz4Codec {
	return &lz4Codec{pool: sync.Pool{New: func() any { return new(lz4.Compressor) }}}
}

func (c *lz4Codec) ID() ID { return schunktype.CodecLZ4 }

func (c *lz4Codec) Compress(dst, src []byte, level int) ([]byte, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	comp, ok := c.pool.Get().(*lz4.Compressor)
	if !ok {
		comp = new(lz4.Compressor)
	}
	defer c.pool.Put(comp)

	dst = grow(dst, lz4.CompressBlockBound(len(src)))
	n, err := comp.CompressBlock(src, dst)
	if err != nil {
		return nil, decodeFailure(c.ID(), err)
	}
	if n == 0 || n >= len(src) {
		return nil, ErrIncompressible
	}
	return dst[:n], nil
}

func (c *lz4Codec) Decompress(dst, src []byte) error {
	return lz4Decompress(c.ID(), dst, src)
}

// hcLevels maps levels 1..9 onto the LZ4 high-compression search depths.
var hcLevels = [...]lz4.CompressionLevel{
	lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
	lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// lz4HCCodec writes the same block format as lz4Codec with a slower,
// denser match finder.
type lz4HCCodec struct {
	pool sync.Pool
}

func newLZ4HCCodec() *lz4HCCodec {
	return &lz4HCCodec{pool: sync.Pool{New: func() any { return new(lz4.CompressorHC) }}}
}

func (c *lz4HCCodec) ID() ID { return schunktype.CodecLZ4HC }

func (c *lz4HCCodec) Compress(dst, src []byte, level int) ([]byte, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	comp, ok := c.pool.Get().(*lz4.CompressorHC)
	if !ok {
		comp = new(lz4.CompressorHC)
	}
	defer c.pool.Put(comp)
	comp.Level = hcLevels[level-1]

	dst = grow(dst, lz4.CompressBlockBound(len(src)))
	n, err := comp.CompressBlock(src, dst)
	if err != nil {
		return nil, decodeFailure(c.ID(), err)
	}
	if n == 0 || n >= len(src) {
		return nil, ErrIncompressible
	}
	return dst[:n], nil
}

func (c *lz4HCCodec) Decompress(dst, src []byte) error {
	return lz4Decompress(c.ID(), dst, src)
}

func lz4Decompress(id ID, dst, src []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return decodeFailure(id, err)
	}
	if n != len(dst) {
		return sizeMismatch(id, n, len(dst))
	}
	return nil
}
