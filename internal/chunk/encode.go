package chunk

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/meigma/schunk/internal/batch"
	"github.com/meigma/schunk/internal/block"
	"github.com/meigma/schunk/internal/codec"
	"github.com/meigma/schunk/internal/filter"
	"github.com/meigma/schunk/internal/schunktype"
	"github.com/meigma/schunk/internal/sizing"
)

// Params controls how a chunk is encoded.
type Params struct {
	Registry  *codec.Registry
	Codec     schunktype.CodecID
	Level     int
	Typesize  int
	Filters   filter.Pipeline
	BlockSize int // 0 = automatic
}

// Validate checks the parameters independently of any input.
func (p Params) Validate() error {
	if p.Typesize < 1 || p.Typesize > MaxTypesize {
		return fmt.Errorf("%w: typesize %d not in [1, %d]", schunktype.ErrConfiguration, p.Typesize, MaxTypesize)
	}
	if p.Level < 0 || p.Level > codec.MaxLevel {
		return fmt.Errorf("%w: compression level %d not in [0, %d]", schunktype.ErrConfiguration, p.Level, codec.MaxLevel)
	}
	if p.BlockSize < 0 || p.BlockSize > block.MaxSize {
		return fmt.Errorf("%w: block size %d not in [0, %d]", schunktype.ErrConfiguration, p.BlockSize, block.MaxSize)
	}
	if p.BlockSize != 0 && p.BlockSize < p.Typesize {
		return fmt.Errorf("%w: block size %d smaller than typesize %d", schunktype.ErrConfiguration, p.BlockSize, p.Typesize)
	}
	if p.Registry == nil {
		return fmt.Errorf("%w: no codec registry", schunktype.ErrConfiguration)
	}
	if _, err := p.Registry.Lookup(p.Codec); err != nil {
		return err
	}
	return p.Filters.Validate(p.Typesize)
}

func (p Params) blockConfig() block.Config {
	return block.Config{
		Registry: p.Registry,
		Codec:    p.Codec,
		Level:    p.Level,
		Typesize: p.Typesize,
		Filters:  p.Filters,
	}
}

var scratchPool = sync.Pool{New: func() any { return new(block.Scratch) }}

func getScratch() *block.Scratch {
	s, ok := scratchPool.Get().(*block.Scratch)
	if !ok {
		return new(block.Scratch)
	}
	return s
}

// Encode compresses src into a new chunk. Blocks are compressed on pool;
// a nil pool compresses serially.
func Encode(src []byte, p Params, pool *batch.Pool) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := checkSource(len(src), p.Typesize); err != nil {
		return nil, err
	}

	align := p.Typesize
	if p.Level > 0 {
		align = p.Filters.Alignment(p.Typesize)
	}
	bs, err := block.Size(p.BlockSize, p.Level, p.Codec, align, len(src))
	if err != nil {
		return nil, err
	}
	nblocks := 0
	if bs > 0 {
		nblocks = sizing.CeilDiv(len(src), bs)
	}

	cfg := p.blockConfig()
	var ref, first []byte
	if p.Level > 0 && p.Filters.HasDelta() && nblocks > 1 {
		ref = src[:bs]
		if p.Filters.Lossy() {
			// Decoders XOR against the reconstructed block 0, not the input.
			if first, ref, err = encodeReference(src[:bs], cfg); err != nil {
				return nil, err
			}
		}
	}
	blocks, err := batch.Map(pool, nblocks, func(i int) ([]byte, error) {
		if i == 0 && first != nil {
			return first, nil
		}
		s := getScratch()
		defer scratchPool.Put(s)
		start := i * bs
		end := min(start+bs, len(src))
		r := ref
		if i == 0 {
			r = nil
		}
		return block.Encode(src[start:end], r, cfg, s)
	})
	if err != nil {
		return nil, err
	}
	return assemble(0, p, len(src), bs, blocks)
}

// encodeReference encodes block 0 and returns it with the bytes a decoder
// will restore from it.
func encodeReference(src []byte, cfg block.Config) (enc, ref []byte, err error) {
	s := getScratch()
	defer scratchPool.Put(s)
	if enc, err = block.Encode(src, nil, cfg, s); err != nil {
		return nil, nil, fmt.Errorf("block 0: %w", err)
	}
	ref = make([]byte, len(src))
	if err := block.Decode(ref, enc, nil, cfg, s); err != nil {
		return nil, nil, fmt.Errorf("block 0: %w", err)
	}
	return enc, ref, nil
}

// Zeros returns the special chunk representing nbytes of zeros. It carries
// no block payloads.
func Zeros(nbytes int, p Params) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := checkSource(nbytes, p.Typesize); err != nil {
		return nil, err
	}
	return assemble(flagZeros, p, nbytes, 0, nil)
}

func checkSource(n, typesize int) error {
	if n > MaxBytes {
		return fmt.Errorf("%w: chunk of %d bytes exceeds %d", schunktype.ErrConfiguration, n, MaxBytes)
	}
	if n%typesize != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of typesize %d", schunktype.ErrConfiguration, n, typesize)
	}
	return nil
}

func assemble(flags byte, p Params, nbytes, bs int, blocks [][]byte) ([]byte, error) {
	total := HeaderSize + len(blocks)*EntrySize
	for _, b := range blocks {
		total += len(b)
	}
	cbytes, err := sizing.ToUint32(total, schunktype.ErrSizeOverflow)
	if err != nil {
		return nil, fmt.Errorf("chunk: encoded size %d: %w", total, err)
	}

	out := make([]byte, total)
	le := binary.LittleEndian
	out[0] = Version
	out[1] = flags
	out[2] = byte(p.Codec)
	out[3] = byte(p.Level)                      //nolint:gosec // validated to [0, 9]
	le.PutUint32(out[4:], uint32(p.Typesize))   //nolint:gosec // validated to [1, 255]
	le.PutUint32(out[8:], uint32(nbytes))       //nolint:gosec // bounded by MaxBytes
	le.PutUint32(out[12:], cbytes)
	le.PutUint32(out[16:], uint32(bs))          //nolint:gosec // bounded by block.MaxSize
	le.PutUint32(out[20:], uint32(len(blocks))) //nolint:gosec // bounded by nbytes
	ids, metas := p.Filters.Arrays()
	copy(out[24:30], ids[:])
	copy(out[30:36], metas[:])

	off := HeaderSize + len(blocks)*EntrySize
	for i, b := range blocks {
		e := out[HeaderSize+i*EntrySize:]
		le.PutUint32(e, uint32(len(b))) //nolint:gosec // bounded by cbytes
		le.PutUint64(e[4:], xxhash.Sum64(b))
		copy(out[off:], b)
		off += len(b)
	}
	le.PutUint64(out[40:], headerSum(out[:40], out[HeaderSize:HeaderSize+len(blocks)*EntrySize]))
	return out, nil
}
