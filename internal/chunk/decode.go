package chunk

import (
	"fmt"

	"github.com/meigma/schunk/internal/batch"
	"github.com/meigma/schunk/internal/block"
	"github.com/meigma/schunk/internal/codec"
	"github.com/meigma/schunk/internal/schunktype"
)

// PostFilterParams describes one decoded block handed to a PostFilterFunc.
type PostFilterParams struct {
	// Chunk is the index of the chunk within its container, or -1.
	Chunk int

	// Block is the block index within the chunk.
	Block int

	// Offset is the byte offset of Data within the chunk.
	Offset int

	// Typesize is the element width in bytes.
	Typesize int

	// Data holds the decoded block and may be modified in place.
	Data []byte
}

// PostFilterFunc runs on every decoded block. It may be called concurrently
// and must not submit work to the pool that runs it.
type PostFilterFunc func(PostFilterParams) error

// DecodeOptions controls decompression.
type DecodeOptions struct {
	Registry   *codec.Registry
	Pool       *batch.Pool
	PostFilter PostFilterFunc
	ChunkIndex int
}

func (c *Chunk) blockConfig(reg *codec.Registry) block.Config {
	return block.Config{
		Registry: reg,
		Codec:    c.codec,
		Level:    c.level,
		Typesize: c.typesize,
		Filters:  c.filters,
	}
}

// needsRef reports whether blocks after the first depend on block 0.
func (c *Chunk) needsRef() bool {
	return c.level > 0 && c.filters.HasDelta() && len(c.blocks) > 1
}

// Decode decompresses the whole chunk into dst and returns Nbytes.
//
// On failure the first Nbytes of dst are cleared and the error of the
// lowest failing block is returned.
func (c *Chunk) Decode(dst []byte, opts DecodeOptions) (int, error) {
	if len(dst) < c.nbytes {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", schunktype.ErrBufferTooSmall, c.nbytes, len(dst))
	}
	out := dst[:c.nbytes]
	if err := c.decodeInto(out, opts); err != nil {
		clear(out)
		return 0, err
	}
	return c.nbytes, nil
}

func (c *Chunk) decodeInto(out []byte, opts DecodeOptions) error {
	if c.zeros {
		clear(out)
		if opts.PostFilter != nil && len(out) > 0 {
			return c.postFilter(opts, 0, 0, out)
		}
		return nil
	}
	if opts.Registry == nil {
		return fmt.Errorf("%w: no codec registry", schunktype.ErrConfiguration)
	}
	cfg := c.blockConfig(opts.Registry)

	decodeOne := func(i int, ref []byte) error {
		data, err := c.checkBlock(i)
		if err != nil {
			return err
		}
		start, end := c.blockSpan(i)
		s := getScratch()
		defer scratchPool.Put(s)
		if err := block.Decode(out[start:end], data, ref, cfg, s); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		return nil
	}

	if !c.needsRef() {
		return batch.Run(opts.Pool, len(c.blocks), func(i int) error {
			if err := decodeOne(i, nil); err != nil {
				return err
			}
			if opts.PostFilter != nil {
				start, end := c.blockSpan(i)
				return c.postFilter(opts, i, start, out[start:end])
			}
			return nil
		})
	}

	// Block 0 is the reference for every other block, so it is restored
	// first and post-filters run only once all blocks are raw.
	if err := decodeOne(0, nil); err != nil {
		return err
	}
	_, refEnd := c.blockSpan(0)
	ref := out[:refEnd]
	err := batch.Run(opts.Pool, len(c.blocks)-1, func(i int) error {
		return decodeOne(i+1, ref)
	})
	if err != nil || opts.PostFilter == nil {
		return err
	}
	return batch.Run(opts.Pool, len(c.blocks), func(i int) error {
		start, end := c.blockSpan(i)
		return c.postFilter(opts, i, start, out[start:end])
	})
}

func (c *Chunk) postFilter(opts DecodeOptions, i, offset int, data []byte) error {
	err := opts.PostFilter(PostFilterParams{
		Chunk:    opts.ChunkIndex,
		Block:    i,
		Offset:   offset,
		Typesize: c.typesize,
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("postfilter block %d: %w", i, err)
	}
	return nil
}

// DecodeRange decompresses bytes [start, start+n) of the chunk into dst,
// touching only the blocks that cover the range (plus the reference block
// when delta filtering is active). It returns n.
func (c *Chunk) DecodeRange(dst []byte, start, n int, opts DecodeOptions) (int, error) {
	if start < 0 || n < 0 || start > c.nbytes || n > c.nbytes-start {
		return 0, fmt.Errorf("%w: range [%d, %d) of %d bytes", schunktype.ErrOutOfRange, start, start+n, c.nbytes)
	}
	if len(dst) < n {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", schunktype.ErrBufferTooSmall, n, len(dst))
	}
	if n == 0 {
		return 0, nil
	}
	out := dst[:n]
	if c.zeros {
		clear(out)
		if opts.PostFilter != nil {
			if err := c.postFilter(opts, 0, start, out); err != nil {
				clear(out)
				return 0, err
			}
		}
		return n, nil
	}
	if opts.Registry == nil {
		return 0, fmt.Errorf("%w: no codec registry", schunktype.ErrConfiguration)
	}
	cfg := c.blockConfig(opts.Registry)

	decodeBlock := func(i int, ref []byte) ([]byte, error) {
		data, err := c.checkBlock(i)
		if err != nil {
			return nil, err
		}
		bs, be := c.blockSpan(i)
		buf := make([]byte, be-bs)
		s := getScratch()
		defer scratchPool.Put(s)
		if err := block.Decode(buf, data, ref, cfg, s); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		return buf, nil
	}

	var ref []byte
	if c.needsRef() {
		var err error
		if ref, err = decodeBlock(0, nil); err != nil {
			clear(out)
			return 0, err
		}
	}

	first := start / c.blocksize
	last := (start + n - 1) / c.blocksize
	err := batch.Run(opts.Pool, last-first+1, func(k int) error {
		i := first + k
		var buf []byte
		if i == 0 && ref != nil {
			buf = append([]byte(nil), ref...)
		} else {
			var err error
			r := ref
			if i == 0 {
				r = nil
			}
			if buf, err = decodeBlock(i, r); err != nil {
				return err
			}
		}
		bs, be := c.blockSpan(i)
		if opts.PostFilter != nil {
			if err := c.postFilter(opts, i, bs, buf); err != nil {
				return err
			}
		}
		lo := max(start, bs)
		hi := min(start+n, be)
		copy(out[lo-start:hi-start], buf[lo-bs:hi-bs])
		return nil
	})
	if err != nil {
		clear(out)
		return 0, err
	}
	return n, nil
}
