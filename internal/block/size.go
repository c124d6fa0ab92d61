package block

import (
	"fmt"

	"github.com/meigma/schunk/internal/schunktype"
	"github.com/meigma/schunk/internal/sizing"
)

// baseSizes is the automatic block size per compression level for fast codecs.
var baseSizes = [...]int{
	256 << 10, // level 0 copies, large blocks only cut per-block overhead
	32 << 10,
	32 << 10,
	64 << 10,
	64 << 10,
	128 << 10,
	128 << 10,
	256 << 10,
	256 << 10,
	512 << 10,
}

// maxAutoSize caps the automatic block size.
const maxAutoSize = 2 << 20

// Size returns the block size for a chunk of nbytes.
//
// requested is the configured block size, 0 for automatic. The result is
// never larger than nbytes and, when possible, is a multiple of align.
func Size(requested, level int, id schunktype.CodecID, align, nbytes int) (int, error) {
	if align < 1 {
		return 0, fmt.Errorf("%w: alignment %d", schunktype.ErrConfiguration, align)
	}
	if nbytes == 0 {
		return 0, nil
	}

	bs := requested
	if bs == 0 {
		if level < 0 || level >= len(baseSizes) {
			return 0, fmt.Errorf("%w: compression level %d", schunktype.ErrConfiguration, level)
		}
		bs = baseSizes[level]
		switch id {
		case schunktype.CodecZstd, schunktype.CodecZlib, schunktype.CodecLZ4HC:
			bs *= 4
		}
		bs = min(bs, maxAutoSize)
	} else if bs > MaxSize {
		return 0, fmt.Errorf("%w: block size %d exceeds %d", schunktype.ErrConfiguration, bs, MaxSize)
	}

	if bs >= nbytes {
		return nbytes, nil
	}
	aligned := sizing.RoundDown(bs, align)
	if aligned == 0 {
		aligned = min(align, nbytes)
	}
	return aligned, nil
}
