package schunktype

// CodecID identifies the block codec a chunk was compressed with.
//
// Values are persisted in chunk and frame headers and must never change.
type CodecID uint8

const (
	CodecLZ4 CodecID = iota + 1
	CodecLZ4HC
	CodecSnappy
	CodecZlib
	CodecZstd
	CodecS2
)

// String returns the human-readable name of the codec.
func (c CodecID) String() string {
	switch c {
	case CodecLZ4:
		return "lz4"
	case CodecLZ4HC:
		return "lz4hc"
	case CodecSnappy:
		return "snappy"
	case CodecZlib:
		return "zlib"
	case CodecZstd:
		return "zstd"
	case CodecS2:
		return "s2"
	default:
		return "unknown"
	}
}

// ParseCodec returns the codec with the given name.
func ParseCodec(name string) (CodecID, bool) {
	for c := CodecLZ4; c <= CodecS2; c++ {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}

// FilterID identifies a reversible byte transform applied before the codec.
//
// Values are persisted in chunk and frame headers and must never change.
type FilterID uint8

const (
	FilterNone FilterID = iota
	FilterShuffle
	FilterBitShuffle
	FilterDelta
	FilterTruncPrec
)

// String returns the human-readable name of the filter.
func (f FilterID) String() string {
	switch f {
	case FilterNone:
		return "none"
	case FilterShuffle:
		return "shuffle"
	case FilterBitShuffle:
		return "bitshuffle"
	case FilterDelta:
		return "delta"
	case FilterTruncPrec:
		return "truncprec"
	default:
		return "unknown"
	}
}

// ParseFilter returns the filter with the given name.
func ParseFilter(name string) (FilterID, bool) {
	for f := FilterNone; f <= FilterTruncPrec; f++ {
		if f.String() == name {
			return f, true
		}
	}
	return 0, false
}

// Layout selects how a persistent super-chunk is stored.
type Layout uint8

const (
	// LayoutContiguous stores the whole frame in a single file.
	LayoutContiguous Layout = iota

	// LayoutSharded stores a directory with an index file plus one file per chunk.
	LayoutSharded
)

// String returns the human-readable name of the layout.
func (l Layout) String() string {
	switch l {
	case LayoutContiguous:
		return "contiguous"
	case LayoutSharded:
		return "sharded"
	default:
		return "unknown"
	}
}

// MaxFilters is the maximum number of filter stages in a pipeline.
const MaxFilters = 6

// FilterStage is one entry of a filter pipeline.
type FilterStage struct {
	ID FilterID

	// Meta carries per-filter configuration. For FilterTruncPrec it is the
	// number of mantissa bits retained.
	Meta uint8
}
