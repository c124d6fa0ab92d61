package schunk

import (
	"github.com/meigma/schunk/internal/chunk"
	"github.com/meigma/schunk/internal/filter"
	"github.com/meigma/schunk/internal/schunktype"
)

// Re-export types from internal packages for the public API.
type (
	// Codec identifies a block codec.
	Codec = schunktype.CodecID

	// FilterID identifies a filter stage.
	FilterID = schunktype.FilterID

	// FilterStage is one filter of a pipeline plus its parameter byte.
	FilterStage = schunktype.FilterStage

	// Filters is a bounded, ordered filter pipeline. Build one with
	// NewFilters.
	Filters = filter.Pipeline

	// Layout selects the on-disk form of a persistent super-chunk.
	Layout = schunktype.Layout

	// PostFilter runs on every decoded block and may rewrite it in place.
	// It may be called concurrently from decompression workers.
	//
	// A PostFilter runs on an engine worker, so it must not decompress from
	// a super-chunk sharing that engine: once every worker waits on nested
	// work, decompression deadlocks.
	PostFilter = chunk.PostFilterFunc

	// PostFilterParams describes the block handed to a PostFilter.
	PostFilterParams = chunk.PostFilterParams
)

// Codecs.
const (
	CodecLZ4    = schunktype.CodecLZ4
	CodecLZ4HC  = schunktype.CodecLZ4HC
	CodecSnappy = schunktype.CodecSnappy
	CodecZlib   = schunktype.CodecZlib
	CodecZstd   = schunktype.CodecZstd
	CodecS2     = schunktype.CodecS2
)

// Filters. FilterTruncPrec takes the number of mantissa bits to keep as
// its meta byte.
const (
	FilterNone       = schunktype.FilterNone
	FilterShuffle    = schunktype.FilterShuffle
	FilterBitShuffle = schunktype.FilterBitShuffle
	FilterDelta      = schunktype.FilterDelta
	FilterTruncPrec  = schunktype.FilterTruncPrec
)

// Layouts.
const (
	LayoutContiguous = schunktype.LayoutContiguous
	LayoutSharded    = schunktype.LayoutSharded
)

// ParseCodec returns the codec with the given name ("lz4", "zstd", ...).
var ParseCodec = schunktype.ParseCodec

// ParseFilter returns the filter with the given name ("shuffle", "delta", ...).
var ParseFilter = schunktype.ParseFilter

// Sentinel errors re-exported from internal/schunktype.
var (
	// ErrConfiguration is returned for invalid parameters or illegal state
	// transitions.
	ErrConfiguration = schunktype.ErrConfiguration

	// ErrOutOfRange is returned for a missing chunk index, byte range or
	// metalayer name.
	ErrOutOfRange = schunktype.ErrOutOfRange

	// ErrBufferTooSmall is returned when a destination buffer is too small.
	ErrBufferTooSmall = schunktype.ErrBufferTooSmall

	// ErrChecksumMismatch is returned when stored bytes fail verification.
	ErrChecksumMismatch = schunktype.ErrChecksumMismatch

	// ErrCorruptFrame is returned when a frame or chunk cannot be parsed.
	ErrCorruptFrame = schunktype.ErrCorruptFrame

	// ErrVersionMismatch is returned for unsupported format versions.
	ErrVersionMismatch = schunktype.ErrVersionMismatch

	// ErrDecompressionMismatch is returned when decoded data does not match
	// its declared size.
	ErrDecompressionMismatch = schunktype.ErrDecompressionMismatch

	// ErrIO is returned when the filesystem fails.
	ErrIO = schunktype.ErrIO

	// ErrCodecFailure is returned when a codec rejects its input.
	ErrCodecFailure = schunktype.ErrCodecFailure

	// ErrReadOnly is returned when mutating a read-only super-chunk.
	ErrReadOnly = schunktype.ErrReadOnly

	// ErrClosed is returned when using a closed super-chunk or engine.
	ErrClosed = schunktype.ErrClosed

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = schunktype.ErrSizeOverflow
)
