package schunk

import (
	"fmt"

	"github.com/meigma/schunk/internal/chunk"
	"github.com/meigma/schunk/internal/codec"
	"github.com/meigma/schunk/internal/filter"
	"github.com/meigma/schunk/internal/frame"
	"github.com/meigma/schunk/internal/schunktype"
)

// CParams controls how chunks are compressed. A CParams value is bound to a
// super-chunk at creation and recorded in every chunk it encodes.
type CParams struct {
	// Typesize is the element width in bytes, 1..MaxTypesize.
	Typesize int

	// Codec selects the block codec.
	Codec Codec

	// Level is the compression level, 0..9. Level 0 stores blocks raw.
	Level int

	// Filters is the pipeline applied to each block before the codec.
	Filters Filters

	// BlockSize is the target block size in bytes; 0 picks one from the
	// level, codec and typesize.
	BlockSize int

	// NThreads is the number of compression workers; 1 compresses on the
	// calling goroutine.
	NThreads int
}

// DParams controls how chunks are decompressed.
type DParams struct {
	// NThreads is the number of decompression workers; 1 decompresses on
	// the calling goroutine.
	NThreads int

	// PostFilter, if set, runs on every decoded block.
	PostFilter PostFilter
}

// Storage selects where a super-chunk lives. An empty Path keeps it in
// memory.
type Storage struct {
	Path    string
	Layout  Layout
	CParams CParams
	DParams DParams
}

// Limits.
const (
	MaxTypesize  = chunk.MaxTypesize
	MaxChunkSize = chunk.MaxBytes
	MaxFilters   = filter.MaxStages
)

// NewFilters builds a filter pipeline from stages in the order they run on
// compression. More than MaxFilters stages is a configuration error.
func NewFilters(stages ...FilterStage) (Filters, error) {
	return filter.NewPipeline(stages...)
}

// DefaultCParams returns 8-byte elements, LZ4 at level 5 behind a byte
// shuffle, automatic block size and a single thread.
func DefaultCParams() CParams {
	filters, _ := filter.NewPipeline(FilterStage{ID: FilterShuffle}) //nolint:errcheck // static pipeline
	return CParams{
		Typesize: 8,
		Codec:    CodecLZ4,
		Level:    5,
		Filters:  filters,
		NThreads: 1,
	}
}

// DefaultDParams returns single-threaded decompression without a postfilter.
func DefaultDParams() DParams {
	return DParams{NThreads: 1}
}

func checkThreads(what string, n int) (int, error) {
	switch {
	case n < 0:
		return 0, fmt.Errorf("%w: %s threads %d", schunktype.ErrConfiguration, what, n)
	case n == 0:
		return 1, nil
	default:
		return n, nil
	}
}

// normalize validates p against the registry and fills defaults.
func (p CParams) normalize(reg *codec.Registry) (CParams, error) {
	n, err := checkThreads("compression", p.NThreads)
	if err != nil {
		return p, err
	}
	p.NThreads = n
	if p.BlockSize > 0 && p.Typesize > 0 {
		p.BlockSize -= p.BlockSize % p.Typesize
		if p.BlockSize == 0 {
			p.BlockSize = p.Typesize
		}
	}
	if err := p.chunkParams(reg).Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (p CParams) chunkParams(reg *codec.Registry) chunk.Params {
	return chunk.Params{
		Registry:  reg,
		Codec:     p.Codec,
		Level:     p.Level,
		Typesize:  p.Typesize,
		Filters:   p.Filters,
		BlockSize: p.BlockSize,
	}
}

func (d DParams) normalize() (DParams, error) {
	n, err := checkThreads("decompression", d.NThreads)
	if err != nil {
		return d, err
	}
	d.NThreads = n
	return d, nil
}

// frameMeta records the defaults in a frame header.
func frameMeta(c CParams, d DParams) frame.Meta {
	ids, metas := c.Filters.Arrays()
	return frame.Meta{
		Typesize:    c.Typesize,
		Codec:       c.Codec,
		Level:       c.Level,
		CThreads:    min(c.NThreads, 1<<16-1),
		BlockSize:   c.BlockSize,
		FilterIDs:   ids,
		FilterMetas: metas,
		DThreads:    min(d.NThreads, 1<<16-1),
	}
}

// paramsFromMeta restores the defaults recorded in a frame header.
func paramsFromMeta(m frame.Meta) (CParams, DParams, error) {
	filters, err := filter.FromArrays(m.FilterIDs, m.FilterMetas)
	if err != nil {
		return CParams{}, DParams{}, fmt.Errorf("%w: %w", schunktype.ErrCorruptFrame, err)
	}
	c := CParams{
		Typesize:  m.Typesize,
		Codec:     m.Codec,
		Level:     m.Level,
		Filters:   filters,
		BlockSize: m.BlockSize,
		NThreads:  max(m.CThreads, 1),
	}
	return c, DParams{NThreads: max(m.DThreads, 1)}, nil
}
