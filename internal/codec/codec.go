// Package codec adapts third-party block compressors to a single contract.
//
// Codecs are a closed set identified by schunktype.CodecID. A Registry owns
// the pooled encoder and decoder state for every codec and is safe for
// concurrent use.
package codec

import (
	"errors"
	"fmt"

	"github.com/meigma/schunk/internal/schunktype"
)

// ID is an alias for schunktype.CodecID.
type ID = schunktype.CodecID

// MinLevel and MaxLevel bound the compression level accepted by Compress.
// Level 0 (store) is handled by the block layer and never reaches a codec.
const (
	MinLevel = 1
	MaxLevel = 9
)

// ErrIncompressible is returned by Compress when the output would not be
// smaller than the input. Callers store the input instead.
var ErrIncompressible = errors.New("codec: incompressible input")

// Codec compresses and decompresses independent blocks.
type Codec interface {
	ID() ID

	// Compress compresses src at level, reusing dst's capacity when possible,
	// and returns the compressed bytes.
	Compress(dst, src []byte, level int) ([]byte, error)

	// Decompress fills dst exactly. A payload that decodes to a length other
	// than len(dst) is an error.
	Decompress(dst, src []byte) error
}

// Registry resolves codec identifiers to shared codec instances.
type Registry struct {
	codecs map[ID]Codec
	zstd   *zstdCodec
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	maxDecoderMemory uint64
	decoderLowmem    bool
}

// WithMaxDecoderMemory limits the memory a zstd decoder may allocate.
// Set limit to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(o *options) {
		o.maxDecoderMemory = limit
	}
}

// WithDecoderLowmem sets whether zstd decoders use low-memory mode.
func WithDecoderLowmem(enabled bool) Option {
	return func(o *options) {
		o.decoderLowmem = enabled
	}
}

// NewRegistry creates a registry holding every supported codec.
func NewRegistry(opts ...Option) *Registry {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	z := newZstdCodec(o)
	return &Registry{
		zstd: z,
		codecs: map[ID]Codec{
			schunktype.CodecLZ4:    newLZ4Codec(),
			schunktype.CodecLZ4HC:  newLZ4HCCodec(),
			schunktype.CodecSnappy: snappyCodec{},
			schunktype.CodecZlib:   newZlibCodec(),
			schunktype.CodecZstd:   z,
			schunktype.CodecS2:     s2Codec{},
		},
	}
}

// Lookup returns the codec registered for id.
func (r *Registry) Lookup(id ID) (Codec, error) {
	c, ok := r.codecs[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown codec %d", schunktype.ErrConfiguration, id)
	}
	return c, nil
}

// Close releases pooled decoder state.
func (r *Registry) Close() {
	r.zstd.close()
}

// IDs returns every registered codec identifier in ascending order.
func IDs() []ID {
	return []ID{
		schunktype.CodecLZ4,
		schunktype.CodecLZ4HC,
		schunktype.CodecSnappy,
		schunktype.CodecZlib,
		schunktype.CodecZstd,
		schunktype.CodecS2,
	}
}

func checkLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("%w: compression level %d", schunktype.ErrConfiguration, level)
	}
	return nil
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

func decodeFailure(id ID, err error) error {
	return fmt.Errorf("%w: %s: %v", schunktype.ErrCodecFailure, id, err)
}

func sizeMismatch(id ID, got, want int) error {
	return fmt.Errorf("%w: %s produced %d bytes, want %d", schunktype.ErrDecompressionMismatch, id, got, want)
}
