package chunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/schunk/internal/batch"
	"github.com/meigma/schunk/internal/codec"
	"github.com/meigma/schunk/internal/filter"
	"github.com/meigma/schunk/internal/schunktype"
)

func testRegistry(t *testing.T) *codec.Registry {
	t.Helper()
	reg := codec.NewRegistry()
	t.Cleanup(reg.Close)
	return reg
}

func testPool(t *testing.T, workers int) *batch.Pool {
	t.Helper()
	p := batch.NewPool(workers)
	t.Cleanup(p.Close)
	return p
}

func int32s(n, base int) []byte {
	b := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(base+i)) //nolint:gosec // test values fit
	}
	return b
}

// steps returns n int32 values that advance by one every 32 elements.
func steps(n, base int) []byte {
	b := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(base+i/32)) //nolint:gosec // test values fit
	}
	return b
}

func pipeline(t *testing.T, ids ...schunktype.FilterID) filter.Pipeline {
	t.Helper()
	stages := make([]filter.Stage, len(ids))
	for i, id := range ids {
		stages[i] = filter.Stage{ID: id}
	}
	p, err := filter.NewPipeline(stages...)
	require.NoError(t, err)
	return p
}

func TestEncodeDecodeMatrix(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	pool := testPool(t, 4)
	src := steps(50000, 1000)

	filterSets := map[string][]schunktype.FilterID{
		"none":          nil,
		"shuffle":       {schunktype.FilterShuffle},
		"bitshuffle":    {schunktype.FilterBitShuffle},
		"delta":         {schunktype.FilterDelta},
		"delta+shuffle": {schunktype.FilterDelta, schunktype.FilterShuffle},
	}
	for _, id := range codec.IDs() {
		for name, ids := range filterSets {
			for _, workers := range []*batch.Pool{nil, pool} {
				p := Params{
					Registry:  reg,
					Codec:     id,
					Level:     5,
					Typesize:  4,
					Filters:   pipeline(t, ids...),
					BlockSize: 16 << 10,
				}
				enc, err := Encode(src, p, workers)
				require.NoError(t, err, "%s/%s", id, name)

				c, err := Parse(enc)
				require.NoError(t, err)
				assert.Equal(t, len(src), c.Nbytes())
				assert.Equal(t, len(enc), c.Cbytes())
				assert.Less(t, c.Cbytes(), c.Nbytes(), "%s/%s", id, name)
				require.NoError(t, c.Verify())

				dst := make([]byte, len(src))
				n, err := c.Decode(dst, DecodeOptions{Registry: reg, Pool: workers})
				require.NoError(t, err, "%s/%s", id, name)
				assert.Equal(t, len(src), n)
				assert.True(t, bytes.Equal(src, dst), "%s/%s round trip", id, name)
			}
		}
	}
}

func TestEncodeLevelZero(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	src := int32s(1000, 0)
	enc, err := Encode(src, Params{Registry: reg, Codec: schunktype.CodecLZ4, Typesize: 4,
		Filters: pipeline(t, schunktype.FilterShuffle)}, nil)
	require.NoError(t, err)

	c, err := Parse(enc)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, c.Cbytes(), c.Nbytes())

	dst := make([]byte, len(src))
	_, err = c.Decode(dst, DecodeOptions{Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, src, dst)
}

func TestEncodeValidation(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	base := Params{Registry: reg, Codec: schunktype.CodecLZ4, Level: 5, Typesize: 4}

	tests := []struct {
		name   string
		mutate func(*Params)
		src    []byte
	}{
		{name: "typesize zero", mutate: func(p *Params) { p.Typesize = 0 }, src: make([]byte, 8)},
		{name: "typesize too large", mutate: func(p *Params) { p.Typesize = 256 }, src: make([]byte, 256)},
		{name: "level too high", mutate: func(p *Params) { p.Level = 10 }, src: make([]byte, 8)},
		{name: "unknown codec", mutate: func(p *Params) { p.Codec = 77 }, src: make([]byte, 8)},
		{name: "block size too large", mutate: func(p *Params) { p.BlockSize = 32 << 20 }, src: make([]byte, 8)},
		{name: "ragged input", mutate: func(*Params) {}, src: make([]byte, 7)},
		{name: "truncprec on int16", mutate: func(p *Params) {
			p.Typesize = 2
			p.Filters = pipeline(t, schunktype.FilterTruncPrec)
		}, src: make([]byte, 8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := base
			tt.mutate(&p)
			_, err := Encode(tt.src, p, nil)
			assert.ErrorIs(t, err, schunktype.ErrConfiguration)
		})
	}
}

func TestDecodeBufferTooSmall(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	src := int32s(1000, 0)
	enc, err := Encode(src, Params{Registry: reg, Codec: schunktype.CodecLZ4, Level: 5, Typesize: 4}, nil)
	require.NoError(t, err)
	c, err := Parse(enc)
	require.NoError(t, err)

	_, err = c.Decode(make([]byte, len(src)-1), DecodeOptions{Registry: reg})
	assert.ErrorIs(t, err, schunktype.ErrBufferTooSmall)
}

func TestCorruptedBlockClearsDestination(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	pool := testPool(t, 4)
	src := int32s(5000, 7)
	p := Params{Registry: reg, Codec: schunktype.CodecZstd, Level: 5, Typesize: 4,
		Filters: pipeline(t, schunktype.FilterShuffle), BlockSize: 4000}
	enc, err := Encode(src, p, pool)
	require.NoError(t, err)

	c, err := Parse(enc)
	require.NoError(t, err)
	require.Equal(t, 5, c.NBlocks())

	// Flip a payload byte of block 2; the header and table stay intact.
	blk, err := c.Block(2)
	require.NoError(t, err)
	blk[len(blk)-1] ^= 0xff

	dst := bytes.Repeat([]byte{0xaa}, len(src))
	_, err = c.Decode(dst, DecodeOptions{Registry: reg, Pool: pool})
	require.ErrorIs(t, err, schunktype.ErrChecksumMismatch)
	assert.Contains(t, err.Error(), "block 2")
	assert.Equal(t, make([]byte, len(src)), dst)

	assert.ErrorIs(t, c.Verify(), schunktype.ErrChecksumMismatch)
}

func TestParseRejectsCorruptHeader(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	enc, err := Encode(int32s(100, 0), Params{Registry: reg, Codec: schunktype.CodecLZ4, Level: 5, Typesize: 4}, nil)
	require.NoError(t, err)

	t.Run("version", func(t *testing.T) {
		t.Parallel()
		bad := bytes.Clone(enc)
		bad[0] = 9
		_, err := Parse(bad)
		assert.ErrorIs(t, err, schunktype.ErrVersionMismatch)
	})

	t.Run("header bit flip", func(t *testing.T) {
		t.Parallel()
		bad := bytes.Clone(enc)
		bad[9] ^= 0x01
		_, err := Parse(bad)
		assert.ErrorIs(t, err, schunktype.ErrChecksumMismatch)
	})

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		_, err := Parse(enc[:len(enc)-1])
		assert.ErrorIs(t, err, schunktype.ErrCorruptFrame)
	})

	t.Run("too short", func(t *testing.T) {
		t.Parallel()
		_, err := Parse(enc[:10])
		assert.ErrorIs(t, err, schunktype.ErrCorruptFrame)
	})
}

func TestDecodeRange(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	pool := testPool(t, 3)
	src := int32s(10000, 42)

	for _, ids := range [][]schunktype.FilterID{{schunktype.FilterShuffle}, {schunktype.FilterDelta}} {
		p := Params{Registry: reg, Codec: schunktype.CodecLZ4, Level: 5, Typesize: 4,
			Filters: pipeline(t, ids...), BlockSize: 1024}
		enc, err := Encode(src, p, pool)
		require.NoError(t, err)
		c, err := Parse(enc)
		require.NoError(t, err)

		ranges := [][2]int{{0, 4}, {1020, 8}, {4096, 12000}, {len(src) - 4, 4}, {0, len(src)}, {5000, 0}}
		for _, r := range ranges {
			dst := make([]byte, r[1])
			n, err := c.DecodeRange(dst, r[0], r[1], DecodeOptions{Registry: reg, Pool: pool})
			require.NoError(t, err, "range %v", r)
			assert.Equal(t, r[1], n)
			assert.Equal(t, src[r[0]:r[0]+r[1]], dst, "range %v filters %v", r, ids)
		}

		_, err = c.DecodeRange(make([]byte, 8), len(src)-4, 8, DecodeOptions{Registry: reg})
		assert.ErrorIs(t, err, schunktype.ErrOutOfRange)
		_, err = c.DecodeRange(make([]byte, 4), 0, 8, DecodeOptions{Registry: reg})
		assert.ErrorIs(t, err, schunktype.ErrBufferTooSmall)
	}
}

func TestTruncPrecWithDelta(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	pool := testPool(t, 4)

	rng := rand.New(rand.NewPCG(7, 11)) //nolint:gosec // deterministic test data
	vals := make([]float64, 50000)
	for i := range vals {
		vals[i] = rng.Float64()*1000 - 500
	}
	src := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(src[i*8:], math.Float64bits(v))
	}

	const keep = 20
	bound := math.Ldexp(1, -keep)
	trunc := filter.Stage{ID: schunktype.FilterTruncPrec, Meta: keep}
	shuffle := filter.Stage{ID: schunktype.FilterShuffle}
	bitshuffle := filter.Stage{ID: schunktype.FilterBitShuffle}
	delta := filter.Stage{ID: schunktype.FilterDelta}

	tests := []struct {
		name   string
		stages []filter.Stage
	}{
		{"truncprec+delta", []filter.Stage{trunc, delta}},
		{"truncprec+delta+shuffle", []filter.Stage{trunc, delta, shuffle}},
		{"truncprec+shuffle+delta", []filter.Stage{trunc, shuffle, delta}},
		{"truncprec+bitshuffle+delta", []filter.Stage{trunc, bitshuffle, delta}},
	}
	for _, tt := range tests {
		fp, err := filter.NewPipeline(tt.stages...)
		require.NoError(t, err)
		p := Params{Registry: reg, Codec: schunktype.CodecZstd, Level: 5, Typesize: 8,
			Filters: fp, BlockSize: 4096}
		enc, err := Encode(src, p, pool)
		require.NoError(t, err, tt.name)
		c, err := Parse(enc)
		require.NoError(t, err)

		check := func(got []byte, first int) {
			for i := 0; i < len(got); i += 8 {
				want := vals[first+i/8]
				v := math.Float64frombits(binary.LittleEndian.Uint64(got[i:]))
				rel := math.Abs(v-want) / math.Abs(want)
				if !(rel <= bound) {
					require.Failf(t, "value out of tolerance", "%s: element %d = %g, want %g", tt.name, first+i/8, v, want)
				}
			}
		}

		dst := make([]byte, len(src))
		_, err = c.Decode(dst, DecodeOptions{Registry: reg, Pool: pool})
		require.NoError(t, err, tt.name)
		check(dst, 0)

		part := make([]byte, 8*1000)
		_, err = c.DecodeRange(part, 8*20000, len(part), DecodeOptions{Registry: reg, Pool: pool})
		require.NoError(t, err, tt.name)
		check(part, 20000)
	}
}

func TestZeros(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	enc, err := Zeros(4000, Params{Registry: reg, Codec: schunktype.CodecLZ4, Level: 5, Typesize: 4})
	require.NoError(t, err)
	assert.Len(t, enc, HeaderSize)

	c, err := Parse(enc)
	require.NoError(t, err)
	assert.True(t, c.Zeros())
	assert.Equal(t, 4000, c.Nbytes())

	dst := bytes.Repeat([]byte{1}, 4000)
	_, err = c.Decode(dst, DecodeOptions{Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4000), dst)

	part := bytes.Repeat([]byte{1}, 8)
	_, err = c.DecodeRange(part, 100, 8, DecodeOptions{Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), part)

	_, err = Zeros(3, Params{Registry: reg, Codec: schunktype.CodecLZ4, Level: 5, Typesize: 4})
	assert.ErrorIs(t, err, schunktype.ErrConfiguration)
}

func TestPostFilter(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t)
	pool := testPool(t, 4)
	src := int32s(4096, 0)

	for _, ids := range [][]schunktype.FilterID{nil, {schunktype.FilterDelta}} {
		p := Params{Registry: reg, Codec: schunktype.CodecLZ4, Level: 5, Typesize: 4,
			Filters: pipeline(t, ids...), BlockSize: 2048}
		enc, err := Encode(src, p, pool)
		require.NoError(t, err)
		c, err := Parse(enc)
		require.NoError(t, err)

		var calls atomic.Int32
		dst := make([]byte, len(src))
		_, err = c.Decode(dst, DecodeOptions{
			Registry:   reg,
			Pool:       pool,
			ChunkIndex: 3,
			PostFilter: func(pp PostFilterParams) error {
				calls.Add(1)
				if pp.Chunk != 3 || pp.Typesize != 4 || pp.Offset != pp.Block*2048 {
					return errors.New("bad params")
				}
				// Add one to every element.
				for i := 0; i < len(pp.Data); i += 4 {
					v := binary.LittleEndian.Uint32(pp.Data[i:])
					binary.LittleEndian.PutUint32(pp.Data[i:], v+1)
				}
				return nil
			},
		})
		require.NoError(t, err)
		assert.Equal(t, int32(c.NBlocks()), calls.Load())
		assert.Equal(t, int32s(4096, 1), dst, "filters %v", ids)

		boom := errors.New("boom")
		_, err = c.Decode(dst, DecodeOptions{Registry: reg, PostFilter: func(PostFilterParams) error { return boom }})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, make([]byte, len(src)), dst)
	}
}
