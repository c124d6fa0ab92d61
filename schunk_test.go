package schunk

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/schunk/internal/chunk"
	"github.com/meigma/schunk/internal/testutil"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine()
	t.Cleanup(e.Close)
	return e
}

func int32Params(t *testing.T, stages ...FilterStage) CParams {
	t.Helper()
	filters, err := NewFilters(stages...)
	require.NoError(t, err)
	cp := DefaultCParams()
	cp.Typesize = 4
	cp.Filters = filters
	return cp
}

func newMemory(t *testing.T, cp CParams, opts ...Option) *SChunk {
	t.Helper()
	opts = append([]Option{WithEngine(testEngine(t))}, opts...)
	sc, err := New(Storage{CParams: cp, DParams: DParams{NThreads: 2}}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { sc.Close() })
	return sc
}

func decompress(t *testing.T, sc *SChunk, i int) []byte {
	t.Helper()
	s, err := sc.DecompressRange(i, 0, 0, nil)
	require.NoError(t, err)
	require.Zero(t, s)
	nbytes, cbytes, err := sc.ChunkSizes(i)
	require.NoError(t, err)
	buf, err := sc.GetChunk(i)
	require.NoError(t, err)
	require.Len(t, buf, cbytes)
	out := make([]byte, nbytes)
	n, err := sc.DecompressChunk(i, out)
	require.NoError(t, err)
	require.Equal(t, nbytes, n)
	return out
}

func TestRunningIndexScenario(t *testing.T) {
	t.Parallel()

	const (
		nchunks = 10
		items   = 500000
	)
	cp := int32Params(t)
	cp.Level = 9
	cp.NThreads = 4
	sc := newMemory(t, cp)

	for i := range nchunks {
		n, err := sc.Append(testutil.RunningInt32(i*items, items))
		require.NoError(t, err)
		require.Equal(t, i+1, n)
	}
	assert.Equal(t, int64(nchunks*items*4), sc.NBytes())
	assert.Positive(t, sc.CBytes())

	out := make([]byte, items*4)
	n, err := sc.DecompressChunk(3, out)
	require.NoError(t, err)
	require.Equal(t, items*4, n)
	got := testutil.Int32s(out)
	for i, v := range got {
		if v != int32(3*items+i) {
			require.Equal(t, int32(3*items+i), v, "element %d", i)
		}
	}
}

func TestRoundTripMatrix(t *testing.T) {
	t.Parallel()

	pipelines := map[string][]FilterStage{
		"none":          nil,
		"shuffle":       {{ID: FilterShuffle}},
		"bitshuffle":    {{ID: FilterBitShuffle}},
		"delta":         {{ID: FilterDelta}},
		"delta+shuffle": {{ID: FilterDelta}, {ID: FilterShuffle}},
	}
	codecs := []Codec{CodecLZ4, CodecLZ4HC, CodecSnappy, CodecZlib, CodecZstd, CodecS2}
	data := append(testutil.Steps(10000, 7), testutil.RunningInt32(-50, 2001)...)

	for _, c := range codecs {
		for name, stages := range pipelines {
			for _, bs := range []int{0, 4096, 1001} {
				t.Run(fmt.Sprintf("%s/%s/%d", c, name, bs), func(t *testing.T) {
					t.Parallel()
					cp := int32Params(t, stages...)
					cp.Codec = c
					cp.BlockSize = bs
					cp.NThreads = 3
					sc := newMemory(t, cp)

					_, err := sc.Append(data)
					require.NoError(t, err)
					_, err = sc.Append(data[:400])
					require.NoError(t, err)
					assert.Equal(t, data, decompress(t, sc, 0))
					assert.Equal(t, data[:400], decompress(t, sc, 1))

					part := make([]byte, 999)
					n, err := sc.DecompressRange(0, 4001, 999, part)
					require.NoError(t, err)
					assert.Equal(t, 999, n)
					assert.Equal(t, data[4001:5000], part)
				})
			}
		}
	}
}

func TestBlockSizeRoundedToTypesize(t *testing.T) {
	t.Parallel()

	cp := int32Params(t)
	cp.BlockSize = 1001
	sc := newMemory(t, cp)
	assert.Equal(t, 1000, sc.CParams().BlockSize)
}

func TestLevelZeroStoresRaw(t *testing.T) {
	t.Parallel()

	cp := int32Params(t, FilterStage{ID: FilterShuffle})
	cp.Level = 0
	sc := newMemory(t, cp)
	data := testutil.RunningInt32(0, 1000)
	_, err := sc.Append(data)
	require.NoError(t, err)
	assert.Greater(t, sc.CBytes(), int64(len(data)))
	assert.Equal(t, data, decompress(t, sc, 0))
}

func TestTruncPrecTolerance(t *testing.T) {
	t.Parallel()

	const (
		nchunks   = 4
		chunkSize = 20000
	)
	filters, err := NewFilters(FilterStage{ID: FilterTruncPrec, Meta: 23}, FilterStage{ID: FilterShuffle})
	require.NoError(t, err)
	cp := DefaultCParams()
	cp.Typesize = 8
	cp.Codec = CodecZstd
	cp.Filters = filters
	cp.NThreads = 2
	sc := newMemory(t, cp)

	incx := 10. / (nchunks * chunkSize)
	var want []float64
	for i := range nchunks {
		vals := testutil.Cubic(i*chunkSize, chunkSize, incx)
		want = append(want, vals...)
		_, err := sc.Append(testutil.Float64s(vals))
		require.NoError(t, err)
	}
	for i := range nchunks {
		got := testutil.DecodeFloat64s(decompress(t, sc, i))
		for j, v := range got {
			w := want[i*chunkSize+j]
			if d := v - w; d > 1e-5 || d < -1e-5 {
				require.InDelta(t, w, v, 1e-5, "chunk %d element %d", i, j)
			}
		}
	}
}

func TestTruncPrecRejectsTypesize(t *testing.T) {
	t.Parallel()

	cp := int32Params(t, FilterStage{ID: FilterTruncPrec, Meta: 10})
	cp.Typesize = 2
	_, err := New(Storage{CParams: cp}, WithEngine(testEngine(t)))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestNewFiltersOverflow(t *testing.T) {
	t.Parallel()

	stages := make([]FilterStage, MaxFilters+1)
	for i := range stages {
		stages[i] = FilterStage{ID: FilterShuffle}
	}
	_, err := NewFilters(stages...)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestInvalidParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*CParams)
	}{
		{"typesize zero", func(c *CParams) { c.Typesize = 0 }},
		{"typesize too large", func(c *CParams) { c.Typesize = MaxTypesize + 1 }},
		{"level", func(c *CParams) { c.Level = 10 }},
		{"codec", func(c *CParams) { c.Codec = 99 }},
		{"threads", func(c *CParams) { c.NThreads = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cp := int32Params(t)
			tt.mutate(&cp)
			_, err := New(Storage{CParams: cp}, WithEngine(testEngine(t)))
			require.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestZeroStorageUsesDefaults(t *testing.T) {
	t.Parallel()

	sc, err := New(Storage{}, WithEngine(testEngine(t)))
	require.NoError(t, err)
	defer sc.Close()
	assert.Equal(t, DefaultCParams(), sc.CParams())
	assert.Equal(t, 8, sc.Typesize())
	assert.Empty(t, sc.Path())
}

func TestAppendRejectsMisalignedBuffer(t *testing.T) {
	t.Parallel()

	sc := newMemory(t, int32Params(t))
	_, err := sc.Append(make([]byte, 10))
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Zero(t, sc.NChunks())
}

func TestDecompressErrors(t *testing.T) {
	t.Parallel()

	sc := newMemory(t, int32Params(t))
	_, err := sc.Append(testutil.Steps(100, 0))
	require.NoError(t, err)

	_, err = sc.DecompressChunk(1, make([]byte, 400))
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = sc.DecompressChunk(-1, make([]byte, 400))
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = sc.DecompressChunk(0, make([]byte, 399))
	require.ErrorIs(t, err, ErrBufferTooSmall)
	_, err = sc.DecompressRange(0, 300, 101, make([]byte, 200))
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = sc.GetChunk(3)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestCorruptBlockDiscardsOutput(t *testing.T) {
	t.Parallel()

	cp := int32Params(t, FilterStage{ID: FilterShuffle})
	cp.BlockSize = 4096
	sc := newMemory(t, cp)
	data := testutil.Steps(5*1024, 3)
	_, err := sc.Append(data)
	require.NoError(t, err)

	c, err := chunk.Parse(sc.mem[0])
	require.NoError(t, err)
	require.Equal(t, 5, c.NBlocks())
	b, err := c.Block(2)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xFF

	dst := bytes.Repeat([]byte{0xAA}, len(data))
	_, err = sc.DecompressChunk(0, dst)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, make([]byte, len(data)), dst)
}

func TestIndexIntegrity(t *testing.T) {
	t.Parallel()

	for _, layout := range []string{"memory", "contiguous", "sharded"} {
		t.Run(layout, func(t *testing.T) {
			t.Parallel()
			sc := newBacked(t, layout, int32Params(t))

			var model [][]byte
			chunkOf := func(k int) []byte { return testutil.Steps(100+k*37, k*1000) }
			check := func() {
				t.Helper()
				require.Equal(t, len(model), sc.NChunks())
				var nbytes, cbytes int64
				for i, want := range model {
					assert.Equal(t, want, decompress(t, sc, i), "chunk %d", i)
					c, err := sc.GetChunk(i)
					require.NoError(t, err)
					nbytes += int64(len(want))
					cbytes += int64(len(c))
				}
				assert.Equal(t, nbytes, sc.NBytes())
				assert.Equal(t, cbytes, sc.CBytes())
			}

			for k := range 5 {
				n, err := sc.Append(chunkOf(k))
				require.NoError(t, err)
				model = append(model, chunkOf(k))
				require.Equal(t, len(model), n)
			}
			check()

			n, err := sc.Insert(0, chunkOf(10))
			require.NoError(t, err)
			require.Equal(t, 6, n)
			model = append([][]byte{chunkOf(10)}, model...)
			check()

			n, err = sc.Insert(6, chunkOf(11))
			require.NoError(t, err)
			require.Equal(t, 7, n)
			model = append(model, chunkOf(11))
			check()

			_, err = sc.Insert(8, chunkOf(12))
			require.ErrorIs(t, err, ErrOutOfRange)

			n, err = sc.Delete(3)
			require.NoError(t, err)
			require.Equal(t, 6, n)
			model = append(model[:3], model[4:]...)
			check()

			require.NoError(t, sc.Update(1, chunkOf(13)))
			model[1] = chunkOf(13)
			check()

			_, err = sc.Delete(6)
			require.ErrorIs(t, err, ErrOutOfRange)

			for sc.NChunks() > 0 {
				_, err := sc.Delete(0)
				require.NoError(t, err)
				model = model[1:]
			}
			check()
			assert.Zero(t, sc.NBytes())
			assert.Zero(t, sc.CBytes())
		})
	}
}

func TestAppendChunk(t *testing.T) {
	t.Parallel()

	src := newMemory(t, int32Params(t))
	data := testutil.Steps(500, 9)
	_, err := src.Append(data)
	require.NoError(t, err)
	encoded, err := src.GetChunk(0)
	require.NoError(t, err)

	// A chunk keeps its own parameters, so the target may use other defaults.
	cp := int32Params(t, FilterStage{ID: FilterBitShuffle})
	cp.Codec = CodecZstd
	dst := newMemory(t, cp)
	_, err = dst.AppendChunk(encoded)
	require.NoError(t, err)
	_, err = dst.InsertChunk(0, encoded)
	require.NoError(t, err)
	require.NoError(t, dst.UpdateChunk(1, encoded))
	assert.Equal(t, data, decompress(t, dst, 0))
	assert.Equal(t, data, decompress(t, dst, 1))

	other := DefaultCParams()
	wide := newMemory(t, other)
	_, err = wide.AppendChunk(encoded)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = dst.AppendChunk(encoded[:20])
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func TestAppendZeros(t *testing.T) {
	t.Parallel()

	sc := newMemory(t, int32Params(t))
	n, err := sc.AppendZeros(4000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, int64(4000), sc.NBytes())
	assert.Less(t, sc.CBytes(), int64(100))

	out := bytes.Repeat([]byte{1}, 4000)
	_, err = sc.DecompressChunk(0, out)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4000), out)

	_, err = sc.AppendZeros(3)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestGetItems(t *testing.T) {
	t.Parallel()

	cp := int32Params(t, FilterStage{ID: FilterShuffle})
	cp.BlockSize = 256
	sc := newMemory(t, cp)
	sizes := []int{100, 250, 1, 400}
	start := 0
	for _, n := range sizes {
		_, err := sc.Append(testutil.RunningInt32(start, n))
		require.NoError(t, err)
		start += n
	}

	out := make([]byte, 300*4)
	n, err := sc.GetItems(90, 300, out)
	require.NoError(t, err)
	assert.Equal(t, 1200, n)
	assert.Equal(t, testutil.RunningInt32(90, 300), out)

	n, err = sc.GetItems(0, 751, make([]byte, 751*4))
	require.NoError(t, err)
	assert.Equal(t, 751*4, n)

	_, err = sc.GetItems(700, 52, make([]byte, 52*4))
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = sc.GetItems(0, 10, make([]byte, 39))
	require.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestPostFilter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	dp := DParams{
		NThreads: 3,
		PostFilter: func(p PostFilterParams) error {
			calls.Add(1)
			if p.Chunk != 1 {
				return nil
			}
			for i := range p.Data {
				p.Data[i]++
			}
			return nil
		},
	}
	cp := int32Params(t, FilterStage{ID: FilterDelta})
	cp.BlockSize = 1024
	sc, err := New(Storage{CParams: cp, DParams: dp}, WithEngine(testEngine(t)))
	require.NoError(t, err)
	defer sc.Close()

	data := testutil.Steps(1024, 0)
	_, err = sc.Append(data)
	require.NoError(t, err)
	_, err = sc.Append(data)
	require.NoError(t, err)

	out := make([]byte, len(data))
	_, err = sc.DecompressChunk(0, out)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Equal(t, int64(4), calls.Load())

	_, err = sc.DecompressChunk(1, out)
	require.NoError(t, err)
	for i := range out {
		require.Equal(t, data[i]+1, out[i])
	}
}

func TestFrameImageRoundTrip(t *testing.T) {
	t.Parallel()

	sc := newMemory(t, int32Params(t, FilterStage{ID: FilterShuffle}))
	require.NoError(t, sc.AddMetalayer("dims", []byte{2, 10, 20}))
	for k := range 3 {
		_, err := sc.Append(testutil.Steps(300, k))
		require.NoError(t, err)
	}
	require.NoError(t, sc.UpdateUsermeta([]byte(`{"units":"m"}`)))

	img, err := sc.Frame()
	require.NoError(t, err)

	back, err := OpenFrame(img, WithEngine(testEngine(t)))
	require.NoError(t, err)
	defer back.Close()
	assert.Equal(t, sc.NChunks(), back.NChunks())
	assert.Equal(t, sc.NBytes(), back.NBytes())
	assert.Equal(t, sc.CBytes(), back.CBytes())
	assert.Equal(t, sc.CParams(), back.CParams())
	for k := range 3 {
		assert.Equal(t, testutil.Steps(300, k), decompress(t, back, k))
	}
	meta, err := back.GetMetalayer("dims")
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 10, 20}, meta)
	um, err := back.Usermeta()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"units":"m"}`), um)

	img[len(img)/2] ^= 0xFF
	_, err = OpenFrame(img, WithEngine(testEngine(t)))
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func TestReadOnlyMemory(t *testing.T) {
	t.Parallel()

	sc := newMemory(t, int32Params(t), WithReadOnly(true))
	_, err := sc.Append(testutil.Steps(10, 0))
	require.ErrorIs(t, err, ErrReadOnly)
	require.ErrorIs(t, sc.AddMetalayer("m", nil), ErrReadOnly)
	require.ErrorIs(t, sc.UpdateUsermeta([]byte("x")), ErrReadOnly)
}

func TestClosed(t *testing.T) {
	t.Parallel()

	sc := newMemory(t, int32Params(t))
	_, err := sc.Append(testutil.Steps(10, 0))
	require.NoError(t, err)
	require.NoError(t, sc.Close())
	require.NoError(t, sc.Close())

	_, err = sc.Append(testutil.Steps(10, 0))
	require.ErrorIs(t, err, ErrClosed)
	_, err = sc.DecompressChunk(0, make([]byte, 40))
	require.ErrorIs(t, err, ErrClosed)
	_, err = sc.GetMetalayer("m")
	require.ErrorIs(t, err, ErrClosed)
	_, err = sc.Frame()
	require.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	cp := int32Params(t, FilterStage{ID: FilterShuffle})
	cp.BlockSize = 2048
	sc := newMemory(t, cp)
	for k := range 8 {
		_, err := sc.Append(testutil.Steps(4096, k*100))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for g := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := make([]byte, 4096*4)
			for r := range 20 {
				k := (g + r) % 8
				if _, err := sc.DecompressChunk(k, out); err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(out, testutil.Steps(4096, k*100)) {
					errs <- fmt.Errorf("chunk %d mismatch", k)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
