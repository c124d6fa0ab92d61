package frame

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/schunk/internal/schunktype"
)

func testMeta() Meta {
	return Meta{
		Typesize:  4,
		Codec:     schunktype.CodecZstd,
		Level:     5,
		CThreads:  2,
		BlockSize: 0,
		FilterIDs: [schunktype.MaxFilters]uint8{0, 0, 0, 0, 0, uint8(schunktype.FilterShuffle)},
		DThreads:  1,
	}
}

func checksumOf(b []byte) uint64 { return xxhash.Sum64(b) }

func payloadFor(i int) []byte {
	return bytes.Repeat([]byte{byte(i), byte(i + 1), 0xAB}, 50+i*10)
}

// appendChunks writes n payloads and commits them.
func appendChunks(t *testing.T, s Store, n int) *State {
	t.Helper()
	st := s.State()
	for i := range n {
		e, err := s.WriteChunk(payloadFor(len(st.Index)))
		require.NoError(t, err)
		e.Nbytes = uint32(1000 + i)
		st.Index = append(st.Index, e)
	}
	require.NoError(t, s.Commit(st))
	return st
}

func layouts() []Layout {
	return []Layout{schunktype.LayoutContiguous, schunktype.LayoutSharded}
}

func framePath(t *testing.T, layout Layout) string {
	t.Helper()
	if layout == schunktype.LayoutSharded {
		return filepath.Join(t.TempDir(), "frame.d")
	}
	return filepath.Join(t.TempDir(), "frame.b2f")
}

func TestCreateOpenRoundTrip(t *testing.T) {
	t.Parallel()

	for _, layout := range layouts() {
		t.Run(layout.String(), func(t *testing.T) {
			t.Parallel()
			path := framePath(t, layout)

			st := &State{
				Meta: testMeta(),
				Metalayers: []Metalayer{
					{Name: "ndim", Capacity: 16, Content: []byte{1, 2, 3}},
					{Name: "empty", Capacity: 4},
				},
				Usermeta: []byte("encoded usermeta"),
			}
			s, err := Create(path, layout, st)
			require.NoError(t, err)
			assert.Equal(t, layout, s.Layout())
			want := appendChunks(t, s, 5)
			require.NoError(t, s.Close())

			r, err := Open(path + string(filepath.Separator))
			require.NoError(t, err)
			defer r.Close()

			got := r.State()
			assert.Equal(t, layout, r.Layout())
			assert.Equal(t, testMeta(), got.Meta)
			assert.Equal(t, want.Index, got.Index)
			assert.Equal(t, st.Metalayers, got.Metalayers)
			assert.Equal(t, st.Usermeta, got.Usermeta)
			for i, e := range got.Index {
				data, err := r.ReadChunk(e)
				require.NoError(t, err)
				assert.Equal(t, payloadFor(i), data)
			}
		})
	}
}

func TestEmptyFrame(t *testing.T) {
	t.Parallel()

	for _, layout := range layouts() {
		t.Run(layout.String(), func(t *testing.T) {
			t.Parallel()
			path := framePath(t, layout)
			s, err := Create(path, layout, &State{Meta: testMeta()})
			require.NoError(t, err)
			require.NoError(t, s.Close())

			r, err := Open(path)
			require.NoError(t, err)
			defer r.Close()
			st := r.State()
			assert.Empty(t, st.Index)
			assert.Empty(t, st.Metalayers)
			assert.Nil(t, st.Usermeta)
		})
	}
}

func TestCreateExistingPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "taken")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err := Create(path, schunktype.LayoutContiguous, &State{Meta: testMeta()})
	require.ErrorIs(t, err, schunktype.ErrConfiguration)
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, schunktype.ErrOutOfRange)
}

func TestContiguousRegionReuse(t *testing.T) {
	t.Parallel()

	path := framePath(t, schunktype.LayoutContiguous)
	s, err := Create(path, schunktype.LayoutContiguous, &State{Meta: testMeta()})
	require.NoError(t, err)
	defer s.Close()
	appendChunks(t, s, 3)

	info, err := os.Stat(path)
	require.NoError(t, err)
	size := info.Size()

	// Repeated commits of the same state alternate between two regions.
	st := s.State()
	for range 50 {
		require.NoError(t, s.Commit(st))
	}
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), size+2*minRegion)

	r, err := Open(path, WithReadOnly(true))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, st.Index, r.State().Index)
}

func TestContiguousUncommittedWritesInvisible(t *testing.T) {
	t.Parallel()

	path := framePath(t, schunktype.LayoutContiguous)
	s, err := Create(path, schunktype.LayoutContiguous, &State{Meta: testMeta()})
	require.NoError(t, err)
	want := appendChunks(t, s, 2)

	// A payload written without a commit must not change the frame.
	_, err = s.WriteChunk([]byte("never committed"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, want.Index, r.State().Index)

	// Appending after reopen must not clobber the active region.
	next := appendChunks(t, r, 2)
	require.Len(t, next.Index, 4)
	for i, e := range next.Index {
		data, err := r.ReadChunk(e)
		require.NoError(t, err)
		assert.Equal(t, payloadFor(i), data)
	}
}

func TestWriteMetalayerInPlace(t *testing.T) {
	t.Parallel()

	for _, layout := range layouts() {
		t.Run(layout.String(), func(t *testing.T) {
			t.Parallel()
			path := framePath(t, layout)
			st := &State{
				Meta:       testMeta(),
				Metalayers: []Metalayer{{Name: "a", Capacity: 8, Content: []byte("1234")}, {Name: "b", Capacity: 2}},
				Usermeta:   []byte("um"),
			}
			s, err := Create(path, layout, st)
			require.NoError(t, err)
			appendChunks(t, s, 2)

			cur := s.State()
			cur.Metalayers[0].Content = []byte("abcdefgh")
			require.NoError(t, s.WriteMetalayer(cur, 0))

			cur.Metalayers[1].Content = []byte("xyz")
			require.ErrorIs(t, s.WriteMetalayer(cur, 1), schunktype.ErrConfiguration)
			require.ErrorIs(t, s.WriteMetalayer(cur, 2), schunktype.ErrOutOfRange)
			require.NoError(t, s.Close())

			r, err := Open(path)
			require.NoError(t, err)
			defer r.Close()
			got := r.State()
			assert.Equal(t, []byte("abcdefgh"), got.Metalayers[0].Content)
			assert.Empty(t, got.Metalayers[1].Content)
			assert.Equal(t, []byte("um"), got.Usermeta)
			assert.Len(t, got.Index, 2)
		})
	}
}

func TestReadOnly(t *testing.T) {
	t.Parallel()

	for _, layout := range layouts() {
		t.Run(layout.String(), func(t *testing.T) {
			t.Parallel()
			path := framePath(t, layout)
			s, err := Create(path, layout, &State{Meta: testMeta()})
			require.NoError(t, err)
			appendChunks(t, s, 1)
			require.NoError(t, s.Close())

			r, err := Open(path, WithReadOnly(true))
			require.NoError(t, err)
			defer r.Close()

			_, err = r.WriteChunk([]byte("x"))
			require.ErrorIs(t, err, schunktype.ErrReadOnly)
			require.ErrorIs(t, r.Commit(r.State()), schunktype.ErrReadOnly)
			require.ErrorIs(t, r.Compact(), schunktype.ErrReadOnly)

			data, err := r.ReadChunk(r.State().Index[0])
			require.NoError(t, err)
			assert.Equal(t, payloadFor(0), data)
		})
	}
}

func TestCorruptPayload(t *testing.T) {
	t.Parallel()

	path := framePath(t, schunktype.LayoutContiguous)
	s, err := Create(path, schunktype.LayoutContiguous, &State{Meta: testMeta()})
	require.NoError(t, err)
	st := appendChunks(t, s, 2)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xEE}, int64(st.Index[1].Offset)+3)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.ReadChunk(st.Index[0])
	require.NoError(t, err)
	_, err = r.ReadChunk(st.Index[1])
	require.ErrorIs(t, err, schunktype.ErrChecksumMismatch)
	require.ErrorIs(t, err, schunktype.ErrCorruptFrame)
}

func TestCorruptHeader(t *testing.T) {
	t.Parallel()

	path := framePath(t, schunktype.LayoutContiguous)
	s, err := Create(path, schunktype.LayoutContiguous, &State{Meta: testMeta()})
	require.NoError(t, err)
	appendChunks(t, s, 1)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte)
		want   error
	}{
		{"magic", func(b []byte) { b[0] = 'X' }, schunktype.ErrCorruptFrame},
		{"version", func(b []byte) { b[8] = Version + 1 }, schunktype.ErrVersionMismatch},
		{"checksum", func(b []byte) { b[50] ^= 0xFF }, schunktype.ErrChecksumMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := append([]byte(nil), data...)
			tt.mutate(b)
			p := filepath.Join(t.TempDir(), "frame")
			require.NoError(t, os.WriteFile(p, b, 0o600))
			_, err := Open(p)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err = DecodeImage(data[:HeaderSize-1])
	require.ErrorIs(t, err, schunktype.ErrCorruptFrame)
}

func TestImageRoundTrip(t *testing.T) {
	t.Parallel()

	st := &State{
		Meta:       testMeta(),
		Metalayers: []Metalayer{{Name: "dims", Capacity: 10, Content: []byte("xy")}},
		Usermeta:   []byte("user"),
	}
	payloads := make([][]byte, 4)
	for i := range payloads {
		payloads[i] = payloadFor(i)
		st.Index = append(st.Index, IndexEntry{
			Offset:   uint64(100 + i),
			Cbytes:   uint32(len(payloads[i])),
			Nbytes:   uint32(4096),
			Checksum: checksumOf(payloads[i]),
		})
	}

	img, out, err := Image(st, func(i int) ([]byte, error) { return payloads[i], nil })
	require.NoError(t, err)

	got, err := DecodeImage(img)
	require.NoError(t, err)
	assert.Equal(t, out.Index, got.Index)
	assert.Equal(t, st.Metalayers, got.Metalayers)
	assert.Equal(t, st.Usermeta, got.Usermeta)
	for i, e := range got.Index {
		p, err := ImagePayload(img, e)
		require.NoError(t, err)
		assert.Equal(t, payloads[i], p)
	}

	// The image is a valid contiguous frame on disk.
	path := filepath.Join(t.TempDir(), "image.b2f")
	require.NoError(t, os.WriteFile(path, img, 0o600))
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	next := appendChunks(t, s, 1)
	assert.Len(t, next.Index, 5)
}

func TestWriteImageRejectsBadPayload(t *testing.T) {
	t.Parallel()

	p := payloadFor(0)
	st := &State{Meta: testMeta(), Index: []IndexEntry{{Cbytes: uint32(len(p)), Checksum: checksumOf(p) + 1}}}
	_, _, err := Image(st, func(int) ([]byte, error) { return p, nil })
	require.ErrorIs(t, err, schunktype.ErrChecksumMismatch)
}

func TestContiguousCompact(t *testing.T) {
	t.Parallel()

	path := framePath(t, schunktype.LayoutContiguous)
	s, err := Create(path, schunktype.LayoutContiguous, &State{Meta: testMeta(), Usermeta: []byte("u")})
	require.NoError(t, err)
	defer s.Close()
	st := appendChunks(t, s, 6)

	// Drop every other chunk; their payloads become dead space.
	var kept []IndexEntry
	for i, e := range st.Index {
		if i%2 == 0 {
			kept = append(kept, e)
		}
	}
	st.Index = kept
	require.NoError(t, s.Commit(st))

	before, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, s.Compact())
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())

	got := s.State()
	require.Len(t, got.Index, 3)
	for i, e := range got.Index {
		data, err := s.ReadChunk(e)
		require.NoError(t, err)
		assert.Equal(t, payloadFor(2*i), data)
	}
	assert.Equal(t, []byte("u"), got.Usermeta)

	// The compacted file keeps accepting commits.
	next := appendChunks(t, s, 1)
	assert.Len(t, next.Index, 4)
}

func TestShardedRetiresSlots(t *testing.T) {
	t.Parallel()

	dir := framePath(t, schunktype.LayoutSharded)
	s, err := Create(dir, schunktype.LayoutSharded, &State{Meta: testMeta()})
	require.NoError(t, err)
	defer s.Close()
	st := appendChunks(t, s, 3)

	assert.FileExists(t, filepath.Join(dir, slotName(1)))
	st.Index = append(st.Index[:1], st.Index[2:]...)
	require.NoError(t, s.Commit(st))
	assert.NoFileExists(t, filepath.Join(dir, slotName(1)))

	// Slot numbers keep growing after a delete.
	next := appendChunks(t, s, 1)
	assert.Equal(t, uint64(3), next.Index[2].Offset)
}

func TestShardedCollectsOrphans(t *testing.T) {
	t.Parallel()

	dir := framePath(t, schunktype.LayoutSharded)
	s, err := Create(dir, schunktype.LayoutSharded, &State{Meta: testMeta()})
	require.NoError(t, err)
	st := appendChunks(t, s, 2)
	_, err = s.WriteChunk([]byte("orphan"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".schunk-123"), []byte("tmp"), 0o600))

	// Read-only opens leave the directory alone.
	r, err := Open(dir, WithReadOnly(true))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.FileExists(t, filepath.Join(dir, slotName(2)))

	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()
	assert.NoFileExists(t, filepath.Join(dir, slotName(2)))
	assert.NoFileExists(t, filepath.Join(dir, ".schunk-123"))
	assert.Equal(t, st.Index, w.State().Index)

	// Collected slot numbers are free again.
	next := appendChunks(t, w, 1)
	assert.Equal(t, uint64(2), next.Index[2].Offset)
}

func TestShardedMissingShard(t *testing.T) {
	t.Parallel()

	dir := framePath(t, schunktype.LayoutSharded)
	s, err := Create(dir, schunktype.LayoutSharded, &State{Meta: testMeta()})
	require.NoError(t, err)
	st := appendChunks(t, s, 1)
	require.NoError(t, s.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, slotName(0))))

	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.ReadChunk(st.Index[0])
	require.ErrorIs(t, err, schunktype.ErrCorruptFrame)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	for _, layout := range layouts() {
		t.Run(layout.String(), func(t *testing.T) {
			t.Parallel()
			path := framePath(t, layout)
			s, err := Create(path, layout, &State{Meta: testMeta()})
			require.NoError(t, err)
			appendChunks(t, s, 2)
			require.NoError(t, s.Close())

			require.NoError(t, Remove(path+"/"))
			assert.NoFileExists(t, path)
			assert.NoDirExists(t, path)
			require.ErrorIs(t, Remove(path), schunktype.ErrOutOfRange)
		})
	}
}

func TestRemoveRefusesPlainDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.ErrorIs(t, Remove(dir), schunktype.ErrConfiguration)
	assert.DirExists(t, dir)
}

func TestClosedStore(t *testing.T) {
	t.Parallel()

	for _, layout := range layouts() {
		t.Run(layout.String(), func(t *testing.T) {
			t.Parallel()
			s, err := Create(framePath(t, layout), layout, &State{Meta: testMeta()})
			require.NoError(t, err)
			st := appendChunks(t, s, 1)
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())

			_, err = s.ReadChunk(st.Index[0])
			require.ErrorIs(t, err, schunktype.ErrClosed)
			_, err = s.WriteChunk([]byte("x"))
			require.ErrorIs(t, err, schunktype.ErrClosed)
		})
	}
}

func TestValidateName(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateName("b2nd"))
	require.ErrorIs(t, ValidateName(""), schunktype.ErrConfiguration)
	require.ErrorIs(t, ValidateName(string(bytes.Repeat([]byte("n"), MaxNameLen+1))), schunktype.ErrConfiguration)
}
