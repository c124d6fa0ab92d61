package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/schunk/internal/schunktype"
)

func TestIndexRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 7, 1000} {
		entries := make([]IndexEntry, n)
		for i := range entries {
			entries[i] = IndexEntry{
				Offset:   uint64(HeaderSize + i*4096),
				Cbytes:   uint32(100 + i),
				Nbytes:   uint32(4000 + i),
				Checksum: uint64(i) * 0x9E3779B97F4A7C15,
			}
		}
		data := encodeIndex(entries)
		got, err := decodeIndex(data, n)
		require.NoError(t, err, "n=%d", n)
		if n == 0 {
			assert.Empty(t, got)
			continue
		}
		assert.Equal(t, entries, got)
	}
}

func TestIndexLengthIndependentOfValues(t *testing.T) {
	t.Parallel()

	zero := make([]IndexEntry, 33)
	full := make([]IndexEntry, 33)
	for i := range full {
		full[i] = IndexEntry{Offset: ^uint64(0), Cbytes: ^uint32(0), Nbytes: 1, Checksum: ^uint64(0)}
	}
	assert.Len(t, encodeIndex(full), len(encodeIndex(zero)))
}

func TestDecodeIndexRejectsMalformed(t *testing.T) {
	t.Parallel()

	data := encodeIndex(make([]IndexEntry, 3))

	tests := []struct {
		name string
		data []byte
		n    int
	}{
		{"count mismatch", data, 2},
		{"count too large", data, 1 << 40},
		{"truncated", data[:len(data)/2], 3},
		{"too short", []byte{1, 2}, 0},
		{"bad root", []byte{0xFF, 0xFF, 0xFF, 0x7F, 0, 0, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := decodeIndex(tt.data, tt.n)
			assert.ErrorIs(t, err, schunktype.ErrCorruptFrame)
		})
	}
}
