// Package frame persists a super-chunk as a contiguous file or a sharded
// directory.
//
// Header (HeaderSize bytes, little endian):
//
//	0   magic "SCHUNKFR"
//	8   version          u8
//	9   flags            u8  (sharded, usermeta, metalayers)
//	10  metalayer count  u16
//	12  typesize         u32
//	16  codec            u8
//	17  level            u8
//	18  cthreads         u16
//	20  blocksize        u32
//	24  filter ids       [6]u8
//	30  filter metas     [6]u8
//	36  dthreads         u16
//	38  reserved         u16
//	40  nchunks          u64
//	48  nbytes           u64
//	56  cbytes           u64
//	64  index offset     u64
//	72  trailer offset   u64
//	80  trailer length   u64
//	88  region capacity  u64
//	96  next slot        u64
//	104 index checksum   u64
//	112 index length     u64
//	120 metalayer directory, MaxMetalayers x {name len u8, name [31]u8, capacity u32, slot offset u32}
//	760 header checksum  u64 (xxhash64 of bytes 0..760)
//
// The chunk index is a FlatBuffers Index table (see internal/fb) holding a
// vector of {offset, cbytes, nbytes, checksum} structs. The trailer
// holds one slot per metalayer ({length u32, checksum u64, capacity bytes})
// followed by the usermeta section ({length u32, bytes}) and the usermeta
// checksum u64.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/meigma/schunk/internal/fb"
	"github.com/meigma/schunk/internal/schunktype"
	"github.com/meigma/schunk/internal/sizing"
)

// Magic identifies a frame header.
const Magic = "SCHUNKFR"

// Version is the frame format version written by this package.
const Version = 1

// Limits on metalayers.
const (
	MaxMetalayers = 16
	MaxNameLen    = 31
)

// Layout sizes.
const (
	fixedSize      = 120
	dirEntrySize   = 40
	headerSumAt    = fixedSize + MaxMetalayers*dirEntrySize
	HeaderSize     = headerSumAt + 8
	IndexEntrySize = 24
	slotHeaderSize = 12
)

const (
	flagSharded    = 1 << 0
	flagUsermeta   = 1 << 1
	flagMetalayers = 1 << 2
)

// Layout is an alias for schunktype.Layout.
type Layout = schunktype.Layout

// Meta is the default parameter snapshot stored in the header.
type Meta struct {
	Typesize    int
	Codec       schunktype.CodecID
	Level       int
	CThreads    int
	BlockSize   int
	FilterIDs   [schunktype.MaxFilters]uint8
	FilterMetas [schunktype.MaxFilters]uint8
	DThreads    int
}

// IndexEntry locates one chunk payload.
type IndexEntry struct {
	// Offset is the absolute file offset of the payload for contiguous
	// frames, or the shard slot number for sharded frames.
	Offset   uint64
	Cbytes   uint32
	Nbytes   uint32
	Checksum uint64
}

// Metalayer is a named fixed-capacity metadata slot.
type Metalayer struct {
	Name     string
	Capacity int
	Content  []byte
}

// State is everything a frame records apart from chunk payloads.
type State struct {
	Meta       Meta
	Index      []IndexEntry
	Metalayers []Metalayer
	// Usermeta is the encoded usermeta chunk, or nil.
	Usermeta []byte
	// NextSlot is the next unused shard slot number.
	NextSlot uint64
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := &State{
		Meta:       s.Meta,
		Index:      append([]IndexEntry(nil), s.Index...),
		Metalayers: make([]Metalayer, len(s.Metalayers)),
		NextSlot:   s.NextSlot,
	}
	if s.Usermeta != nil {
		c.Usermeta = append([]byte(nil), s.Usermeta...)
	}
	for i, m := range s.Metalayers {
		c.Metalayers[i] = Metalayer{Name: m.Name, Capacity: m.Capacity, Content: append([]byte(nil), m.Content...)}
	}
	return c
}

// Totals returns the summed uncompressed and compressed sizes of the index.
func (s *State) Totals() (nbytes, cbytes uint64) {
	for _, e := range s.Index {
		nbytes += uint64(e.Nbytes)
		cbytes += uint64(e.Cbytes)
	}
	return nbytes, cbytes
}

// location records where the index and trailer of a committed state live.
type location struct {
	indexOff   uint64
	trailerOff uint64
	trailerLen uint64
	// regionCap is the reusable capacity starting at indexOff, or 0 when
	// the index and trailer are not held in a reusable region.
	regionCap uint64
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{schunktype.ErrCorruptFrame}, args...)...)
}

func checksumErr(what string) error {
	return fmt.Errorf("%w: %w: %s", schunktype.ErrCorruptFrame, schunktype.ErrChecksumMismatch, what)
}

// ValidateName reports whether name can be stored in the metalayer directory.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLen {
		return fmt.Errorf("%w: metalayer name %q must be 1..%d bytes", schunktype.ErrConfiguration, name, MaxNameLen)
	}
	return nil
}

// trailerLayout computes the slot offsets of each metalayer within the
// trailer and the total trailer length.
func trailerLayout(st *State) (slots []int, size int) {
	slots = make([]int, len(st.Metalayers))
	off := 0
	for i, m := range st.Metalayers {
		slots[i] = off
		off += slotHeaderSize + m.Capacity
	}
	return slots, off + 4 + len(st.Usermeta) + 8
}

func encodeSlot(dst []byte, m Metalayer) {
	le := binary.LittleEndian
	le.PutUint32(dst, uint32(len(m.Content))) //nolint:gosec // bounded by capacity
	le.PutUint64(dst[4:], xxhash.Sum64(m.Content))
	clear(dst[slotHeaderSize : slotHeaderSize+m.Capacity])
	copy(dst[slotHeaderSize:], m.Content)
}

func encodeTrailer(st *State) []byte {
	slots, size := trailerLayout(st)
	out := make([]byte, size)
	for i, m := range st.Metalayers {
		encodeSlot(out[slots[i]:], m)
	}
	um := size - 8 - 4 - len(st.Usermeta)
	binary.LittleEndian.PutUint32(out[um:], uint32(len(st.Usermeta))) //nolint:gosec // bounded by chunk.MaxBytes
	copy(out[um+4:], st.Usermeta)
	binary.LittleEndian.PutUint64(out[size-8:], xxhash.Sum64(out[um:size-8]))
	return out
}

// encodeIndex builds the FlatBuffers chunk index. Its length depends only
// on the number of entries.
func encodeIndex(entries []IndexEntry) []byte {
	builder := flatbuffers.NewBuilder(64 + len(entries)*IndexEntrySize)

	// Structs are prepended, so walk the entries backwards.
	fb.IndexStartEntriesVector(builder, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fb.CreateChunkEntry(builder, e.Offset, e.Cbytes, e.Nbytes, e.Checksum)
	}
	vec := builder.EndVector(len(entries))

	fb.IndexStart(builder)
	fb.IndexAddEntries(builder, vec)
	fb.FinishIndexBuffer(builder, fb.IndexEnd(builder))
	return builder.FinishedBytes()
}

// decodeIndex reads n entries from a FlatBuffers chunk index.
func decodeIndex(data []byte, n int) (out []IndexEntry, err error) {
	need, ok := sizing.MulInt(n, IndexEntrySize)
	if !ok || len(data) < 2*flatbuffers.SizeUOffsetT || need > len(data) {
		return nil, corrupt("chunk index of %d bytes cannot hold %d entries", len(data), n)
	}
	// FlatBuffers accessors panic on out-of-range offsets.
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, corrupt("malformed chunk index: %v", r)
		}
	}()

	root := fb.GetRootAsIndex(data, 0)
	if got := root.EntriesLength(); got != n {
		return nil, corrupt("chunk index holds %d entries, header says %d", got, n)
	}
	out = make([]IndexEntry, n)
	var e fb.ChunkEntry
	for i := range out {
		root.Entries(&e, i)
		out[i] = IndexEntry{
			Offset:   e.Offset(),
			Cbytes:   e.Cbytes(),
			Nbytes:   e.Nbytes(),
			Checksum: e.Checksum(),
		}
	}
	return out, nil
}

func encodeHeader(st *State, sharded bool, loc location, index []byte) []byte {
	out := make([]byte, HeaderSize)
	le := binary.LittleEndian
	copy(out, Magic)
	out[8] = Version
	var flags byte
	if sharded {
		flags |= flagSharded
	}
	if st.Usermeta != nil {
		flags |= flagUsermeta
	}
	if len(st.Metalayers) > 0 {
		flags |= flagMetalayers
	}
	out[9] = flags
	le.PutUint16(out[10:], uint16(len(st.Metalayers))) //nolint:gosec // bounded by MaxMetalayers

	m := st.Meta
	le.PutUint32(out[12:], uint32(m.Typesize)) //nolint:gosec // validated typesize
	out[16] = byte(m.Codec)
	out[17] = byte(m.Level)                     //nolint:gosec // validated level
	le.PutUint16(out[18:], uint16(m.CThreads))  //nolint:gosec // clamped by caller
	le.PutUint32(out[20:], uint32(m.BlockSize)) //nolint:gosec // validated block size
	copy(out[24:30], m.FilterIDs[:])
	copy(out[30:36], m.FilterMetas[:])
	le.PutUint16(out[36:], uint16(m.DThreads)) //nolint:gosec // clamped by caller

	nbytes, cbytes := st.Totals()
	le.PutUint64(out[40:], uint64(len(st.Index)))
	le.PutUint64(out[48:], nbytes)
	le.PutUint64(out[56:], cbytes)
	le.PutUint64(out[64:], loc.indexOff)
	le.PutUint64(out[72:], loc.trailerOff)
	le.PutUint64(out[80:], loc.trailerLen)
	le.PutUint64(out[88:], loc.regionCap)
	le.PutUint64(out[96:], st.NextSlot)
	le.PutUint64(out[104:], xxhash.Sum64(index))
	le.PutUint64(out[112:], uint64(len(index)))

	slots, _ := trailerLayout(st)
	for i, ml := range st.Metalayers {
		d := out[fixedSize+i*dirEntrySize:]
		d[0] = byte(len(ml.Name))
		copy(d[1:1+MaxNameLen], ml.Name)
		le.PutUint32(d[32:], uint32(ml.Capacity)) //nolint:gosec // bounded by chunk.MaxBytes
		le.PutUint32(d[36:], uint32(slots[i]))    //nolint:gosec // bounded by trailer size
	}
	le.PutUint64(out[headerSumAt:], xxhash.Sum64(out[:headerSumAt]))
	return out
}

// header is a decoded, checksum-verified frame header.
type header struct {
	sharded  bool
	usermeta bool
	meta     Meta
	nchunks  int
	nbytes   uint64
	cbytes   uint64
	loc      location
	nextSlot uint64
	indexSum uint64
	indexLen int
	names    []string
	caps     []int
	slotOffs []int
}

func decodeHeader(b []byte) (*header, error) {
	if len(b) < HeaderSize {
		return nil, corrupt("header of %d bytes, want %d", len(b), HeaderSize)
	}
	if string(b[:8]) != Magic {
		return nil, corrupt("bad magic %q", b[:8])
	}
	if b[8] != Version {
		return nil, fmt.Errorf("%w: frame version %d, supported %d", schunktype.ErrVersionMismatch, b[8], Version)
	}
	le := binary.LittleEndian
	if xxhash.Sum64(b[:headerSumAt]) != le.Uint64(b[headerSumAt:]) {
		return nil, checksumErr("frame header")
	}

	h := &header{
		sharded:  b[9]&flagSharded != 0,
		usermeta: b[9]&flagUsermeta != 0,
		meta: Meta{
			Typesize:  int(le.Uint32(b[12:])),
			Codec:     schunktype.CodecID(b[16]),
			Level:     int(b[17]),
			CThreads:  int(le.Uint16(b[18:])),
			BlockSize: int(le.Uint32(b[20:])),
			DThreads:  int(le.Uint16(b[36:])),
		},
		nbytes: le.Uint64(b[48:]),
		cbytes: le.Uint64(b[56:]),
		loc: location{
			indexOff:   le.Uint64(b[64:]),
			trailerOff: le.Uint64(b[72:]),
			trailerLen: le.Uint64(b[80:]),
			regionCap:  le.Uint64(b[88:]),
		},
		nextSlot: le.Uint64(b[96:]),
		indexSum: le.Uint64(b[104:]),
	}
	copy(h.meta.FilterIDs[:], b[24:30])
	copy(h.meta.FilterMetas[:], b[30:36])

	nchunks, err := sizing.ToInt(le.Uint64(b[40:]), schunktype.ErrSizeOverflow)
	if err != nil {
		return nil, corrupt("chunk count: %v", err)
	}
	h.nchunks = nchunks
	if h.indexLen, err = sizing.ToInt(le.Uint64(b[112:]), schunktype.ErrSizeOverflow); err != nil {
		return nil, corrupt("index length: %v", err)
	}
	if _, err := sizing.ToInt64(h.nbytes, schunktype.ErrSizeOverflow); err != nil {
		return nil, corrupt("uncompressed total: %v", err)
	}
	if _, err := sizing.ToInt64(h.cbytes, schunktype.ErrSizeOverflow); err != nil {
		return nil, corrupt("compressed total: %v", err)
	}

	count := int(le.Uint16(b[10:]))
	if count > MaxMetalayers {
		return nil, corrupt("%d metalayers exceeds %d", count, MaxMetalayers)
	}
	for i := range count {
		d := b[fixedSize+i*dirEntrySize:]
		n := int(d[0])
		if n == 0 || n > MaxNameLen {
			return nil, corrupt("metalayer %d name length %d", i, n)
		}
		h.names = append(h.names, string(d[1:1+n]))
		h.caps = append(h.caps, int(le.Uint32(d[32:])))
		h.slotOffs = append(h.slotOffs, int(le.Uint32(d[36:])))
	}
	return h, nil
}

// decodeBody rebuilds the state from the index and trailer bytes the
// header points to, verifying their checksums.
func (h *header) decodeBody(index, trailer []byte) (*State, error) {
	if xxhash.Sum64(index) != h.indexSum {
		return nil, checksumErr("chunk index")
	}
	entries, err := decodeIndex(index, h.nchunks)
	if err != nil {
		return nil, err
	}
	st := &State{
		Meta:     h.meta,
		Index:    entries,
		NextSlot: h.nextSlot,
	}
	nbytes, cbytes := st.Totals()
	if nbytes != h.nbytes || cbytes != h.cbytes {
		return nil, corrupt("index totals %d/%d do not match header %d/%d", nbytes, cbytes, h.nbytes, h.cbytes)
	}

	le := binary.LittleEndian
	end := 0
	for i, name := range h.names {
		off, capacity := h.slotOffs[i], h.caps[i]
		if off < 0 || capacity < 0 || off+slotHeaderSize+capacity > len(trailer) {
			return nil, corrupt("metalayer %q slot overruns trailer", name)
		}
		slot := trailer[off:]
		n := int(le.Uint32(slot))
		if n > capacity {
			return nil, corrupt("metalayer %q length %d exceeds capacity %d", name, n, capacity)
		}
		content := append([]byte(nil), slot[slotHeaderSize:slotHeaderSize+n]...)
		if xxhash.Sum64(content) != le.Uint64(slot[4:]) {
			return nil, checksumErr("metalayer " + name)
		}
		st.Metalayers = append(st.Metalayers, Metalayer{Name: name, Capacity: capacity, Content: content})
		end = max(end, off+slotHeaderSize+capacity)
	}

	if len(trailer) < end+4+8 {
		return nil, corrupt("trailer of %d bytes too short", len(trailer))
	}
	n := int(le.Uint32(trailer[end:]))
	if n != len(trailer)-end-4-8 {
		return nil, corrupt("usermeta length %d does not fit trailer", n)
	}
	if xxhash.Sum64(trailer[end:len(trailer)-8]) != le.Uint64(trailer[len(trailer)-8:]) {
		return nil, checksumErr("trailer")
	}
	if h.usermeta {
		st.Usermeta = append([]byte(nil), trailer[end+4:end+4+n]...)
	}
	return st, nil
}
