package frame

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/meigma/schunk/internal/schunktype"
)

// minRegion is the smallest index/trailer region allocated in a
// contiguous frame.
const minRegion = 4 << 10

// contiguousStore keeps a frame in a single file.
//
// Payloads are appended at the end of the file. The index and trailer of the
// committed state live in one of two regions; a commit writes the other
// region, syncs, then rewrites the fixed header to point at it. A region
// that is too small is abandoned and a new one of twice the needed size is
// allocated at the end of the file.
type contiguousStore struct {
	path string
	opts options

	mu        sync.RWMutex
	f         *os.File
	committed *State
	loc       location
	spare     location
	end       uint64
}

func createContiguous(path string, st *State, o options) (*contiguousStore, error) {
	if o.readOnly {
		return nil, errReadOnly(path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // caller-chosen path
	if err != nil {
		return nil, ioErr(err)
	}
	s := &contiguousStore{
		path:      path,
		opts:      o,
		f:         f,
		committed: &State{Meta: st.Meta},
		end:       HeaderSize,
	}
	if err := s.Commit(st); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	o.log().Debug("created contiguous frame", "path", path)
	return s, nil
}

func openContiguous(path string, o options) (*contiguousStore, error) {
	flag := os.O_RDWR
	if o.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, ioErr(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErr(err)
	}
	st, h, err := readState(f, info.Size(), false)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s := &contiguousStore{
		path:      path,
		opts:      o,
		f:         f,
		committed: st,
		loc:       h.loc,
		end:       max(uint64(info.Size()), h.loc.indexOff+h.loc.regionCap), //nolint:gosec // size is non-negative
	}
	o.log().Debug("opened contiguous frame", "path", path, "chunks", len(st.Index))
	return s, nil
}

func (s *contiguousStore) Layout() Layout { return schunktype.LayoutContiguous }

func (s *contiguousStore) Path() string { return s.path }

func (s *contiguousStore) State() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed.Clone()
}

func (s *contiguousStore) ReadChunk(e IndexEntry) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.f == nil {
		return nil, schunktype.ErrClosed
	}
	buf := make([]byte, e.Cbytes)
	if _, err := s.f.ReadAt(buf, int64(e.Offset)); err != nil { //nolint:gosec // offsets validated on open
		if err == io.EOF {
			return nil, corrupt("chunk payload at %d truncated", e.Offset)
		}
		return nil, ioErr(err)
	}
	if err := verifyPayload(buf, e); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *contiguousStore) WriteChunk(payload []byte) (IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return IndexEntry{}, err
	}
	off := s.end
	if _, err := s.f.WriteAt(payload, int64(off)); err != nil { //nolint:gosec // file offsets fit int64
		return IndexEntry{}, ioErr(err)
	}
	s.end += uint64(len(payload))
	return IndexEntry{
		Offset:   off,
		Cbytes:   uint32(len(payload)), //nolint:gosec // bounded by chunk.MaxBytes
		Checksum: xxhash.Sum64(payload),
	}, nil
}

func (s *contiguousStore) Commit(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}

	index := encodeIndex(st.Index)
	trailer := encodeTrailer(st)
	need := uint64(len(index) + len(trailer))

	next := s.spare
	if next.regionCap < need {
		next = location{indexOff: s.end, regionCap: max(2*need, minRegion)}
		s.end += next.regionCap
		// Extend the file so payloads appended later never land inside the region.
		if err := s.f.Truncate(int64(s.end)); err != nil { //nolint:gosec // file offsets fit int64
			return ioErr(err)
		}
	}
	next.trailerOff = next.indexOff + uint64(len(index))
	next.trailerLen = uint64(len(trailer))

	region := make([]byte, 0, need)
	region = append(region, index...)
	region = append(region, trailer...)
	if _, err := s.f.WriteAt(region, int64(next.indexOff)); err != nil { //nolint:gosec // file offsets fit int64
		return ioErr(err)
	}
	// Payloads and the new region must be durable before the header names them.
	if err := s.f.Sync(); err != nil {
		return ioErr(err)
	}
	if _, err := s.f.WriteAt(encodeHeader(st, false, next, index), 0); err != nil {
		return ioErr(err)
	}
	if err := s.f.Sync(); err != nil {
		return ioErr(err)
	}

	if dead := retired(s.committed.Index, st.Index); len(dead) > 0 {
		s.opts.log().Debug("retired chunk payloads", "path", s.path, "count", len(dead))
	}
	if s.loc.regionCap > 0 {
		s.spare = s.loc
	} else {
		s.spare = location{}
	}
	s.loc = next
	s.committed = st.Clone()
	return nil
}

func (s *contiguousStore) WriteMetalayer(st *State, i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if err := sameDirectory(s.committed, st, i); err != nil {
		return err
	}
	slots, _ := trailerLayout(st)
	m := st.Metalayers[i]
	buf := make([]byte, slotHeaderSize+m.Capacity)
	encodeSlot(buf, m)
	if _, err := s.f.WriteAt(buf, int64(s.loc.trailerOff)+int64(slots[i])); err != nil { //nolint:gosec // file offsets fit int64
		return ioErr(err)
	}
	if err := s.f.Sync(); err != nil {
		return ioErr(err)
	}
	s.committed.Metalayers[i].Content = append([]byte(nil), m.Content...)
	return nil
}

// Compact rewrites the file as a canonical image holding only live data.
func (s *contiguousStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}

	before := s.end
	err := writeImageFile(s.path, s.committed, func(i int) ([]byte, error) {
		e := s.committed.Index[i]
		buf := make([]byte, e.Cbytes)
		if _, err := s.f.ReadAt(buf, int64(e.Offset)); err != nil { //nolint:gosec // offsets validated on open
			return nil, ioErr(err)
		}
		return buf, nil
	})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return ioErr(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return ioErr(err)
	}
	out, h, err := readState(f, info.Size(), false)
	if err != nil {
		f.Close()
		return err
	}
	s.f.Close()
	s.f = f
	s.committed = out
	s.loc = h.loc
	s.spare = location{}
	s.end = uint64(info.Size()) //nolint:gosec // size is non-negative
	s.opts.log().Info("compacted frame", "path", s.path, "before", before, "after", s.end)
	return nil
}

func (s *contiguousStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return ioErr(err)
	}
	return nil
}

func (s *contiguousStore) writable() error {
	if s.f == nil {
		return schunktype.ErrClosed
	}
	if s.opts.readOnly {
		return errReadOnly(s.path)
	}
	return nil
}

// sameDirectory checks that st only differs from committed in the content
// of metalayer i.
func sameDirectory(committed, st *State, i int) error {
	if i < 0 || i >= len(st.Metalayers) {
		return fmt.Errorf("%w: metalayer %d of %d", schunktype.ErrOutOfRange, i, len(st.Metalayers))
	}
	if len(committed.Metalayers) != len(st.Metalayers) {
		return fmt.Errorf("%w: metalayer directory changed since last commit", schunktype.ErrConfiguration)
	}
	for j, m := range committed.Metalayers {
		if m.Name != st.Metalayers[j].Name || m.Capacity != st.Metalayers[j].Capacity {
			return fmt.Errorf("%w: metalayer directory changed since last commit", schunktype.ErrConfiguration)
		}
	}
	if len(st.Metalayers[i].Content) > st.Metalayers[i].Capacity {
		return fmt.Errorf("%w: metalayer %q content exceeds capacity %d",
			schunktype.ErrConfiguration, st.Metalayers[i].Name, st.Metalayers[i].Capacity)
	}
	return nil
}
