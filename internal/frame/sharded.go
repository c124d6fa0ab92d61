package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/meigma/schunk/internal/schunktype"
)

const (
	indexFileName = "frame.idx"
	chunkSuffix   = ".chunk"
)

// shardedStore keeps a frame as a directory: frame.idx holds the header,
// index and trailer, and every chunk payload lives in its own slot file.
//
// Slot numbers only grow within a committed history. frame.idx is replaced
// atomically, so a crash leaves either the old or the new index; slot files
// no index references are collected on the next writable open.
type shardedStore struct {
	dir  string
	opts options

	mu        sync.RWMutex
	closed    bool
	committed *State
	nextSlot  uint64
}

func slotName(slot uint64) string {
	return fmt.Sprintf("%08x%s", slot, chunkSuffix)
}

func parseSlotName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, chunkSuffix)
	if !ok {
		return 0, false
	}
	slot, err := strconv.ParseUint(base, 16, 64)
	if err != nil {
		return 0, false
	}
	return slot, true
}

func createSharded(dir string, st *State, o options) (*shardedStore, error) {
	if o.readOnly {
		return nil, errReadOnly(dir)
	}
	if err := os.Mkdir(dir, 0o750); err != nil {
		return nil, ioErr(err)
	}
	s := &shardedStore{
		dir:       dir,
		opts:      o,
		committed: &State{Meta: st.Meta},
		nextSlot:  st.NextSlot,
	}
	if err := s.Commit(st); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	o.log().Debug("created sharded frame", "path", dir)
	return s, nil
}

func openSharded(dir string, o options) (*shardedStore, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", dir, corrupt("missing %s", indexFileName))
		}
		return nil, ioErr(err)
	}
	st, _, err := readState(bytes.NewReader(data), int64(len(data)), true)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	for i, e := range st.Index {
		if e.Offset >= st.NextSlot {
			return nil, corrupt("chunk %d slot %d beyond next slot %d", i, e.Offset, st.NextSlot)
		}
	}
	s := &shardedStore{
		dir:       dir,
		opts:      o,
		committed: st,
		nextSlot:  st.NextSlot,
	}
	if !o.readOnly {
		if err := s.collectOrphans(); err != nil {
			return nil, err
		}
	}
	o.log().Debug("opened sharded frame", "path", dir, "chunks", len(st.Index))
	return s, nil
}

// collectOrphans removes slot and temp files left by an interrupted update.
func (s *shardedStore) collectOrphans() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ioErr(err)
	}
	live := make(map[uint64]struct{}, len(s.committed.Index))
	for _, e := range s.committed.Index {
		live[e.Offset] = struct{}{}
	}
	for _, de := range entries {
		name := de.Name()
		orphan := strings.HasPrefix(name, strings.TrimSuffix(tempPattern, "*"))
		if slot, ok := parseSlotName(name); ok {
			_, used := live[slot]
			orphan = !used
		}
		if !orphan {
			continue
		}
		s.opts.log().Warn("removing orphaned shard file", "path", s.dir, "file", name)
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ioErr(err)
		}
	}
	return nil
}

func (s *shardedStore) Layout() Layout { return schunktype.LayoutSharded }

func (s *shardedStore) Path() string { return s.dir }

func (s *shardedStore) State() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed.Clone()
}

func (s *shardedStore) ReadChunk(e IndexEntry) ([]byte, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, schunktype.ErrClosed
	}
	data, err := os.ReadFile(filepath.Join(s.dir, slotName(e.Offset)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, corrupt("missing shard %s", slotName(e.Offset))
		}
		return nil, ioErr(err)
	}
	if err := verifyPayload(data, e); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *shardedStore) WriteChunk(payload []byte) (IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return IndexEntry{}, err
	}
	slot := s.nextSlot
	if err := writeFileAtomic(filepath.Join(s.dir, slotName(slot)), payload); err != nil {
		return IndexEntry{}, ioErr(err)
	}
	s.nextSlot++
	return IndexEntry{
		Offset:   slot,
		Cbytes:   uint32(len(payload)), //nolint:gosec // bounded by chunk.MaxBytes
		Checksum: xxhash.Sum64(payload),
	}, nil
}

func (s *shardedStore) Commit(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	return s.commitLocked(st)
}

func (s *shardedStore) commitLocked(st *State) error {
	next := st.Clone()
	next.NextSlot = max(s.nextSlot, next.NextSlot)

	index := encodeIndex(next.Index)
	trailer := encodeTrailer(next)
	loc := location{
		indexOff:   HeaderSize,
		trailerOff: HeaderSize + uint64(len(index)),
		trailerLen: uint64(len(trailer)),
	}
	buf := make([]byte, 0, HeaderSize+len(index)+len(trailer))
	buf = append(buf, encodeHeader(next, true, loc, index)...)
	buf = append(buf, index...)
	buf = append(buf, trailer...)
	if err := writeFileAtomic(filepath.Join(s.dir, indexFileName), buf); err != nil {
		return ioErr(err)
	}

	for _, e := range retired(s.committed.Index, next.Index) {
		if err := os.Remove(filepath.Join(s.dir, slotName(e.Offset))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			// The commit stands; the next writable open collects the file.
			s.opts.log().Warn("failed to remove retired shard", "path", s.dir, "slot", e.Offset, "error", err)
		}
	}
	s.committed = next
	s.nextSlot = next.NextSlot
	return nil
}

// WriteMetalayer rewrites frame.idx; the replacement is atomic for sharded
// frames.
func (s *shardedStore) WriteMetalayer(st *State, i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if err := sameDirectory(s.committed, st, i); err != nil {
		return err
	}
	next := s.committed.Clone()
	next.Metalayers[i].Content = append([]byte(nil), st.Metalayers[i].Content...)
	return s.commitLocked(next)
}

// Compact is a no-op for sharded frames: retired slots are removed at
// commit time.
func (s *shardedStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable()
}

func (s *shardedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *shardedStore) writable() error {
	if s.closed {
		return schunktype.ErrClosed
	}
	if s.opts.readOnly {
		return errReadOnly(s.dir)
	}
	return nil
}
