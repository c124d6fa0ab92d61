package schunk

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/schunk/internal/cache"
	"github.com/meigma/schunk/internal/frame"
	"github.com/meigma/schunk/internal/schunktype"
)

// SChunk is a super-chunk: an ordered sequence of independently compressed
// chunks of fixed-typesize data, plus named metalayers and a usermeta blob.
//
// A SChunk lives in memory or is backed by a frame on disk. Mutations block
// until they are durable. A SChunk has a single writer; reads may run
// concurrently with each other and with the writer.
type SChunk struct {
	cfg     config
	cparams CParams
	dparams DParams

	mu     sync.RWMutex
	closed bool
	store  frame.Store // nil = in memory
	state  *frame.State
	mem    [][]byte // in-memory payloads, parallel to state.Index
	nbytes int64
	cbytes int64

	cache *cache.Cache       // nil = no caching
	loads singleflight.Group // zero value is valid
}

// Stats summarizes a super-chunk.
type Stats struct {
	NChunks     int
	NBytes      int64
	CBytes      int64
	Ratio       float64
	CacheHits   int64
	CacheMisses int64
}

// log returns the logger, falling back to a discard logger if nil.
func (s *SChunk) log() *slog.Logger {
	if s.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.cfg.logger
}

// engine returns the configured engine or the process-wide one.
func (s *SChunk) engine() *Engine {
	if s.cfg.engine != nil {
		return s.cfg.engine
	}
	return Init()
}

func (s *SChunk) frameOpts() []frame.Option {
	return []frame.Option{
		frame.WithReadOnly(s.cfg.readOnly),
		frame.WithLogger(s.cfg.logger),
	}
}

// New creates an empty super-chunk. A non-empty storage.Path creates a
// frame there, which must not exist yet; a zero storage.CParams selects
// DefaultCParams.
func New(storage Storage, opts ...Option) (*SChunk, error) {
	s := &SChunk{cfg: newConfig(opts)}

	cp := storage.CParams
	if cp == (CParams{}) {
		cp = DefaultCParams()
	}
	cp, err := cp.normalize(s.engine().registry)
	if err != nil {
		return nil, err
	}
	dp, err := storage.DParams.normalize()
	if err != nil {
		return nil, err
	}
	s.cparams, s.dparams = cp, dp
	s.state = &frame.State{Meta: frameMeta(cp, dp)}

	if storage.Path == "" {
		s.log().Debug("created in-memory super-chunk", "typesize", cp.Typesize, "codec", cp.Codec.String())
		return s, nil
	}
	if s.cfg.readOnly {
		return nil, fmt.Errorf("%w: cannot create a read-only frame", schunktype.ErrConfiguration)
	}
	st, err := frame.Create(storage.Path, storage.Layout, s.state, s.frameOpts()...)
	if err != nil {
		return nil, err
	}
	s.attach(st, st.State())
	s.log().Debug("created super-chunk", "path", st.Path(), "layout", st.Layout().String())
	return s, nil
}

// Open attaches to the frame at path. A directory opens as a sharded frame
// and a file as a contiguous one. Header, index and trailer checksums are
// verified before Open returns.
func Open(path string, opts ...Option) (*SChunk, error) {
	s := &SChunk{cfg: newConfig(opts)}
	st, err := frame.Open(path, s.frameOpts()...)
	if err != nil {
		return nil, err
	}
	state := st.State()
	if err := s.restoreParams(state.Meta); err != nil {
		st.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s.attach(st, state)
	s.log().Debug("opened super-chunk", "path", st.Path(), "chunks", len(state.Index))
	return s, nil
}

// OpenFrame loads a contiguous frame image, such as one returned by Frame,
// into a new in-memory super-chunk. Every chunk checksum is verified.
func OpenFrame(data []byte, opts ...Option) (*SChunk, error) {
	s := &SChunk{cfg: newConfig(opts)}
	state, err := frame.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	if err := s.restoreParams(state.Meta); err != nil {
		return nil, err
	}
	s.mem = make([][]byte, len(state.Index))
	for i, e := range state.Index {
		p, err := frame.ImagePayload(data, e)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		s.mem[i] = bytes.Clone(p)
		state.Index[i].Offset = 0
	}
	s.state = state
	s.recount()
	return s, nil
}

// Remove deletes the frame at path. It is distinct from Close, which
// leaves the frame in place.
func Remove(path string) error {
	return frame.Remove(path)
}

func (s *SChunk) restoreParams(m frame.Meta) error {
	cp, dp, err := paramsFromMeta(m)
	if err != nil {
		return err
	}
	if cp, err = cp.normalize(s.engine().registry); err != nil {
		return err
	}
	if s.cfg.dparams != nil {
		dp = *s.cfg.dparams
	}
	if dp, err = dp.normalize(); err != nil {
		return err
	}
	s.cparams, s.dparams = cp, dp
	return nil
}

func (s *SChunk) attach(st frame.Store, state *frame.State) {
	s.store = st
	s.state = state
	s.recount()
	if s.cfg.cacheBytes > 0 {
		// New only fails for a non-positive size.
		s.cache, _ = cache.New(s.cfg.cacheBytes) //nolint:errcheck // size checked above
	}
}

func (s *SChunk) recount() {
	nbytes, cbytes := s.state.Totals()
	s.nbytes = int64(nbytes) //nolint:gosec // bounded by chunk count times MaxChunkSize
	s.cbytes = int64(cbytes) //nolint:gosec // bounded by chunk count times MaxChunkSize
}

// Close releases the backing frame. It does not delete it. Close is
// idempotent.
func (s *SChunk) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Purge()
	s.mem = nil
	if s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return err
	}
	s.log().Debug("closed super-chunk", "path", s.store.Path())
	return nil
}

// NChunks returns the number of chunks.
func (s *SChunk) NChunks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Index)
}

// NBytes returns the total uncompressed size of all chunks.
func (s *SChunk) NBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nbytes
}

// CBytes returns the total compressed size of all chunks.
func (s *SChunk) CBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cbytes
}

// Typesize returns the element width shared by all chunks.
func (s *SChunk) Typesize() int { return s.cparams.Typesize }

// CParams returns the compression parameters.
func (s *SChunk) CParams() CParams { return s.cparams }

// DParams returns the decompression parameters.
func (s *SChunk) DParams() DParams { return s.dparams }

// Path returns the frame path, or "" for an in-memory super-chunk.
func (s *SChunk) Path() string {
	if s.store == nil {
		return ""
	}
	return s.store.Path()
}

// Layout returns the frame layout. In-memory super-chunks report
// LayoutContiguous, the layout Frame produces.
func (s *SChunk) Layout() Layout {
	if s.store == nil {
		return LayoutContiguous
	}
	return s.store.Layout()
}

// Stats returns a summary of sizes and cache effectiveness.
func (s *SChunk) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		NChunks: len(s.state.Index),
		NBytes:  s.nbytes,
		CBytes:  s.cbytes,
	}
	if s.cbytes > 0 {
		st.Ratio = float64(s.nbytes) / float64(s.cbytes)
	}
	cs := s.cache.Stats()
	st.CacheHits, st.CacheMisses = cs.Hits, cs.Misses
	return st
}

// readable checks the container can serve reads. Caller holds s.mu.
func (s *SChunk) readable() error {
	if s.closed {
		return schunktype.ErrClosed
	}
	return nil
}

// writable checks the container accepts mutations. Caller holds s.mu.
func (s *SChunk) writable() error {
	if s.closed {
		return schunktype.ErrClosed
	}
	if s.cfg.readOnly {
		return schunktype.ErrReadOnly
	}
	return nil
}

// derive returns a copy of the state whose index may be modified.
func (s *SChunk) derive() *frame.State {
	return &frame.State{
		Meta:       s.state.Meta,
		Index:      append(make([]frame.IndexEntry, 0, len(s.state.Index)+1), s.state.Index...),
		Metalayers: s.state.Metalayers,
		Usermeta:   s.state.Usermeta,
		NextSlot:   s.state.NextSlot,
	}
}

// commit publishes next. mem holds the in-memory payloads for next and is
// ignored for persistent super-chunks. Caller holds s.mu for writing.
func (s *SChunk) commit(next *frame.State, mem [][]byte) error {
	if s.store != nil {
		if err := s.store.Commit(next); err != nil {
			return err
		}
	} else {
		s.mem = mem
	}
	s.state = next
	s.recount()
	return nil
}
