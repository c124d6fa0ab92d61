package schunk

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/meigma/schunk/internal/cache"
	"github.com/meigma/schunk/internal/chunk"
	"github.com/meigma/schunk/internal/frame"
	"github.com/meigma/schunk/internal/schunktype"
)

// Append compresses buf into a new chunk at the end and returns the new
// chunk count. len(buf) must be a multiple of the typesize.
func (s *SChunk) Append(buf []byte) (int, error) {
	payload, err := s.encode(buf)
	if err != nil {
		return 0, err
	}
	return s.insertPayload(-1, payload, len(buf))
}

// AppendChunk appends an already compressed chunk, such as one returned by
// GetChunk. Its typesize must match.
func (s *SChunk) AppendChunk(data []byte) (int, error) {
	c, err := s.checkChunk(data)
	if err != nil {
		return 0, err
	}
	return s.insertPayload(-1, bytes.Clone(data), c.Nbytes())
}

// AppendZeros appends a chunk of nbytes zeros that stores no block data.
func (s *SChunk) AppendZeros(nbytes int) (int, error) {
	payload, err := chunk.Zeros(nbytes, s.cparams.chunkParams(s.engine().registry))
	if err != nil {
		return 0, err
	}
	return s.insertPayload(-1, payload, nbytes)
}

// Insert compresses buf into a new chunk at index i, shifting later chunks
// up, and returns the new chunk count. i may equal NChunks.
func (s *SChunk) Insert(i int, buf []byte) (int, error) {
	if i < 0 {
		return 0, fmt.Errorf("%w: insert position %d", schunktype.ErrOutOfRange, i)
	}
	payload, err := s.encode(buf)
	if err != nil {
		return 0, err
	}
	return s.insertPayload(i, payload, len(buf))
}

// InsertChunk inserts an already compressed chunk at index i.
func (s *SChunk) InsertChunk(i int, data []byte) (int, error) {
	if i < 0 {
		return 0, fmt.Errorf("%w: insert position %d", schunktype.ErrOutOfRange, i)
	}
	c, err := s.checkChunk(data)
	if err != nil {
		return 0, err
	}
	return s.insertPayload(i, bytes.Clone(data), c.Nbytes())
}

// Update replaces chunk i with a new chunk compressed from buf.
func (s *SChunk) Update(i int, buf []byte) error {
	payload, err := s.encode(buf)
	if err != nil {
		return err
	}
	return s.replacePayload(i, payload, len(buf))
}

// UpdateChunk replaces chunk i with an already compressed chunk.
func (s *SChunk) UpdateChunk(i int, data []byte) error {
	c, err := s.checkChunk(data)
	if err != nil {
		return err
	}
	return s.replacePayload(i, bytes.Clone(data), c.Nbytes())
}

// Delete removes chunk i, shifting later chunks down, and returns the new
// chunk count.
func (s *SChunk) Delete(i int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return 0, err
	}
	if err := s.checkIndex(i); err != nil {
		return 0, err
	}
	next := s.derive()
	next.Index = slices.Delete(next.Index, i, i+1)
	var mem [][]byte
	if s.store == nil {
		mem = slices.Delete(slices.Clone(s.mem), i, i+1)
	}
	if err := s.commit(next, mem); err != nil {
		return 0, err
	}
	s.log().Debug("deleted chunk", "index", i, "chunks", len(next.Index))
	return len(next.Index), nil
}

// DecompressChunk decompresses chunk i into dst and returns the number of
// bytes written, which is the chunk's uncompressed size.
func (s *SChunk) DecompressChunk(i int, dst []byte) (int, error) {
	c, err := s.chunkAt(i)
	if err != nil {
		return 0, err
	}
	opts, err := s.decodeOptions(i)
	if err != nil {
		return 0, err
	}
	n, err := c.Decode(dst, opts)
	if err != nil {
		return 0, fmt.Errorf("chunk %d: %w", i, err)
	}
	return n, nil
}

// DecompressRange decompresses bytes [start, start+n) of chunk i into dst,
// touching only the blocks that hold them.
func (s *SChunk) DecompressRange(i, start, n int, dst []byte) (int, error) {
	c, err := s.chunkAt(i)
	if err != nil {
		return 0, err
	}
	opts, err := s.decodeOptions(i)
	if err != nil {
		return 0, err
	}
	w, err := c.DecodeRange(dst, start, n, opts)
	if err != nil {
		return 0, fmt.Errorf("chunk %d: %w", i, err)
	}
	return w, nil
}

// GetItems decompresses n elements starting at element start of the whole
// super-chunk into dst, crossing chunk boundaries as needed. It returns the
// number of bytes written.
func (s *SChunk) GetItems(start, n int, dst []byte) (int, error) {
	ts := s.cparams.Typesize
	if start < 0 || n < 0 {
		return 0, fmt.Errorf("%w: items [%d, %d)", schunktype.ErrOutOfRange, start, start+n)
	}

	s.mu.RLock()
	index := s.state.Index
	total := s.nbytes
	s.mu.RUnlock()

	off, want := int64(start)*int64(ts), int64(n)*int64(ts)
	if off+want > total {
		return 0, fmt.Errorf("%w: items [%d, %d) of %d", schunktype.ErrOutOfRange, start, start+n, total/int64(ts))
	}
	if int64(len(dst)) < want {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", schunktype.ErrBufferTooSmall, want, len(dst))
	}

	w := 0
	for i, e := range index {
		if want == 0 {
			break
		}
		nb := int64(e.Nbytes)
		if off >= nb {
			off -= nb
			continue
		}
		take := min(nb-off, want)
		if _, err := s.DecompressRange(i, int(off), int(take), dst[w:]); err != nil {
			clear(dst[:w])
			return 0, err
		}
		w += int(take)
		want -= take
		off = 0
	}
	return w, nil
}

// ChunkSizes returns the uncompressed and compressed sizes of chunk i
// without reading it.
func (s *SChunk) ChunkSizes(i int) (nbytes, cbytes int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.readable(); err != nil {
		return 0, 0, err
	}
	if err := s.checkIndex(i); err != nil {
		return 0, 0, err
	}
	e := s.state.Index[i]
	return int(e.Nbytes), int(e.Cbytes), nil
}

// GetChunk returns a copy of the compressed bytes of chunk i.
func (s *SChunk) GetChunk(i int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.readable(); err != nil {
		return nil, err
	}
	if err := s.checkIndex(i); err != nil {
		return nil, err
	}
	data, err := s.payload(i)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(data), nil
}

func (s *SChunk) encode(buf []byte) ([]byte, error) {
	s.mu.RLock()
	err := s.writable()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	eng := s.engine()
	pool, err := eng.pool(s.cparams.NThreads)
	if err != nil {
		return nil, err
	}
	return chunk.Encode(buf, s.cparams.chunkParams(eng.registry), pool)
}

// checkChunk validates a caller-supplied compressed chunk.
func (s *SChunk) checkChunk(data []byte) (*chunk.Chunk, error) {
	c, err := chunk.Parse(data)
	if err != nil {
		return nil, err
	}
	if c.Typesize() != s.cparams.Typesize {
		return nil, fmt.Errorf("%w: chunk typesize %d, super-chunk typesize %d",
			schunktype.ErrConfiguration, c.Typesize(), s.cparams.Typesize)
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SChunk) checkIndex(i int) error {
	if i < 0 || i >= len(s.state.Index) {
		return fmt.Errorf("%w: chunk %d of %d", schunktype.ErrOutOfRange, i, len(s.state.Index))
	}
	return nil
}

// put stores payload and returns its index entry. Caller holds s.mu for
// writing.
func (s *SChunk) put(payload []byte, nbytes int) (frame.IndexEntry, error) {
	if s.store == nil {
		return frame.IndexEntry{
			Cbytes:   uint32(len(payload)), //nolint:gosec // bounded by MaxChunkSize
			Nbytes:   uint32(nbytes),       //nolint:gosec // bounded by MaxChunkSize
			Checksum: xxhash.Sum64(payload),
		}, nil
	}
	e, err := s.store.WriteChunk(payload)
	if err != nil {
		return e, err
	}
	e.Nbytes = uint32(nbytes) //nolint:gosec // bounded by MaxChunkSize
	return e, nil
}

// insertPayload adds an encoded chunk at pos, or at the end when pos < 0.
func (s *SChunk) insertPayload(pos int, payload []byte, nbytes int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return 0, err
	}
	n := len(s.state.Index)
	if pos < 0 {
		pos = n
	}
	if pos > n {
		return 0, fmt.Errorf("%w: insert position %d of %d", schunktype.ErrOutOfRange, pos, n)
	}

	e, err := s.put(payload, nbytes)
	if err != nil {
		return 0, err
	}
	next := s.derive()
	next.Index = slices.Insert(next.Index, pos, e)
	var mem [][]byte
	if s.store == nil {
		mem = slices.Insert(slices.Clone(s.mem), pos, payload)
	}
	if err := s.commit(next, mem); err != nil {
		return 0, err
	}
	s.log().Debug("stored chunk", "index", pos, "nbytes", nbytes, "cbytes", len(payload))
	return len(next.Index), nil
}

// replacePayload swaps chunk i for an encoded chunk.
func (s *SChunk) replacePayload(i int, payload []byte, nbytes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if err := s.checkIndex(i); err != nil {
		return err
	}

	e, err := s.put(payload, nbytes)
	if err != nil {
		return err
	}
	next := s.derive()
	next.Index[i] = e
	var mem [][]byte
	if s.store == nil {
		mem = slices.Clone(s.mem)
		mem[i] = payload
	}
	if err := s.commit(next, mem); err != nil {
		return err
	}
	s.log().Debug("updated chunk", "index", i, "nbytes", nbytes, "cbytes", len(payload))
	return nil
}

// chunkAt returns parsed chunk i. The payload it wraps is never modified, so
// the chunk stays valid after the lock is released.
func (s *SChunk) chunkAt(i int) (*chunk.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.readable(); err != nil {
		return nil, err
	}
	if err := s.checkIndex(i); err != nil {
		return nil, err
	}
	data, err := s.payload(i)
	if err != nil {
		return nil, err
	}
	c, err := chunk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", i, err)
	}
	if e := s.state.Index[i]; c.Nbytes() != int(e.Nbytes) {
		return nil, fmt.Errorf("%w: chunk %d holds %d bytes, index says %d",
			schunktype.ErrCorruptFrame, i, c.Nbytes(), e.Nbytes)
	}
	return c, nil
}

// payload returns the encoded bytes of chunk i, reading through the cache
// for persistent super-chunks. Caller holds s.mu.
func (s *SChunk) payload(i int) ([]byte, error) {
	if s.store == nil {
		return s.mem[i], nil
	}
	e := s.state.Index[i]
	key := cache.Key{Checksum: e.Checksum, Size: e.Cbytes}
	if data, ok := s.cache.Get(key); ok {
		return data, nil
	}

	flight := strconv.FormatUint(e.Offset, 10) + ":" + strconv.FormatUint(e.Checksum, 16)
	v, err, _ := s.loads.Do(flight, func() (any, error) {
		data, err := s.store.ReadChunk(e)
		if err != nil {
			return nil, err
		}
		s.cache.Put(key, data)
		return data, nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", i, err)
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: chunk %d load returned %T", schunktype.ErrIO, i, v)
	}
	return data, nil
}

func (s *SChunk) decodeOptions(i int) (chunk.DecodeOptions, error) {
	eng := s.engine()
	pool, err := eng.pool(s.dparams.NThreads)
	if err != nil {
		return chunk.DecodeOptions{}, err
	}
	return chunk.DecodeOptions{
		Registry:   eng.registry,
		Pool:       pool,
		PostFilter: s.dparams.PostFilter,
		ChunkIndex: i,
	}, nil
}
