package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/meigma/schunk/internal/schunktype"
	"github.com/meigma/schunk/internal/sizing"
)

// WriteImage writes the canonical contiguous image of st to w: header,
// chunk index, payloads in index order, trailer. payload(i) returns the
// encoded bytes of chunk i.
//
// The returned state carries the payload offsets of the image.
func WriteImage(w io.Writer, st *State, payload func(i int) ([]byte, error)) (*State, error) {
	out := st.Clone()
	out.NextSlot = 0
	// Offsets do not change the encoded length of the index.
	off := uint64(HeaderSize + len(encodeIndex(out.Index)))
	for i := range out.Index {
		out.Index[i].Offset = off
		off += uint64(out.Index[i].Cbytes)
	}
	trailer := encodeTrailer(out)
	index := encodeIndex(out.Index)
	loc := location{
		indexOff:   HeaderSize,
		trailerOff: off,
		trailerLen: uint64(len(trailer)),
	}

	bw := bufio.NewWriterSize(w, 1<<20)
	if _, err := bw.Write(encodeHeader(out, false, loc, index)); err != nil {
		return nil, ioErr(err)
	}
	if _, err := bw.Write(index); err != nil {
		return nil, ioErr(err)
	}
	for i, e := range out.Index {
		data, err := payload(i)
		if err != nil {
			return nil, err
		}
		if err := verifyPayload(data, e); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		if _, err := bw.Write(data); err != nil {
			return nil, ioErr(err)
		}
	}
	if _, err := bw.Write(trailer); err != nil {
		return nil, ioErr(err)
	}
	if err := bw.Flush(); err != nil {
		return nil, ioErr(err)
	}
	return out, nil
}

// Image returns the canonical contiguous image of st as a byte slice.
func Image(st *State, payload func(i int) ([]byte, error)) ([]byte, *State, error) {
	var buf bytes.Buffer
	out, err := WriteImage(&buf, st, payload)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), out, nil
}

// Save writes st and its payloads to a new frame at path. It fails if path
// exists. Contiguous frames are written as a canonical image through a temp
// file and a rename.
func Save(path string, layout Layout, st *State, payload func(i int) ([]byte, error), opts ...Option) error {
	path = CleanPath(path)
	if layout != schunktype.LayoutContiguous {
		return copySharded(path, st, payload, opts)
	}
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%w: %s already exists", schunktype.ErrConfiguration, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return ioErr(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return ioErr(err)
	}
	return writeImageFile(path, st, payload)
}

// writeImageFile atomically replaces path with the canonical image of st.
func writeImageFile(path string, st *State, payload func(i int) ([]byte, error)) error {
	var werr error
	err := streamFileAtomic(path, func(w io.Writer) error {
		_, werr = WriteImage(w, st, payload)
		return werr
	})
	if werr != nil {
		return werr
	}
	if err != nil {
		return ioErr(err)
	}
	return nil
}

func copySharded(path string, st *State, payload func(i int) ([]byte, error), opts []Option) error {
	empty := st.Clone()
	empty.Index = nil
	empty.NextSlot = 0
	s, err := Create(path, schunktype.LayoutSharded, empty, opts...)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		s.Close()
		os.RemoveAll(path)
		return err
	}

	next := empty.Clone()
	for i, src := range st.Index {
		data, err := payload(i)
		if err != nil {
			return fail(err)
		}
		e, err := s.WriteChunk(data)
		if err != nil {
			return fail(err)
		}
		e.Nbytes = src.Nbytes
		if e.Checksum != src.Checksum {
			return fail(fmt.Errorf("chunk %d: %w", i, checksumErr("chunk payload")))
		}
		next.Index = append(next.Index, e)
	}
	if err := s.Commit(next); err != nil {
		return fail(err)
	}
	return s.Close()
}

// DecodeImage parses a contiguous image held in memory.
func DecodeImage(data []byte) (*State, error) {
	st, _, err := readState(bytes.NewReader(data), int64(len(data)), false)
	return st, err
}

// ImagePayload returns the verified payload of e within image data.
func ImagePayload(data []byte, e IndexEntry) ([]byte, error) {
	end, ok := sizing.AddUint64(e.Offset, uint64(e.Cbytes))
	if !ok || end > uint64(len(data)) {
		return nil, corrupt("chunk payload [%d, %d) outside image of %d bytes", e.Offset, end, len(data))
	}
	p := data[e.Offset:end]
	if err := verifyPayload(p, e); err != nil {
		return nil, err
	}
	return p, nil
}

// readState reads and verifies the header, index and trailer from r.
func readState(r io.ReaderAt, size int64, sharded bool) (*State, *header, error) {
	buf := make([]byte, HeaderSize)
	if size < HeaderSize {
		return nil, nil, corrupt("frame of %d bytes is shorter than its header", size)
	}
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, nil, ioErr(err)
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, nil, err
	}
	if h.sharded != sharded {
		return nil, nil, corrupt("frame layout flag does not match its storage")
	}

	index, err := readRange(r, size, h.loc.indexOff, uint64(h.indexLen))
	if err != nil {
		return nil, nil, err
	}
	trailer, err := readRange(r, size, h.loc.trailerOff, h.loc.trailerLen)
	if err != nil {
		return nil, nil, err
	}
	st, err := h.decodeBody(index, trailer)
	if err != nil {
		return nil, nil, err
	}
	if !sharded {
		for i, e := range st.Index {
			end, ok := sizing.AddUint64(e.Offset, uint64(e.Cbytes))
			if e.Offset < HeaderSize || !ok || end > uint64(size) { //nolint:gosec // size is non-negative
				return nil, nil, corrupt("chunk %d payload [%d, %d) outside frame", i, e.Offset, end)
			}
		}
	}
	return st, h, nil
}

func readRange(r io.ReaderAt, size int64, off, n uint64) ([]byte, error) {
	end, ok := sizing.AddUint64(off, n)
	if !ok || end > uint64(size) { //nolint:gosec // size is non-negative
		return nil, corrupt("range [%d, %d) outside frame of %d bytes", off, end, size)
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := r.ReadAt(buf, int64(off)); err != nil { //nolint:gosec // bounded by size
		return nil, ioErr(err)
	}
	return buf, nil
}
