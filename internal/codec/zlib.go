package codec

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/meigma/schunk/internal/schunktype"
)

// zlibCodec pools writers per level and readers across levels.
type zlibCodec struct {
	writers [MaxLevel + 1]sync.Pool
	readers sync.Pool
}

func newZlibCodec() *zlibCodec {
	return &zlibCodec{}
}

func (c *zlibCodec) ID() ID { return schunktype.CodecZlib }

func (c *zlibCodec) Compress(dst, src []byte, level int) ([]byte, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(dst[:0])
	w, ok := c.writers[level].Get().(*zlib.Writer)
	if ok {
		w.Reset(buf)
	} else {
		var err error
		w, err = zlib.NewWriterLevel(buf, level)
		if err != nil {
			return nil, decodeFailure(c.ID(), err)
		}
	}
	defer c.writers[level].Put(w)

	if _, err := w.Write(src); err != nil {
		return nil, decodeFailure(c.ID(), err)
	}
	if err := w.Close(); err != nil {
		return nil, decodeFailure(c.ID(), err)
	}
	if buf.Len() >= len(src) {
		return nil, ErrIncompressible
	}
	return buf.Bytes(), nil
}

func (c *zlibCodec) Decompress(dst, src []byte) error {
	r, err := c.reader(src)
	if err != nil {
		return decodeFailure(c.ID(), err)
	}
	defer c.readers.Put(r)

	n, err := io.ReadFull(r, dst)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return sizeMismatch(c.ID(), n, len(dst))
		}
		return decodeFailure(c.ID(), err)
	}
	var extra [1]byte
	m, err := r.Read(extra[:])
	if m > 0 {
		return sizeMismatch(c.ID(), n+m, len(dst))
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return decodeFailure(c.ID(), err)
	}
	return nil
}

func (c *zlibCodec) reader(src []byte) (io.ReadCloser, error) {
	if r, ok := c.readers.Get().(io.ReadCloser); ok {
		if rs, ok := r.(zlib.Resetter); ok {
			if err := rs.Reset(bytes.NewReader(src), nil); err == nil {
				return r, nil
			}
		}
	}
	return zlib.NewReader(bytes.NewReader(src))
}
