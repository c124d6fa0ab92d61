// Package block compresses and restores a single block of a chunk.
//
// An encoded block is a fixed header followed by its payload:
//
//	0  flags       u8  (memcpy, stored)
//	1  codec       u8
//	2  raw length  u32
//	6  payload len u32
//	10 payload
//
// A memcpy block holds the raw bytes unfiltered. A stored block holds the
// filtered bytes because the codec could not shrink them. Any other block
// holds codec output of the filtered bytes.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meigma/schunk/internal/codec"
	"github.com/meigma/schunk/internal/filter"
	"github.com/meigma/schunk/internal/schunktype"
	"github.com/meigma/schunk/internal/sizing"
)

// HeaderSize is the size of the per-block header.
const HeaderSize = 10

// MaxSize bounds the raw size of one block and so the memory held by one
// worker.
const MaxSize = 16 << 20

const (
	flagMemcpy = 1 << 0
	flagStored = 1 << 1
)

// Config describes how blocks of one chunk are transformed.
type Config struct {
	Registry *codec.Registry
	Codec    schunktype.CodecID
	Level    int
	Typesize int
	Filters  filter.Pipeline
}

// Scratch holds per-worker buffers. A Scratch must not be shared between
// goroutines.
type Scratch struct {
	filter filter.Scratch
	comp   []byte
	raw    []byte
}

// Header is the decoded block header.
type Header struct {
	Memcpy     bool
	Stored     bool
	Codec      schunktype.CodecID
	RawLen     int
	PayloadLen int
}

// Encode compresses src and returns a newly allocated encoded block.
//
// ref is the reference block as a decoder restores it, and must be nil when
// encoding the reference block itself.
func Encode(src, ref []byte, cfg Config, s *Scratch) ([]byte, error) {
	if len(src) > MaxSize {
		return nil, fmt.Errorf("%w: block of %d bytes exceeds %d", schunktype.ErrConfiguration, len(src), MaxSize)
	}
	if cfg.Level == 0 {
		return assemble(flagMemcpy, cfg.Codec, len(src), src), nil
	}

	filtered, err := cfg.Filters.Forward(src, cfg.Typesize, ref, &s.filter)
	if err != nil {
		return nil, err
	}
	c, err := cfg.Registry.Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}
	comp, err := c.Compress(s.comp, filtered, cfg.Level)
	if errors.Is(err, codec.ErrIncompressible) {
		return assemble(flagStored, cfg.Codec, len(src), filtered), nil
	}
	if err != nil {
		return nil, err
	}
	if cap(comp) > cap(s.comp) {
		s.comp = comp[:0]
	}
	return assemble(0, cfg.Codec, len(src), comp), nil
}

func assemble(flags byte, id schunktype.CodecID, rawLen int, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	out[0] = flags
	out[1] = byte(id)
	binary.LittleEndian.PutUint32(out[2:], uint32(rawLen))       //nolint:gosec // bounded by MaxSize
	binary.LittleEndian.PutUint32(out[6:], uint32(len(payload))) //nolint:gosec // bounded by MaxSize
	copy(out[HeaderSize:], payload)
	return out
}

// ParseHeader decodes and validates the header of an encoded block.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: block of %d bytes is shorter than its header", schunktype.ErrCorruptFrame, len(data))
	}
	flags := data[0]
	if flags&^(flagMemcpy|flagStored) != 0 {
		return Header{}, fmt.Errorf("%w: unknown block flags %#x", schunktype.ErrCorruptFrame, flags)
	}
	rawLen, err := sizing.ToInt(uint64(binary.LittleEndian.Uint32(data[2:])), schunktype.ErrSizeOverflow)
	if err != nil {
		return Header{}, err
	}
	payloadLen, err := sizing.ToInt(uint64(binary.LittleEndian.Uint32(data[6:])), schunktype.ErrSizeOverflow)
	if err != nil {
		return Header{}, err
	}
	h := Header{
		Memcpy:     flags&flagMemcpy != 0,
		Stored:     flags&flagStored != 0,
		Codec:      schunktype.CodecID(data[1]),
		RawLen:     rawLen,
		PayloadLen: payloadLen,
	}
	if HeaderSize+h.PayloadLen != len(data) {
		return Header{}, fmt.Errorf("%w: block payload %d does not match %d stored bytes",
			schunktype.ErrCorruptFrame, h.PayloadLen, len(data)-HeaderSize)
	}
	if (h.Memcpy || h.Stored) && h.PayloadLen != h.RawLen {
		return Header{}, fmt.Errorf("%w: uncompressed block payload %d != raw length %d",
			schunktype.ErrCorruptFrame, h.PayloadLen, h.RawLen)
	}
	if h.RawLen > MaxSize {
		return Header{}, fmt.Errorf("%w: block raw length %d exceeds %d", schunktype.ErrCorruptFrame, h.RawLen, MaxSize)
	}
	return h, nil
}

// Decode restores an encoded block into dst, whose length must equal the
// block's raw length.
//
// ref is the decoded reference block when the pipeline contains delta and
// this is not the reference block; otherwise nil.
func Decode(dst, data, ref []byte, cfg Config, s *Scratch) error {
	h, err := ParseHeader(data)
	if err != nil {
		return err
	}
	if h.RawLen != len(dst) {
		return fmt.Errorf("%w: block declares %d bytes, expected %d",
			schunktype.ErrDecompressionMismatch, h.RawLen, len(dst))
	}
	payload := data[HeaderSize:]

	switch {
	case h.Memcpy:
		copy(dst, payload)
		return nil
	case h.Stored:
		return cfg.Filters.Backward(dst, payload, cfg.Typesize, ref, &s.filter)
	}

	c, err := cfg.Registry.Lookup(h.Codec)
	if err != nil {
		return fmt.Errorf("%w: %w", schunktype.ErrCorruptFrame, err)
	}
	if cfg.Filters.Len() == 0 {
		return c.Decompress(dst, payload)
	}
	if cap(s.raw) < h.RawLen {
		s.raw = make([]byte, h.RawLen)
	}
	raw := s.raw[:h.RawLen]
	if err := c.Decompress(raw, payload); err != nil {
		return err
	}
	return cfg.Filters.Backward(dst, raw, cfg.Typesize, ref, &s.filter)
}
