package codec

import (
	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"

	"github.com/meigma/schunk/internal/schunktype"
)

type snappyCodec struct{}

func (snappyCodec) ID() ID { return schunktype.CodecSnappy }

func (c snappyCodec) Compress(dst, src []byte, level int) ([]byte, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	out := snappy.Encode(grow(dst, snappy.MaxEncodedLen(len(src))), src)
	if len(out) >= len(src) {
		return nil, ErrIncompressible
	}
	return out, nil
}

func (c snappyCodec) Decompress(dst, src []byte) error {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return decodeFailure(c.ID(), err)
	}
	if n != len(dst) {
		return sizeMismatch(c.ID(), n, len(dst))
	}
	if _, err := snappy.Decode(dst, src); err != nil {
		return decodeFailure(c.ID(), err)
	}
	return nil
}

// s2Codec uses the S2 extension of Snappy. Levels select the encoder
// variant: 1-3 default, 4-6 better, 7-9 best.
type s2Codec struct{}

func (s2Codec) ID() ID { return schunktype.CodecS2 }

func (c s2Codec) Compress(dst, src []byte, level int) ([]byte, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	buf := grow(dst, s2.MaxEncodedLen(len(src)))
	var out []byte
	switch {
	case level >= 7:
		out = s2.EncodeBest(buf, src)
	case level >= 4:
		out = s2.EncodeBetter(buf, src)
	default:
		out = s2.Encode(buf, src)
	}
	if len(out) >= len(src) {
		return nil, ErrIncompressible
	}
	return out, nil
}

func (c s2Codec) Decompress(dst, src []byte) error {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return decodeFailure(c.ID(), err)
	}
	if n != len(dst) {
		return sizeMismatch(c.ID(), n, len(dst))
	}
	if _, err := s2.Decode(dst, src); err != nil {
		return decodeFailure(c.ID(), err)
	}
	return nil
}
