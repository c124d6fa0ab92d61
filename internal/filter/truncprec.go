package filter

import (
	"encoding/binary"
	"fmt"

	"github.com/meigma/schunk/internal/schunktype"
)

// truncPrec zeroes low-order mantissa bits of IEEE-754 floats.
//
// Meta is the number of mantissa bits kept. The transform is lossy, so its
// reverse is the identity.
type truncPrec struct{}

func (truncPrec) ID() ID { return schunktype.FilterTruncPrec }

func (truncPrec) Forward(dst, src []byte, p Params) error {
	if err := checkLengths(dst, src, p.Typesize); err != nil {
		return err
	}
	bits, err := mantissaBits(p.Typesize)
	if err != nil {
		return err
	}
	if int(p.Meta) > bits {
		return fmt.Errorf("%w: truncprec keeps %d of %d bits", schunktype.ErrConfiguration, p.Meta, bits)
	}
	drop := uint(bits - int(p.Meta))
	switch p.Typesize {
	case 4:
		mask := ^uint32(0) << drop
		for i := 0; i < len(src); i += 4 {
			binary.LittleEndian.PutUint32(dst[i:], binary.LittleEndian.Uint32(src[i:])&mask)
		}
	case 8:
		mask := ^uint64(0) << drop
		for i := 0; i < len(src); i += 8 {
			binary.LittleEndian.PutUint64(dst[i:], binary.LittleEndian.Uint64(src[i:])&mask)
		}
	}
	return nil
}

func (truncPrec) Backward(dst, src []byte, p Params) error {
	if err := checkLengths(dst, src, p.Typesize); err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func mantissaBits(typesize int) (int, error) {
	switch typesize {
	case 4:
		return 23, nil
	case 8:
		return 52, nil
	default:
		return 0, fmt.Errorf("%w: truncprec needs typesize 4 or 8, got %d", schunktype.ErrConfiguration, typesize)
	}
}
