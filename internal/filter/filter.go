// Package filter implements the reversible byte transforms applied to a block
// before it reaches the codec.
//
// Filters are a closed set identified by schunktype.FilterID. A Pipeline runs
// up to schunktype.MaxFilters stages left-to-right on compression and
// right-to-left on decompression.
package filter

import (
	"fmt"

	"github.com/meigma/schunk/internal/schunktype"
)

// ID is an alias for schunktype.FilterID.
type ID = schunktype.FilterID

// Stage is an alias for schunktype.FilterStage.
type Stage = schunktype.FilterStage

// Params carries the per-block context a filter needs.
type Params struct {
	// Typesize is the element width in bytes.
	Typesize int

	// Meta is the stage's configuration byte.
	Meta uint8

	// Ref holds the raw bytes of the chunk's reference block (block 0).
	// It is nil while block 0 itself is being filtered.
	Ref []byte
}

// Filter is a reversible (or, for precision truncation, lossy) transform.
//
// Forward and Backward write exactly len(src) bytes into dst, which must be
// at least that long and must not alias src.
type Filter interface {
	ID() ID
	Forward(dst, src []byte, p Params) error
	Backward(dst, src []byte, p Params) error
}

var registry = map[ID]Filter{
	schunktype.FilterShuffle:    shuffle{},
	schunktype.FilterBitShuffle: bitShuffle{},
	schunktype.FilterDelta:      delta{},
	schunktype.FilterTruncPrec:  truncPrec{},
}

// Lookup returns the filter registered for id.
func Lookup(id ID) (Filter, error) {
	f, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown filter %d", schunktype.ErrConfiguration, id)
	}
	return f, nil
}

// Validate reports whether the stage can run on elements of typesize bytes.
func Validate(s Stage, typesize int) error {
	if s.ID == schunktype.FilterNone {
		return nil
	}
	if _, err := Lookup(s.ID); err != nil {
		return err
	}
	if s.ID == schunktype.FilterTruncPrec {
		bits, err := mantissaBits(typesize)
		if err != nil {
			return err
		}
		if int(s.Meta) > bits {
			return fmt.Errorf("%w: truncprec keeps %d bits, float%d has %d",
				schunktype.ErrConfiguration, s.Meta, typesize*8, bits)
		}
	}
	return nil
}

func checkLengths(dst, src []byte, typesize int) error {
	if typesize < 1 {
		return fmt.Errorf("%w: typesize %d", schunktype.ErrConfiguration, typesize)
	}
	if len(src)%typesize != 0 {
		return fmt.Errorf("%w: length %d is not a multiple of typesize %d",
			schunktype.ErrConfiguration, len(src), typesize)
	}
	if len(dst) < len(src) {
		return fmt.Errorf("%w: filter output %d < %d", schunktype.ErrBufferTooSmall, len(dst), len(src))
	}
	return nil
}
