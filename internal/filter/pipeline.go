package filter

import (
	"fmt"

	"github.com/meigma/schunk/internal/schunktype"
)

// MaxStages is the maximum number of stages in a Pipeline.
const MaxStages = schunktype.MaxFilters

// Pipeline is a bounded, ordered sequence of filter stages.
//
// The zero value is an empty pipeline that passes data through unchanged.
type Pipeline struct {
	stages [MaxStages]Stage
	n      int
}

// NewPipeline builds a pipeline from stages in forward order.
// More than MaxStages stages or an unknown filter is a configuration error.
func NewPipeline(stages ...Stage) (Pipeline, error) {
	var p Pipeline
	if len(stages) > MaxStages {
		return p, fmt.Errorf("%w: %d filters exceeds the maximum of %d",
			schunktype.ErrConfiguration, len(stages), MaxStages)
	}
	for _, s := range stages {
		if s.ID != schunktype.FilterNone {
			if _, err := Lookup(s.ID); err != nil {
				return Pipeline{}, err
			}
		}
		p.stages[p.n] = s
		p.n++
	}
	return p, nil
}

// FromArrays rebuilds a pipeline from the fixed-size id/meta arrays stored in
// chunk and frame headers.
func FromArrays(ids, metas [MaxStages]uint8) (Pipeline, error) {
	n := MaxStages
	for n > 0 && ids[n-1] == uint8(schunktype.FilterNone) {
		n--
	}
	stages := make([]Stage, n)
	for i := range n {
		stages[i] = Stage{ID: ID(ids[i]), Meta: metas[i]}
	}
	return NewPipeline(stages...)
}

// Arrays returns the fixed-size id/meta encoding of the pipeline.
func (p Pipeline) Arrays() (ids, metas [MaxStages]uint8) {
	for i := range p.n {
		ids[i] = uint8(p.stages[i].ID)
		metas[i] = p.stages[i].Meta
	}
	return ids, metas
}

// Stages returns a copy of the configured stages in forward order.
func (p Pipeline) Stages() []Stage {
	out := make([]Stage, p.n)
	copy(out, p.stages[:p.n])
	return out
}

// Len returns the number of configured stages, including no-op entries.
func (p Pipeline) Len() int { return p.n }

// Has reports whether any stage uses filter id.
func (p Pipeline) Has(id ID) bool {
	for _, s := range p.stages[:p.n] {
		if s.ID == id {
			return true
		}
	}
	return false
}

// HasDelta reports whether blocks depend on the reference block.
func (p Pipeline) HasDelta() bool { return p.Has(schunktype.FilterDelta) }

// Lossy reports whether decoding does not restore the original bytes.
func (p Pipeline) Lossy() bool { return p.Has(schunktype.FilterTruncPrec) }

// Alignment returns the byte multiple block sizes should respect.
func (p Pipeline) Alignment(typesize int) int {
	if p.Has(schunktype.FilterBitShuffle) {
		return 8 * typesize
	}
	return typesize
}

// Validate checks every stage against typesize.
func (p Pipeline) Validate(typesize int) error {
	for _, s := range p.stages[:p.n] {
		if err := Validate(s, typesize); err != nil {
			return err
		}
	}
	return nil
}

// Scratch holds the ping-pong buffers used between stages.
// A Scratch must not be shared between goroutines.
type Scratch struct {
	bufs [2][]byte
	turn int
}

func (s *Scratch) next(n int) []byte {
	b := s.bufs[s.turn]
	if cap(b) < n {
		b = make([]byte, n)
	}
	b = b[:n]
	s.bufs[s.turn] = b
	s.turn ^= 1
	return b
}

// Forward runs the stages left-to-right over src and returns the filtered
// bytes. The result aliases src when no stage is active, otherwise it
// aliases s and stays valid until the next call using s.
func (p Pipeline) Forward(src []byte, typesize int, ref []byte, s *Scratch) ([]byte, error) {
	if err := checkLengths(src, src, typesize); err != nil {
		return nil, err
	}
	s.turn = 0
	cur := src
	for _, st := range p.stages[:p.n] {
		if st.ID == schunktype.FilterNone {
			continue
		}
		f, err := Lookup(st.ID)
		if err != nil {
			return nil, err
		}
		out := s.next(len(src))
		if err := f.Forward(out, cur, Params{Typesize: typesize, Meta: st.Meta, Ref: ref}); err != nil {
			return nil, fmt.Errorf("filter %s: %w", st.ID, err)
		}
		cur = out
	}
	return cur, nil
}

// Backward runs the stages right-to-left over src and writes the restored
// bytes into dst[:len(src)]. dst must not alias src or s.
func (p Pipeline) Backward(dst, src []byte, typesize int, ref []byte, s *Scratch) error {
	if err := checkLengths(dst, src, typesize); err != nil {
		return err
	}
	active := make([]Stage, 0, p.n)
	for _, st := range p.stages[:p.n] {
		if st.ID != schunktype.FilterNone {
			active = append(active, st)
		}
	}
	if len(active) == 0 {
		copy(dst, src)
		return nil
	}
	s.turn = 0
	cur := src
	for k := len(active) - 1; k >= 0; k-- {
		st := active[k]
		f, err := Lookup(st.ID)
		if err != nil {
			return err
		}
		out := dst[:len(src)]
		if k > 0 {
			out = s.next(len(src))
		}
		if err := f.Backward(out, cur, Params{Typesize: typesize, Meta: st.Meta, Ref: ref}); err != nil {
			return fmt.Errorf("filter %s: %w", st.ID, err)
		}
		cur = out
	}
	return nil
}
