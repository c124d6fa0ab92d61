package filter

import "github.com/meigma/schunk/internal/schunktype"

// delta XORs every block against the chunk's reference block.
//
// The reference block (Params.Ref == nil) is encoded against itself: each
// element is XORed with the previous one. Every other block is XORed
// byte-wise with the raw reference bytes, so blocks after the first only
// depend on block 0 and can be decoded in parallel once it is available.
type delta struct{}

func (delta) ID() ID { return schunktype.FilterDelta }

func (delta) Forward(dst, src []byte, p Params) error {
	if err := checkLengths(dst, src, p.Typesize); err != nil {
		return err
	}
	if p.Ref == nil {
		ts := p.Typesize
		copy(dst[:min(ts, len(src))], src)
		for i := ts; i < len(src); i++ {
			dst[i] = src[i] ^ src[i-ts]
		}
		return nil
	}
	xorRef(dst, src, p.Ref)
	return nil
}

func (delta) Backward(dst, src []byte, p Params) error {
	if err := checkLengths(dst, src, p.Typesize); err != nil {
		return err
	}
	if p.Ref == nil {
		ts := p.Typesize
		copy(dst[:min(ts, len(src))], src)
		for i := ts; i < len(src); i++ {
			dst[i] = src[i] ^ dst[i-ts]
		}
		return nil
	}
	xorRef(dst, src, p.Ref)
	return nil
}

// xorRef is its own inverse. Bytes past the end of ref are copied.
func xorRef(dst, src, ref []byte) {
	n := min(len(src), len(ref))
	for i := range n {
		dst[i] = src[i] ^ ref[i]
	}
	copy(dst[n:len(src)], src[n:])
}
