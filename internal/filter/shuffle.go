package filter

import "github.com/meigma/schunk/internal/schunktype"

// shuffle groups byte j of every element together, so that slowly varying
// high-order bytes form long runs.
type shuffle struct{}

func (shuffle) ID() ID { return schunktype.FilterShuffle }

func (shuffle) Forward(dst, src []byte, p Params) error {
	if err := checkLengths(dst, src, p.Typesize); err != nil {
		return err
	}
	ts := p.Typesize
	if ts == 1 {
		copy(dst, src)
		return nil
	}
	n := len(src) / ts
	for j := range ts {
		out := dst[j*n : (j+1)*n]
		for i := range n {
			out[i] = src[i*ts+j]
		}
	}
	return nil
}

func (shuffle) Backward(dst, src []byte, p Params) error {
	if err := checkLengths(dst, src, p.Typesize); err != nil {
		return err
	}
	ts := p.Typesize
	if ts == 1 {
		copy(dst, src)
		return nil
	}
	n := len(src) / ts
	for j := range ts {
		in := src[j*n : (j+1)*n]
		for i := range n {
			dst[i*ts+j] = in[i]
		}
	}
	return nil
}

// bitShuffle transposes the bit matrix of the leading multiple-of-8
// elements so each output plane holds one bit position of every element.
// Trailing elements are copied unchanged.
type bitShuffle struct{}

func (bitShuffle) ID() ID { return schunktype.FilterBitShuffle }

func (bitShuffle) Forward(dst, src []byte, p Params) error {
	if err := checkLengths(dst, src, p.Typesize); err != nil {
		return err
	}
	ts := p.Typesize
	n := len(src) / ts
	n8 := n - n%8
	body := n8 * ts
	plane := n8 / 8
	clear(dst[:body])
	for i := range n8 {
		elem := src[i*ts : (i+1)*ts]
		bit := byte(1) << (i % 8)
		for j, v := range elem {
			for b := range 8 {
				if v&(1<<b) != 0 {
					dst[(j*8+b)*plane+i/8] |= bit
				}
			}
		}
	}
	copy(dst[body:len(src)], src[body:])
	return nil
}

func (bitShuffle) Backward(dst, src []byte, p Params) error {
	if err := checkLengths(dst, src, p.Typesize); err != nil {
		return err
	}
	ts := p.Typesize
	n := len(src) / ts
	n8 := n - n%8
	body := n8 * ts
	plane := n8 / 8
	clear(dst[:body])
	for k := range ts * 8 {
		j, b := k/8, byte(1)<<(k%8)
		row := src[k*plane : (k+1)*plane]
		for i := range n8 {
			if row[i/8]&(1<<(i%8)) != 0 {
				dst[i*ts+j] |= b
			}
		}
	}
	copy(dst[body:len(src)], src[body:])
	return nil
}
