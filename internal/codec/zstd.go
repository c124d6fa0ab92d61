package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/schunk/internal/schunktype"
)

// zstdLevels maps levels 1..9 onto zstd's native scale, topping out at 22.
var zstdLevels = [MaxLevel + 1]int{0, 1, 3, 5, 7, 9, 11, 13, 15, 22}

// zstdCodec keeps single-threaded encoders pooled per speed tier and a
// decoder pool shared by all workers.
type zstdCodec struct {
	mu       sync.Mutex
	encoders map[zstd.EncoderLevel]*sync.Pool
	decoders *decoderPool
}

func newZstdCodec(o options) *zstdCodec {
	return &zstdCodec{
		encoders: make(map[zstd.EncoderLevel]*sync.Pool),
		decoders: newDecoderPool(o.maxDecoderMemory, o.decoderLowmem),
	}
}

func (c *zstdCodec) ID() ID { return schunktype.CodecZstd }

func (c *zstdCodec) encoderPool(level zstd.EncoderLevel) *sync.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.encoders[level]
	if !ok {
		p = &sync.Pool{}
		c.encoders[level] = p
	}
	return p
}

func (c *zstdCodec) Compress(dst, src []byte, level int) ([]byte, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	el := zstd.EncoderLevelFromZstd(zstdLevels[level])
	pool := c.encoderPool(el)
	enc, ok := pool.Get().(*zstd.Encoder)
	if !ok {
		var err error
		enc, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(el),
			zstd.WithEncoderConcurrency(1),
			zstd.WithEncoderCRC(false),
		)
		if err != nil {
			return nil, decodeFailure(c.ID(), err)
		}
	}
	defer pool.Put(enc)

	out := enc.EncodeAll(src, dst[:0])
	if len(out) >= len(src) {
		return nil, ErrIncompressible
	}
	return out, nil
}

func (c *zstdCodec) Decompress(dst, src []byte) error {
	dec, release, err := c.decoders.get()
	if err != nil {
		return decodeFailure(c.ID(), err)
	}
	defer release()

	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return decodeFailure(c.ID(), err)
	}
	if len(out) != len(dst) {
		return sizeMismatch(c.ID(), len(out), len(dst))
	}
	if len(out) > 0 && &out[0] != &dst[0] {
		copy(dst, out)
	}
	return nil
}

func (c *zstdCodec) close() {
	c.decoders.close()
}

// decoderPool manages reusable zstd decoders to reduce allocation overhead.
type decoderPool struct {
	pool      sync.Pool
	maxMemory uint64
	lowmem    bool

	mu     sync.Mutex
	closed bool
}

func newDecoderPool(maxMemory uint64, lowmem bool) *decoderPool {
	return &decoderPool{maxMemory: maxMemory, lowmem: lowmem}
}

// get returns a decoder and a release function that hands it back.
func (p *decoderPool) get() (*zstd.Decoder, func(), error) {
	if dec, ok := p.pool.Get().(*zstd.Decoder); ok {
		return dec, func() { p.put(dec) }, nil
	}
	dec, err := p.newDecoder()
	if err != nil {
		return nil, nil, err
	}
	return dec, func() { p.put(dec) }, nil
}

func (p *decoderPool) put(dec *zstd.Decoder) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		dec.Close()
		return
	}
	p.pool.Put(dec)
}

// newDecoder creates a decoder with the configured memory limit.
func (p *decoderPool) newDecoder() (*zstd.Decoder, error) {
	opts := []zstd.DOption{
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(p.lowmem),
	}
	if p.maxMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxMemory))
	}
	return zstd.NewReader(nil, opts...)
}

func (p *decoderPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		dec, ok := p.pool.Get().(*zstd.Decoder)
		if !ok {
			return
		}
		dec.Close()
	}
}
