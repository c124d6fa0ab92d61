// Package testutil provides data generators and helpers shared by tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// RunningInt32 returns n little-endian int32 values counting up from start.
func RunningInt32(start, n int) []byte {
	b := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(int32(start+i))) //nolint:gosec // wraps like the int32 it models
	}
	return b
}

// Int32s decodes little-endian int32 values.
func Int32s(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:])) //nolint:gosec // reinterpreting bits
	}
	return out
}

// Steps returns n little-endian uint32 values that advance by one every 32
// elements. The result compresses well with any codec.
func Steps(n, base int) []byte {
	b := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(base+i/32)) //nolint:gosec // test values fit
	}
	return b
}

// Float64s encodes values as little-endian float64.
func Float64s(vals []float64) []byte {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

// DecodeFloat64s decodes little-endian float64 values.
func DecodeFloat64s(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

// Cubic evaluates (x-.25)(x-4.45)(x-8.95) at n points starting at
// x = first*incx and stepping by incx.
func Cubic(first, n int, incx float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		x := incx * float64(first+i)
		out[i] = (x - .25) * (x - 4.45) * (x - 8.95)
	}
	return out
}

// LogBuffer collects log output for assertions.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.
func (l *LogBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

// String returns everything logged so far.
func (l *LogBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// NewLogger returns a debug-level text logger writing to a new LogBuffer.
func NewLogger() (*slog.Logger, *LogBuffer) {
	lb := &LogBuffer{}
	return slog.New(slog.NewTextHandler(lb, &slog.HandlerOptions{Level: slog.LevelDebug})), lb
}
