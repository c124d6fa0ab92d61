package schunktype

import "errors"

// Sentinel errors for super-chunk operations.
//
// Every failure surfaced by the library wraps exactly one of these kinds,
// so callers can branch with errors.Is.
var (
	// ErrConfiguration is returned for invalid parameters or illegal state
	// transitions, such as adding a metalayer after data was appended.
	ErrConfiguration = errors.New("schunk: invalid configuration")

	// ErrOutOfRange is returned when a chunk index, byte range or name
	// does not exist.
	ErrOutOfRange = errors.New("schunk: out of range")

	// ErrBufferTooSmall is returned when a destination buffer cannot hold
	// the decompressed data.
	ErrBufferTooSmall = errors.New("schunk: buffer too small")

	// ErrChecksumMismatch is returned when stored bytes fail checksum
	// verification.
	ErrChecksumMismatch = errors.New("schunk: checksum mismatch")

	// ErrCorruptFrame is returned when a persisted structure cannot be parsed.
	ErrCorruptFrame = errors.New("schunk: corrupt frame")

	// ErrVersionMismatch is returned when a chunk or frame was written with
	// an unsupported format version.
	ErrVersionMismatch = errors.New("schunk: unsupported format version")

	// ErrDecompressionMismatch is returned when reconstructed data does not
	// match its declared size.
	ErrDecompressionMismatch = errors.New("schunk: decompressed size mismatch")

	// ErrIO is returned when the underlying storage fails.
	ErrIO = errors.New("schunk: i/o failure")

	// ErrCodecFailure is returned when a codec rejects its input.
	ErrCodecFailure = errors.New("schunk: codec failure")

	// ErrReadOnly is returned when mutating a container opened read-only.
	ErrReadOnly = errors.New("schunk: read-only")

	// ErrClosed is returned when using a closed container, engine or pool.
	ErrClosed = errors.New("schunk: closed")

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = errors.New("schunk: size overflow")
)
