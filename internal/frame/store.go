package frame

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/meigma/schunk/internal/schunktype"
)

// Store is the persistent backing of a super-chunk.
//
// WriteChunk places a payload in a fresh slot that no committed state
// references. Commit publishes a new state durably: payloads first, then
// the index and trailer, then the record that points at them. Slots the new
// state no longer references are retired only after the commit.
//
// Store implementations serialize their own writes and allow ReadChunk to
// run concurrently with them.
type Store interface {
	Layout() Layout
	Path() string

	// State returns a copy of the last committed state.
	State() *State

	// ReadChunk reads the payload e points to and verifies its checksum.
	ReadChunk(e IndexEntry) ([]byte, error)

	// WriteChunk stores payload and returns its entry with Nbytes unset.
	WriteChunk(payload []byte) (IndexEntry, error)

	// Commit durably replaces the committed state with st.
	Commit(st *State) error

	// WriteMetalayer rewrites metalayer i of st in place. st must have the
	// same metalayer directory as the committed state.
	WriteMetalayer(st *State, i int) error

	// Compact rewrites the store without retired space.
	Compact() error

	Close() error
}

// Option configures a Store.
type Option func(*options)

type options struct {
	readOnly bool
	logger   *slog.Logger
}

// WithReadOnly opens the store without write access.
func WithReadOnly(enabled bool) Option {
	return func(o *options) {
		o.readOnly = enabled
	}
}

// WithLogger sets the logger for store operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func (o *options) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CleanPath normalizes a frame path, dropping trailing separators.
func CleanPath(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}

// Create makes a new frame at path holding st. It fails if path exists.
func Create(path string, layout Layout, st *State, opts ...Option) (Store, error) {
	path = CleanPath(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty frame path", schunktype.ErrConfiguration)
	}
	if _, err := os.Lstat(path); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", schunktype.ErrConfiguration, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, ioErr(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, ioErr(err)
	}

	o := newOptions(opts)
	switch layout {
	case schunktype.LayoutContiguous:
		return createContiguous(path, st, o)
	case schunktype.LayoutSharded:
		return createSharded(path, st, o)
	default:
		return nil, fmt.Errorf("%w: unknown layout %d", schunktype.ErrConfiguration, layout)
	}
}

// Open attaches to an existing frame. A directory opens as a sharded frame,
// a regular file as a contiguous one.
func Open(path string, opts ...Option) (Store, error) {
	path = CleanPath(path)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", schunktype.ErrOutOfRange, path, err)
		}
		return nil, ioErr(err)
	}
	o := newOptions(opts)
	if info.IsDir() {
		return openSharded(path, o)
	}
	return openContiguous(path, o)
}

// Remove deletes the frame at path. Directories are only removed when they
// hold a sharded frame index.
func Remove(path string) error {
	path = CleanPath(path)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s: %w", schunktype.ErrOutOfRange, path, err)
		}
		return ioErr(err)
	}
	if !info.IsDir() {
		if err := os.Remove(path); err != nil {
			return ioErr(err)
		}
		return nil
	}
	if _, err := os.Stat(filepath.Join(path, indexFileName)); err != nil {
		return fmt.Errorf("%w: %s is not a sharded frame", schunktype.ErrConfiguration, path)
	}
	if err := os.RemoveAll(path); err != nil {
		return ioErr(err)
	}
	return nil
}

func ioErr(err error) error {
	return fmt.Errorf("%w: %w", schunktype.ErrIO, err)
}

func verifyPayload(data []byte, e IndexEntry) error {
	if len(data) != int(e.Cbytes) {
		return corrupt("chunk payload of %d bytes, index says %d", len(data), e.Cbytes)
	}
	if xxhash.Sum64(data) != e.Checksum {
		return checksumErr("chunk payload")
	}
	return nil
}

// retired returns the entries of old that next no longer references.
func retired(old, next []IndexEntry) []IndexEntry {
	live := make(map[uint64]struct{}, len(next))
	for _, e := range next {
		live[e.Offset] = struct{}{}
	}
	var out []IndexEntry
	for _, e := range old {
		if _, ok := live[e.Offset]; !ok {
			out = append(out, e)
		}
	}
	return out
}

func errReadOnly(path string) error {
	return fmt.Errorf("%w: %s", schunktype.ErrReadOnly, path)
}
