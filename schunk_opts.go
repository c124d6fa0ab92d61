package schunk

import "log/slog"

// Option configures a SChunk.
type Option func(*config)

type config struct {
	readOnly   bool
	logger     *slog.Logger
	engine     *Engine
	cacheBytes int64
	dparams    *DParams
}

// WithReadOnly rejects every mutation with ErrReadOnly. Persistent frames
// are opened without write access.
func WithReadOnly(enabled bool) Option {
	return func(c *config) {
		c.readOnly = enabled
	}
}

// WithLogger sets the logger for container and storage events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithEngine uses e instead of the process-wide engine returned by Init.
func WithEngine(e *Engine) Option {
	return func(c *config) {
		c.engine = e
	}
}

// WithChunkCache keeps up to maxBytes of recently read compressed chunks in
// memory for persistent super-chunks. Set maxBytes to 0 to disable caching.
func WithChunkCache(maxBytes int64) Option {
	return func(c *config) {
		c.cacheBytes = maxBytes
	}
}

// WithDParams overrides the decompression parameters recorded in an opened
// frame.
func WithDParams(d DParams) Option {
	return func(c *config) {
		c.dparams = &d
	}
}

// DefaultChunkCacheBytes is the chunk cache size used by Open.
const DefaultChunkCacheBytes = 64 << 20

func newConfig(opts []Option) config {
	cfg := config{cacheBytes: DefaultChunkCacheBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
