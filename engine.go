package schunk

import (
	"log/slog"
	"sync"

	"github.com/meigma/schunk/internal/batch"
	"github.com/meigma/schunk/internal/codec"
	"github.com/meigma/schunk/internal/schunktype"
)

// Engine owns the codec instances and worker pools shared by super-chunks.
//
// Pools are created on first use, one per thread count, and are safe to
// share between concurrent operations of different super-chunks.
type Engine struct {
	registry *codec.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	pools  map[int]*batch.Pool
	closed bool
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	logger           *slog.Logger
	maxDecoderMemory uint64
	decoderLowmem    bool
}

// WithEngineLogger sets the logger for engine and worker pool events.
// If not set, logging is disabled.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithMaxDecoderMemory limits the memory a zstd decoder may allocate.
// Set limit to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) EngineOption {
	return func(c *engineConfig) {
		c.maxDecoderMemory = limit
	}
}

// WithDecoderLowmem sets whether zstd decoders use low-memory mode.
func WithDecoderLowmem(enabled bool) EngineOption {
	return func(c *engineConfig) {
		c.decoderLowmem = enabled
	}
}

// NewEngine creates a private engine. Close it when done.
func NewEngine(opts ...EngineOption) *Engine {
	var cfg engineConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		registry: codec.NewRegistry(
			codec.WithMaxDecoderMemory(cfg.maxDecoderMemory),
			codec.WithDecoderLowmem(cfg.decoderLowmem),
		),
		logger: cfg.logger,
		pools:  make(map[int]*batch.Pool),
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// pool returns the shared pool with n workers, or nil when n <= 1.
func (e *Engine) pool(n int) (*batch.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, schunktype.ErrClosed
	}
	if n <= 1 {
		return nil, nil
	}
	p, ok := e.pools[n]
	if !ok {
		p = batch.NewPool(n, batch.WithLogger(e.logger))
		e.pools[n] = p
		e.log().Debug("started worker pool", "workers", p.Workers())
	}
	return p, nil
}

// Close stops every worker pool and releases codec state. Close is
// idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, p := range e.pools {
		p.Close()
	}
	e.pools = nil
	e.registry.Close()
	e.log().Debug("engine closed")
}

var (
	globalMu sync.Mutex
	global   *Engine
)

// Init returns the process-wide engine, creating it on first call. Options
// only apply when the engine is created. Init is safe for concurrent use.
func Init(opts ...EngineOption) *Engine {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = NewEngine(opts...)
	}
	return global
}

// Destroy closes the process-wide engine. The next Init creates a new one.
// Super-chunks without an explicit engine pick up the new engine on their
// next operation.
func Destroy() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		global.Close()
		global = nil
	}
}
