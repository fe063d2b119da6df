// Package bufpool provides a tiered buffer pool for the export copy paths.
//
// The buffered copy strategy reads the source in fixed chunks on every
// reactor wake-up; pooling those chunks keeps the hot path allocation-free
// and avoids GC pressure when many sessions share a reactor.
//
// Buffers larger than the spill tier are allocated directly and not pooled,
// so occasional oversized requests do not pin large memory indefinitely.
//
// All operations are thread-safe via sync.Pool.
package bufpool

import (
	"sync"
)

// Default buffer size classes.
const (
	// DefaultChunkSize matches the per-step copy unit of an export session (16KiB)
	DefaultChunkSize = 16 << 10

	// DefaultSpillSize handles accumulated staging data (256KiB)
	DefaultSpillSize = 256 << 10
)

// Pool manages byte slice pools organized by size class.
type Pool struct {
	chunk     sync.Pool
	spill     sync.Pool
	chunkSize int
	spillSize int
}

// Config holds configuration for creating a custom buffer pool.
type Config struct {
	// ChunkSize is the size of chunk buffers (default: 16KiB)
	ChunkSize int

	// SpillSize is the size of spill buffers (default: 256KiB)
	SpillSize int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
		SpillSize: DefaultSpillSize,
	}
}

// NewPool creates a new buffer pool with the given configuration.
// If cfg is nil, default values are used.
func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		defaultCfg := DefaultConfig()
		cfg = &defaultCfg
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.SpillSize <= 0 {
		cfg.SpillSize = DefaultSpillSize
	}

	p := &Pool{
		chunkSize: cfg.ChunkSize,
		spillSize: cfg.SpillSize,
	}

	p.chunk = sync.Pool{
		New: func() any {
			buf := make([]byte, p.chunkSize)
			return &buf
		},
	}
	p.spill = sync.Pool{
		New: func() any {
			buf := make([]byte, p.spillSize)
			return &buf
		},
	}

	return p
}

// Get returns a byte slice of at least the requested size.
// The returned slice may be larger than requested to use pooled buffers
// efficiently. The caller must call Put when finished with the buffer.
//
// For sizes larger than the spill tier, a new slice is allocated directly
// and will not be pooled.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte

	switch {
	case size <= p.chunkSize:
		bufPtr = p.chunk.Get().(*[]byte)
	case size <= p.spillSize:
		bufPtr = p.spill.Get().(*[]byte)
	default:
		return make([]byte, size)
	}

	buf := *bufPtr
	return buf[:size]
}

// Put returns a buffer to the pool for reuse.
// The buffer must have been obtained from Get and must not be used after Put.
// Buffers that don't match a pool tier are left for the GC.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case p.chunkSize:
		fullBuf := buf[:cap(buf)]
		p.chunk.Put(&fullBuf)
	case p.spillSize:
		fullBuf := buf[:cap(buf)]
		p.spill.Put(&fullBuf)
	}
}

// =============================================================================
// Global Pool
// =============================================================================

// globalPool is the package-level buffer pool with default configuration.
var globalPool = NewPool(nil)

// Get returns a byte slice of at least the requested size from the global pool.
//
// Usage:
//
//	buf := bufpool.Get(size)
//	defer bufpool.Put(buf)
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the global pool.
// Always pair this with Get using defer to ensure buffers are returned.
func Put(buf []byte) {
	globalPool.Put(buf)
}
