package verity

import (
	"sync"
	"sync/atomic"
)

// HashBlockCache is the external, generic keyed byte-buffer cache the core
// consumes (spec §1, §4.B). It is a borrow-scoped API: the buffer returned by
// Read is only guaranteed stable between Read and the matching Release.
type HashBlockCache interface {
	// Read returns a borrowed view of hash block id and a release handle.
	// Fails with *IoError if the underlying read fails.
	Read(id uint64) (buf []byte, aux *HashBlockAux, handle CacheHandle, err error)
	// Release returns a previously borrowed buffer.
	Release(handle CacheHandle)
	// Prefetch advisorily, non-blockingly warms [start, start+count).
	Prefetch(start, count uint64)
	// SizeInBlocks returns the total number of hash blocks available.
	SizeInBlocks() uint64
}

// CacheHandle is an opaque release token returned by HashBlockCache.Read.
type CacheHandle uint64

// HashBlockAux is the per-hash-block auxiliary state living beside the
// buffer in the cache (spec §3 "Per-hash-block auxiliary state"). verified
// transitions false->true at most once; the transition is a benign
// single-bit race (spec §5) deliberately modeled with a relaxed atomic
// rather than a lock.
type HashBlockAux struct {
	verified atomic.Bool
}

// Verified reports the cached verification state of this hash block.
func (a *HashBlockAux) Verified() bool { return a.verified.Load() }

// MarkVerified sets the verified flag. Idempotent; never cleared.
func (a *HashBlockAux) MarkVerified() { a.verified.Store(true) }

// MemHashBlockCache is a simple in-process HashBlockCache backed by an
// io.ReaderAt hash volume, used for tests. NewEngine does not create one on
// its own: the caller passes it in EngineConfig.Cache. Buffers are allocated on first touch
// and kept for the process lifetime; Prefetch eagerly reads ahead.
//
// This stands in for the "generic keyed byte-buffer cache" spec §1 places
// out of scope — callers that already have one (e.g. dm-bufio style) should
// implement HashBlockCache directly instead.
type MemHashBlockCache struct {
	mu         sync.RWMutex
	reader     ReaderAtCloser
	blockSize  uint32
	size       uint64
	buffers    map[uint64][]byte
	aux        map[uint64]*HashBlockAux
	nextHandle atomic.Uint64
	handles    sync.Map // CacheHandle -> uint64 block id
}

// ReaderAtCloser is the minimal device handle the default cache needs.
type ReaderAtCloser interface {
	ReadAt(p []byte, off int64) (int, error)
}

// NewMemHashBlockCache builds a cache over reader with blockSize-byte blocks,
// sized for a hash volume of sizeInBlocks blocks.
func NewMemHashBlockCache(reader ReaderAtCloser, blockSize uint32, sizeInBlocks uint64) *MemHashBlockCache {
	return &MemHashBlockCache{
		reader:    reader,
		blockSize: blockSize,
		size:      sizeInBlocks,
		buffers:   make(map[uint64][]byte),
		aux:       make(map[uint64]*HashBlockAux),
	}
}

func (c *MemHashBlockCache) allocate(id uint64) ([]byte, *HashBlockAux, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok := c.buffers[id]; ok {
		return buf, c.aux[id], nil
	}
	buf := make([]byte, c.blockSize)
	if _, err := c.reader.ReadAt(buf, int64(id)*int64(c.blockSize)); err != nil {
		return nil, nil, &IoError{OnHashVolume: true, Err: err}
	}
	// Init callback: aux.verified starts false (spec §4.B).
	aux := &HashBlockAux{}
	c.buffers[id] = buf
	c.aux[id] = aux
	return buf, aux, nil
}

// Read implements HashBlockCache.
func (c *MemHashBlockCache) Read(id uint64) ([]byte, *HashBlockAux, CacheHandle, error) {
	buf, aux, err := c.allocate(id)
	if err != nil {
		return nil, nil, 0, err
	}
	h := CacheHandle(c.nextHandle.Add(1))
	c.handles.Store(h, id)
	return buf, aux, h, nil
}

// Release implements HashBlockCache.
func (c *MemHashBlockCache) Release(handle CacheHandle) {
	c.handles.Delete(handle)
}

// Prefetch implements HashBlockCache; best-effort, failures are ignored.
func (c *MemHashBlockCache) Prefetch(start, count uint64) {
	end := start + count
	if end > c.size {
		end = c.size
	}
	for id := start; id < end; id++ {
		_, _, _ = c.allocate(id)
	}
}

// SizeInBlocks implements HashBlockCache.
func (c *MemHashBlockCache) SizeInBlocks() uint64 { return c.size }
