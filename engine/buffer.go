package engine

import (
	"sync"
)

// DefaultBlockSize is the block size used when a BufferPool is created
// without one.
const DefaultBlockSize = 64 * 1024

// BufferPool recycles the block buffers used for binary reads so a file
// split into many blocks does not allocate one scratch buffer per block.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a pool of size-byte buffers. If size is <= 0,
// DefaultBlockSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBlockSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size returns the length of the buffers handed out by Get.
func (bp *BufferPool) Size() int { return bp.size }

// Get returns a buffer. The caller must not keep references into it after
// calling Put.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns b to the pool. Buffers of a different size are dropped.
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil || len(*b) != bp.size {
		return
	}
	bp.pool.Put(b)
}
