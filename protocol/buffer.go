package protocol

import "sync"

// SmallBufferSize is the largest request served from the shared buffer pool.
// Bigger requests get an exact heap allocation that is never pooled.
const SmallBufferSize = 16 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, SmallBufferSize)
		return &b
	},
}

// Buffer is a request or response byte buffer.
type Buffer struct {
	B []byte

	pooled *[]byte
}

// AcquireBuffer returns a buffer of length n.
func AcquireBuffer(n int) *Buffer {
	if n <= SmallBufferSize {
		bp := bufferPool.Get().(*[]byte)
		return &Buffer{B: (*bp)[:n], pooled: bp}
	}
	return &Buffer{B: make([]byte, n)}
}

// Resize returns a buffer of length n, reusing b's storage when it fits.
// b must not be used after the call.
func (b *Buffer) Resize(n int) *Buffer {
	if b == nil {
		return AcquireBuffer(n)
	}
	if n <= cap(b.B) {
		b.B = b.B[:n]
		return b
	}
	b.Release()
	return AcquireBuffer(n)
}

// Pooled reports whether the buffer came from the shared pool.
func (b *Buffer) Pooled() bool {
	return b.pooled != nil
}

// Release hands pooled storage back. Heap buffers are dropped.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	if b.pooled != nil {
		bufferPool.Put(b.pooled)
		b.pooled = nil
	}
	b.B = nil
}
