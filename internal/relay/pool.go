package relay

import (
	"io"
	"sync"
)

const copyBufferSize = 32 * 1024

var copyBuffers = newBufferPool(copyBufferSize)

// bufferPool hands out fixed-size copy buffers. Pointers are pooled so put
// does not allocate.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	p := &bufferPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

func (p *bufferPool) get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) put(b *[]byte) {
	if len(*b) != p.size {
		return
	}
	p.pool.Put(b)
}

// copyPooled is io.CopyBuffer with a buffer from copyBuffers.
func copyPooled(dst io.Writer, src io.Reader) (int64, error) {
	buf := copyBuffers.get()
	defer copyBuffers.put(buf)
	return io.CopyBuffer(dst, src, *buf)
}
