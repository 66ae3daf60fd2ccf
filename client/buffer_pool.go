package client

import (
	"bytes"
	"sync"
)

const (
	bufferSize = 32 * 1024
	// buffers that grew past this are left to the garbage collector
	maxPooledBuffer = 4 * 1024 * 1024
)

// bufferPool recycles the buffers local responses are read into.
type bufferPool struct {
	pool *sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: &sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, bufferSize))
			},
		},
	}
}

// Get returns an empty buffer.
func (b *bufferPool) Get() *bytes.Buffer {
	buf := b.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func (b *bufferPool) Put(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	b.pool.Put(buf)
}
