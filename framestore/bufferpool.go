package framestore

import (
	"sync"
	"sync/atomic"
)

// bufferPool recycles frame-sized byte slices so window reads and recording
// sessions do not allocate a fresh megabyte per frame.
type bufferPool struct {
	pool      sync.Pool
	frameSize int
	allocated atomic.Uint64
}

// newBufferPool creates a pool handing out slices of exactly frameSize bytes.
func newBufferPool(frameSize int) *bufferPool {
	bp := &bufferPool{frameSize: frameSize}
	bp.pool.New = func() any {
		bp.allocated.Add(1)
		return make([]byte, frameSize)
	}
	return bp
}

// get returns a frame-sized slice. Its contents are unspecified.
func (p *bufferPool) get() []byte {
	buf := p.pool.Get().([]byte)
	return buf[:p.frameSize]
}

// put recycles buf when it was sized for this pool; anything else is left to the GC.
func (p *bufferPool) put(buf []byte) {
	if buf == nil || cap(buf) != p.frameSize {
		return
	}
	p.pool.Put(buf[:p.frameSize])
}
