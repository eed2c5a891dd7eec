// Package bufpool provides a LIFO free list of fixed-size byte buffers
// for the I/O path. A job builds one Pool that all its workers share;
// workers check a buffer out per file rather than owning dedicated
// buffers for their lifetime. Reusing the
// most-recently-freed buffer keeps the working set hot and lets an
// idle-aging flusher give memory back after a burst of activity.
package bufpool

import (
	"sync"
	"time"
)

// BufferSize is the fixed buffer size workers request from a Pool.
const BufferSize = 2 * 1024 * 1024

// Pool manages reusable buffers of a fixed size. The zero value is not
// usable; construct with New.
type Pool struct {
	mu           sync.Mutex
	bufSize      int
	poolSize     int
	cache        [][]byte
	inUse        int
	alloced      int
	minFill      int // low-water mark of cache size since the last flush, for flushAged
	flushPending bool
	flushTime    time.Duration
	flushTimer   *time.Timer

	alloc func(size int) ([]byte, error)
	free  func(b []byte) error
}

// New creates a Pool of buffers of size bufSize, caching up to
// poolSize freed buffers. flushTime controls how long a buffer may sit
// idle in the pool before the aging flusher releases it.
func New(flushTime time.Duration, bufSize, poolSize int) *Pool {
	bp := &Pool{
		bufSize:   bufSize,
		poolSize:  poolSize,
		flushTime: flushTime,
		alloc:     func(size int) ([]byte, error) { return make([]byte, size), nil },
		free:      func([]byte) error { return nil },
	}
	return bp
}

// kickFlusher arranges for flushAged to run after flushTime, unless a
// flush is already scheduled.
func (bp *Pool) kickFlusher() {
	if bp.flushPending {
		return
	}
	bp.flushPending = true
	bp.flushTimer = time.AfterFunc(bp.flushTime, bp.flushAged)
}

// flushAged releases every buffer that has been in the pool since the
// last tick without being reused, then reschedules itself if the pool
// is still non-empty.
func (bp *Pool) flushAged() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if bp.minFill > 0 {
		toFree := bp.cache[:bp.minFill]
		for _, b := range toFree {
			_ = bp.free(b)
			bp.alloced--
		}
		bp.cache = bp.cache[bp.minFill:]
	}
	bp.minFill = len(bp.cache)
	if len(bp.cache) == 0 {
		bp.flushPending = false
		return
	}
	bp.flushTimer = time.AfterFunc(bp.flushTime, bp.flushAged)
}

// Get returns a buffer of the pool's buffer size, from the pool if one is
// available, or freshly allocated otherwise.
func (bp *Pool) Get() []byte {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.get()
}

func (bp *Pool) get() []byte {
	var b []byte
	if n := len(bp.cache); n > 0 {
		b = bp.cache[n-1]
		bp.cache = bp.cache[:n-1]
		if bp.minFill > n-1 {
			bp.minFill = n - 1
		}
	} else {
		var err error
		for {
			b, err = bp.alloc(bp.bufSize)
			if err == nil {
				break
			}
		}
		bp.alloced++
	}
	bp.inUse++
	return b
}

// GetN returns n buffers, most-recently-freed first.
func (bp *Pool) GetN(n int) [][]byte {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	out := make([][]byte, n)
	for i := range out {
		out[i] = bp.get()
	}
	return out
}

// Put returns a buffer to the pool for reuse. It panics if b's size is
// not the pool's buffer size, mirroring the invariant that only
// Pool-sized buffers may be recycled.
func (bp *Pool) Put(b []byte) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.put(b)
}

func (bp *Pool) put(b []byte) {
	b = b[0:cap(b)]
	if len(b) != bp.bufSize {
		panic("bufpool: buffer returned to pool with wrong size")
	}
	if len(bp.cache) < bp.poolSize {
		bp.cache = append(bp.cache, b)
	} else {
		_ = bp.free(b)
		bp.alloced--
	}
	bp.inUse--
	bp.kickFlusher()
}

// PutN returns a slice of buffers obtained from GetN.
func (bp *Pool) PutN(bufs [][]byte) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, b := range bufs {
		bp.put(b)
	}
}

// InUse reports how many buffers are currently checked out.
func (bp *Pool) InUse() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.inUse
}

// InPool reports how many buffers are cached and ready for reuse.
func (bp *Pool) InPool() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.cache)
}

// Alloced reports how many buffers currently exist, in use or cached.
func (bp *Pool) Alloced() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.alloced
}

// Flush releases every cached buffer immediately.
func (bp *Pool) Flush() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, b := range bp.cache {
		_ = bp.free(b)
		bp.alloced--
	}
	bp.cache = nil
	bp.minFill = 0
}
