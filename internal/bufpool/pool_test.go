package bufpool

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func makeUnreliable(bp *Pool) {
	var allocCount int
	tests := rand.Intn(4) + 1
	bp.alloc = func(size int) ([]byte, error) {
		allocCount++
		if allocCount%tests != 0 {
			return nil, errors.New("failed to allocate memory")
		}
		return make([]byte, size), nil
	}
}

func testGetPut(t *testing.T, unreliable bool) {
	bp := New(60*time.Second, 4096, 2)
	if unreliable {
		makeUnreliable(bp)
	}

	assert.Equal(t, 0, bp.InUse())

	b1 := bp.Get()
	assert.Equal(t, 1, bp.InUse())
	assert.Equal(t, 0, bp.InPool())
	assert.Equal(t, 1, bp.Alloced())

	b2 := bp.Get()
	b3 := bp.Get()
	assert.Equal(t, 3, bp.InUse())
	assert.Equal(t, 3, bp.Alloced())

	bs := bp.GetN(3)
	assert.Equal(t, 6, bp.InUse())
	assert.Equal(t, 6, bp.Alloced())

	bp.Put(b1)
	bp.Put(b2)
	bp.Put(b3)
	assert.Equal(t, 3, bp.InUse())
	assert.Equal(t, 2, bp.InPool())
	assert.Equal(t, 5, bp.Alloced())

	bp.PutN(bs)
	assert.Equal(t, 0, bp.InUse())
	assert.Equal(t, 2, bp.InPool())
	assert.Equal(t, 2, bp.Alloced())

	addr := func(b []byte) string {
		return fmt.Sprintf("%p", &b[0])
	}
	b1a := bp.Get()
	assert.Equal(t, addr(b2), addr(b1a))
	assert.Equal(t, 1, bp.InPool())

	b2a := bp.Get()
	assert.Equal(t, addr(b1), addr(b2a))
	assert.Equal(t, 0, bp.InPool())

	bp.Put(b1a)
	bp.Put(b2a)
	assert.Equal(t, 2, bp.InPool())
	assert.Equal(t, 2, bp.Alloced())

	assert.Panics(t, func() {
		bp.Put(make([]byte, 1))
	})

	bp.Flush()
	assert.Equal(t, 0, bp.InUse())
	assert.Equal(t, 0, bp.InPool())
	assert.Equal(t, 0, bp.Alloced())
}

func TestPoolGetPut(t *testing.T) {
	t.Run("reliable", func(t *testing.T) { testGetPut(t, false) })
	t.Run("canFail", func(t *testing.T) { testGetPut(t, true) })
}

func TestPoolFlusher(t *testing.T) {
	bp := New(50*time.Millisecond, 4096, 2)

	b1 := bp.Get()
	b2 := bp.Get()
	b3 := bp.Get()
	bp.Put(b1)
	bp.Put(b2)
	bp.Put(b3)
	assert.Equal(t, 0, bp.InUse())
	assert.Equal(t, 2, bp.InPool())

	var n int
	for i := 0; i < 10; i++ {
		time.Sleep(100 * time.Millisecond)
		n = bp.InPool()
		if n == 0 {
			break
		}
	}
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, bp.Alloced())
}

func TestPoolManualAging(t *testing.T) {
	bp := New(100*time.Second, 4096, 2)

	b1 := bp.Get()
	b2 := bp.Get()
	bp.Put(b1)
	bp.Put(b2)

	bp.mu.Lock()
	assert.Equal(t, 0, bp.minFill)
	assert.True(t, bp.flushPending)
	bp.mu.Unlock()

	bp.flushAged()
	assert.Equal(t, 2, bp.InPool())
	bp.mu.Lock()
	assert.Equal(t, 2, bp.minFill)
	bp.mu.Unlock()

	bp.Put(bp.Get())
	bp.mu.Lock()
	assert.Equal(t, 1, bp.minFill)
	bp.mu.Unlock()

	bp.flushAged()
	assert.Equal(t, 1, bp.InPool())

	bp.flushAged()
	assert.Equal(t, 0, bp.InPool())
	assert.Equal(t, 0, bp.Alloced())
}

func TestBufferSizeConstant(t *testing.T) {
	assert.Equal(t, 2*1024*1024, BufferSize)
}
