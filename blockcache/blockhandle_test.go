package blockcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P1: a freshly grown BH is mapped but neither dirty nor uptodate until
// it's read or written through.
func TestBlockHandle_InitialState(t *testing.T) {
	device := newMemDevice(4096)
	cache := NewCache(1, 16, 75, 0)

	bh, err := cache.GrowBH(device, 0, 4096)
	require.NoError(t, err)
	assert.True(t, bh.Mapped())
	assert.False(t, bh.Dirty())
	assert.False(t, bh.Uptodate())
}

// P2: Lock/Unlock is mutually exclusive and FIFO-fair enough that a
// blocked Lock() always succeeds once the holder calls Unlock().
func TestBlockHandle_LockUnlock(t *testing.T) {
	device := newMemDevice(4096)
	bh := newBH(device, 0, 4096)

	require.True(t, bh.TryLock())
	assert.False(t, bh.TryLock(), "second TryLock must fail while held")

	done := make(chan struct{})
	go func() {
		bh.Lock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Lock() returned before Unlock()")
	default:
	}

	bh.Unlock()
	<-done
	assert.True(t, bh.Locked())
	bh.Unlock()
	assert.False(t, bh.Locked())
}

func TestBlockHandle_GetPutRefCount(t *testing.T) {
	device := newMemDevice(4096)
	bh := newBH(device, 0, 4096)

	assert.EqualValues(t, 0, bh.RefCount())
	bh.Get()
	bh.Get()
	assert.EqualValues(t, 2, bh.RefCount())
	bh.Put()
	assert.EqualValues(t, 1, bh.RefCount())
	bh.Put()
	assert.EqualValues(t, 0, bh.RefCount())

	// releasing an already-free BH must not panic or go negative.
	bh.Put()
	assert.EqualValues(t, 0, bh.RefCount())
}

func TestCache_FindBH_GrowBH_SameKey(t *testing.T) {
	device := newMemDevice(4096)
	cache := NewCache(4, 16, 75, 0)

	bh1, err := cache.GrowBH(device, 5, 4096)
	require.NoError(t, err)

	found, ok := cache.FindBH(device, 5)
	require.True(t, ok, "a grown BH must be immediately findable, promoted from old to young on first access")
	assert.Same(t, bh1, found)

	bh2, err := cache.GrowBH(device, 5, 4096)
	require.NoError(t, err)
	assert.Same(t, bh1, bh2)
}
