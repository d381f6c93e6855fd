package blockcache

import (
	"sync/atomic"

	"github.com/zhukovaskychina/blockcache/logger"
)

// bhState bits mirror the classic buffer_head state flags: independent
// bits tested/set with atomic ops so a hot path (is this BH dirty?) never
// needs to take a lock.
type bhState uint32

const (
	bhUptodate bhState = 1 << iota
	bhDirty
	bhLock
	bhReq          // block has been submitted for IO at least once
	bhMapped       // block number corresponds to a real device block
	bhNew          // block was just allocated, content undefined
	bhAsyncRead    // pending async read, completion will run b_end_io
	bhAsyncWrite   // pending async write, completion will run b_end_io
	bhDelay        // block is delay-allocated, not yet mapped to a device block
	bhBoundary     // last block of a page's ring, set by buildPageRing
	bhWriteIOError // last writeback of this BH failed
)

// BH is a block handle: the unit of I/O and dirty tracking, one per
// device block within a Page's ring.
type BH struct {
	device  Device
	blockNo int64
	size    int
	data    []byte

	state    uint32 // bhState bits, sync/atomic only
	refCount int32  // sync/atomic

	lockSem chan struct{} // sleepable lock_buffer bit-lock, 1-buffered

	page *Page // owning page, set by attachBlocks
	next *BH   // ring successor, wraps to the ring's first BH

	// associated-buffer list membership: non-nil assocMapping means this
	// BH is linked into that inode's associated buffer list for fsync,
	// independent of whether the BH's own page belongs to it.
	assocMapping *Mapping
	assocNext    *BH
	assocPrev    *BH
}

func newBH(device Device, blockNo int64, size int) *BH {
	b := &BH{
		device:  device,
		blockNo: blockNo,
		size:    size,
		data:    make([]byte, size),
		lockSem: make(chan struct{}, 1),
	}
	b.lockSem <- struct{}{}
	return b
}

func (b *BH) testState(f bhState) bool {
	return atomic.LoadUint32(&b.state)&uint32(f) != 0
}

func (b *BH) setState(f bhState) {
	for {
		old := atomic.LoadUint32(&b.state)
		if old&uint32(f) != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&b.state, old, old|uint32(f)) {
			return
		}
	}
}

func (b *BH) clearState(f bhState) {
	for {
		old := atomic.LoadUint32(&b.state)
		if old&uint32(f) == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&b.state, old, old&^uint32(f)) {
			return
		}
	}
}

func (b *BH) Uptodate() bool { return b.testState(bhUptodate) }
func (b *BH) Dirty() bool    { return b.testState(bhDirty) }
func (b *BH) Mapped() bool   { return b.testState(bhMapped) }
func (b *BH) New() bool      { return b.testState(bhNew) }
func (b *BH) WriteIOError() bool { return b.testState(bhWriteIOError) }
func (b *BH) Boundary() bool { return b.testState(bhBoundary) }

func (b *BH) BlockNo() int64 { return b.blockNo }
func (b *BH) Size() int      { return b.size }

// Data returns the BH's backing byte slice. Callers must hold the BH's
// lock (Lock/TryLock) before mutating it.
func (b *BH) Data() []byte { return b.data }

// Locked reports whether the BH's bit-lock is currently held.
func (b *BH) Locked() bool { return b.testState(bhLock) }

// Lock acquires the per-BH bit-lock, blocking the calling goroutine until
// it is free (the Go analogue of lock_buffer's sleep-on-bit).
func (b *BH) Lock() {
	<-b.lockSem
	b.setState(bhLock)
}

// TryLock attempts the bit-lock without blocking.
func (b *BH) TryLock() bool {
	select {
	case <-b.lockSem:
		b.setState(bhLock)
		return true
	default:
		return false
	}
}

// Unlock releases the bit-lock and wakes the next waiter, mirroring
// unlock_buffer's wake_up_bit.
func (b *BH) Unlock() {
	b.clearState(bhLock)
	b.lockSem <- struct{}{}
}

// Get takes a reference on the BH; Put releases one. A BH with a positive
// refCount is pinned in the cache and won't be reclaimed by growBH's
// eviction path.
func (b *BH) Get() *BH {
	atomic.AddInt32(&b.refCount, 1)
	return b
}

func (b *BH) Put() {
	if n := atomic.AddInt32(&b.refCount, -1); n < 0 {
		// double release: a caller bug, not a crash — make it visible.
		atomic.StoreInt32(&b.refCount, 0)
		logReleaseUnderflow(b)
	}
}

func (b *BH) RefCount() int32 { return atomic.LoadInt32(&b.refCount) }

func logReleaseUnderflow(b *BH) {
	logger.Warnf("blockcache: release of already-free BH block=%d", b.blockNo)
}

// markUptodate and clearUptodate set and clear BH_Uptodate with atomic
// bit operations; they take no lock.
func (b *BH) markUptodate()    { b.setState(bhUptodate) }
func (b *BH) clearUptodate()   { b.clearState(bhUptodate) }

func (b *BH) markMapped()   { b.setState(bhMapped) }
func (b *BH) markNew()      { b.setState(bhNew) }
func (b *BH) clearNew()     { b.clearState(bhNew) }
func (b *BH) setBoundary()  { b.setState(bhBoundary) }

// ring returns every BH sharing this BH's page, starting from this BH, in
// ring order — nil if this BH has no page (detached or newly allocated).
func (b *BH) ring() []*BH {
	if b.page == nil {
		return nil
	}
	return b.page.Blocks()
}
