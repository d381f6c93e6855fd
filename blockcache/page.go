package blockcache

import (
	"sort"
	"sync"
	"sync/atomic"
)

// pageFlag bits mirror the classic uptodate/dirty/locked/writeback/error
// page flags: independent bits on one word, tested and set atomically so
// a reader never needs the page's own lock just to check status.
type pageFlag uint32

const (
	flagUptodate pageFlag = 1 << iota
	flagDirty
	flagLocked
	flagWriteback
	flagError
)

// Page is one cache slot: a fixed-size window into a Mapping's address
// space, backed by a ring of BH block handles that tile it. A Page never
// owns its block handles' I/O directly — it's the coalescing point for the
// blocks that share its uptodate/dirty/writeback state.
type Page struct {
	mapping *Mapping
	index   uint64 // offset into the mapping, in page-size units

	flags uint32 // pageFlag bits, sync/atomic only

	lockSem chan struct{} // 1-buffered: held == empty, free == full

	mu     sync.Mutex // guards blocks/refCount; NOT the bit-lock above
	blocks []*BH      // ring of block handles tiling this page
	refCount int32

	completionMu sync.Mutex // serializes async I/O completion coalescing

	private *BH // first BH of the ring; completion coalescing point
}

func newPage(mapping *Mapping, index uint64) *Page {
	p := &Page{
		mapping: mapping,
		index:   index,
		lockSem: make(chan struct{}, 1),
	}
	p.lockSem <- struct{}{}
	return p
}

func (p *Page) testFlag(f pageFlag) bool {
	return atomic.LoadUint32(&p.flags)&uint32(f) != 0
}

func (p *Page) setFlag(f pageFlag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if old&uint32(f) != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&p.flags, old, old|uint32(f)) {
			return
		}
	}
}

func (p *Page) clearFlag(f pageFlag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if old&uint32(f) == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&p.flags, old, old&^uint32(f)) {
			return
		}
	}
}

func (p *Page) Uptodate() bool  { return p.testFlag(flagUptodate) }
func (p *Page) SetUptodate()    { p.setFlag(flagUptodate) }
func (p *Page) ClearUptodate()  { p.clearFlag(flagUptodate) }

func (p *Page) Dirty() bool { return p.testFlag(flagDirty) }

func (p *Page) Writeback() bool     { return p.testFlag(flagWriteback) }
func (p *Page) setWriteback()       { p.setFlag(flagWriteback) }
func (p *Page) clearWriteback()     { p.clearFlag(flagWriteback) }

func (p *Page) HasError() bool { return p.testFlag(flagError) }
func (p *Page) SetError()      { p.setFlag(flagError) }
func (p *Page) ClearError()    { p.clearFlag(flagError) }

// Lock acquires the page's bit-lock, blocking the caller's goroutine (not
// spinning) until it's free — the Go analogue of lock_page's sleep on the
// bit, using a buffered channel as the wait queue.
func (p *Page) Lock() {
	<-p.lockSem
	p.setFlag(flagLocked)
}

// TryLock attempts the bit-lock without blocking.
func (p *Page) TryLock() bool {
	select {
	case <-p.lockSem:
		p.setFlag(flagLocked)
		return true
	default:
		return false
	}
}

// Unlock releases the bit-lock and wakes the next waiter.
func (p *Page) Unlock() {
	p.clearFlag(flagLocked)
	p.lockSem <- struct{}{}
}

func (p *Page) IsLocked() bool { return p.testFlag(flagLocked) }

// attachBlocks installs the ring of block handles that tile this page.
// Called once, when the page is populated by GetOrCreateBH/growPageRing.
func (p *Page) attachBlocks(blocks []*BH) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks = blocks
	for _, b := range blocks {
		b.page = p
	}
	if len(blocks) > 0 {
		p.private = blocks[0]
	}
}

// Blocks returns the page's block-handle ring.
func (p *Page) Blocks() []*BH {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*BH, len(p.blocks))
	copy(out, p.blocks)
	return out
}

// tryReleaseBlocks detaches the ring if every BH is clean, unlocked, and
// unreferenced — the precondition try_to_release_page checks before
// letting a page fall out of the cache.
func (p *Page) tryReleaseBlocks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.blocks {
		if b.Dirty() || b.Locked() || atomic.LoadInt32(&b.refCount) > 0 {
			return false
		}
	}
	p.blocks = nil
	p.private = nil
	return true
}

// Mapping is one inode's page address space: the tree_lock-guarded map
// from page index to Page ("Mapping" here plays the role of a
// filesystem's address space). There is no separate dirty tag set;
// dirtyPages finds dirty pages by scanning the map.
type Mapping struct {
	mu    sync.RWMutex // tree_lock
	inode *Inode
	pages map[uint64]*Page
}

func newMapping(inode *Inode) *Mapping {
	return &Mapping{inode: inode, pages: make(map[uint64]*Page)}
}

func (m *Mapping) find(index uint64) (*Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[index]
	return p, ok
}

func (m *Mapping) findOrCreate(index uint64) *Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[index]; ok {
		return p
	}
	p := newPage(m, index)
	m.pages[index] = p
	return p
}

func (m *Mapping) remove(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, index)
}

// dirtyPages returns every page currently marked dirty, in index order.
func (m *Mapping) dirtyPages() []*Page {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Page
	for _, p := range m.pages {
		if p.Dirty() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}
