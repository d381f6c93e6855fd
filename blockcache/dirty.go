package blockcache

import (
	"sync"
	"time"
)

// Inode is the writeback engine's view of one file: its page mapping,
// its associated-buffer list (metadata blocks that have no page of their
// own but must still reach disk on fsync), and the bookkeeping the BDI
// needs to decide when it's due for writeback.
type Inode struct {
	ID      uint64
	mapping *Mapping

	mu sync.Mutex

	dirtyBH      int32     // dirty pages plus associated-buffer dirtyings attributed to this inode
	dirtiedWhen  time.Time // oldest dirtying time among its dirty buffers
	state        inodeState

	assocHead *BH // associated-buffer list head (ring via assocNext/assocPrev)

	superblock *Superblock
	bdi        *BDI
}

type inodeState int

const (
	inodeClean inodeState = iota
	inodeDirty
	inodeDirtySync // under an in-flight writeback pass
)

// NewInode creates an Inode bound to sb and bdi, together with its
// (empty) page mapping, which Mapping() returns.
func NewInode(id uint64, sb *Superblock, bdi *BDI) *Inode {
	in := &Inode{ID: id, superblock: sb, bdi: bdi}
	in.mapping = newMapping(in)
	return in
}

func (in *Inode) Mapping() *Mapping { return in.mapping }

func (in *Inode) isDirty() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state != inodeClean
}

func (in *Inode) dirtyCount() int32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dirtyBH
}

// markDirtyLocked records dirtiedWhen the first time an inode transitions
// clean -> dirty, the timestamp move_expired later compares against
// dirty_expire_interval.
func (in *Inode) markDirtyLocked(now time.Time) {
	if in.state == inodeClean {
		in.dirtiedWhen = now
	}
	if in.state != inodeDirtySync {
		in.state = inodeDirty
	}
}

// MarkBHDirty implements the BH -> Page -> Mapping -> Inode dirty
// propagation protocol: setting a BH dirty dirties its owning page
// exactly once, which dirties the page's mapping's inode exactly
// once, so redundant marks of an already-dirty BH are cheap no-ops.
func MarkBHDirty(bh *BH, now time.Time) {
	if bh.testState(bhDirty) {
		return
	}
	bh.setState(bhDirty)

	page := bh.page
	if page == nil {
		return
	}
	MarkPageDirty(page, now)
}

// MarkPageDirty sets a page dirty and, the first time, propagates the
// mark to its mapping's inode.
func MarkPageDirty(page *Page, now time.Time) {
	if page.testFlag(flagDirty) {
		return
	}
	page.setFlag(flagDirty)

	m := page.mapping
	if m == nil || m.inode == nil {
		return
	}
	inode := m.inode
	inode.mu.Lock()
	defer inode.mu.Unlock()
	inode.dirtyBH++
	inode.markDirtyLocked(now)
	if inode.bdi != nil {
		inode.bdi.noteDirtyInode(inode)
	}
}

// clearPageDirty is called once a page's dirty content has been written
// back successfully; it decrements the owning inode's dirty count and
// clears the inode's dirty state once it reaches zero.
func clearPageDirty(page *Page) {
	if !page.testFlag(flagDirty) {
		return
	}
	page.clearFlag(flagDirty)

	m := page.mapping
	if m == nil || m.inode == nil {
		return
	}
	inode := m.inode
	inode.mu.Lock()
	defer inode.mu.Unlock()
	if inode.dirtyBH > 0 {
		inode.dirtyBH--
	}
	if inode.dirtyBH == 0 && inode.state != inodeDirtySync {
		inode.state = inodeClean
	}
}

// MarkBHDirtyInode marks bh dirty and additionally links it into inode's
// associated-buffer list, for buffers that carry inode metadata rather
// than page content — e.g. an indirect block that has no
// Page of its own. Grounded on the pin-before-flush bookkeeping in
// other_examples' SyndrDB buffer manager, adapted to a doubly linked BH
// ring instead of a pin-count map.
func MarkBHDirtyInode(bh *BH, inode *Inode, now time.Time) {
	bh.setState(bhDirty)

	inode.mu.Lock()
	defer inode.mu.Unlock()
	if bh.assocMapping != inode.mapping {
		removeAssocLocked(bh)
		bh.assocMapping = inode.mapping
		insertAssocLocked(inode, bh)
	}
	inode.dirtyBH++
	inode.markDirtyLocked(now)
	if inode.bdi != nil {
		inode.bdi.noteDirtyInode(inode)
	}
}

func insertAssocLocked(inode *Inode, bh *BH) {
	if inode.assocHead == nil {
		inode.assocHead = bh
		bh.assocNext = bh
		bh.assocPrev = bh
		return
	}
	tail := inode.assocHead.assocPrev
	tail.assocNext = bh
	bh.assocPrev = tail
	bh.assocNext = inode.assocHead
	inode.assocHead.assocPrev = bh
}

func removeAssocLocked(bh *BH) {
	if bh.assocMapping == nil {
		return
	}
	inode := bh.assocMapping.inode
	if bh.assocNext == bh {
		if inode != nil {
			inode.assocHead = nil
		}
	} else {
		bh.assocPrev.assocNext = bh.assocNext
		bh.assocNext.assocPrev = bh.assocPrev
		if inode != nil && inode.assocHead == bh {
			inode.assocHead = bh.assocNext
		}
	}
	bh.assocNext = nil
	bh.assocPrev = nil
	bh.assocMapping = nil
}

// associatedBuffers returns every BH currently linked into the inode's
// associated-buffer list, snapshotted under the inode lock.
func (in *Inode) associatedBuffers() []*BH {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.assocHead == nil {
		return nil
	}
	var out []*BH
	cur := in.assocHead
	for {
		out = append(out, cur)
		cur = cur.assocNext
		if cur == in.assocHead {
			break
		}
	}
	return out
}
