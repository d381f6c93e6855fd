package blockcache

import "sync"

// Superblock is the top-level handle for one mounted device: its inode
// table and the s_umount rwsem that keeps writeback and unmount from
// racing. Readers (any writeback or sync operation) take
// the read side; an unmount takes the write side and waits for every
// in-flight operation to drain before tearing the device down.
type Superblock struct {
	mu      sync.RWMutex // s_umount
	device  Device
	inodes  map[uint64]*Inode
	nextID  uint64
	bdi     *BDI
}

func NewSuperblock(device Device, bdi *BDI) *Superblock {
	return &Superblock{
		device: device,
		inodes: make(map[uint64]*Inode),
		bdi:    bdi,
	}
}

// GetOrCreateInode returns the Inode for id, creating it if this is the
// first reference. Held under s_umount's read lock so it can't race an
// in-progress unmount.
func (sb *Superblock) GetOrCreateInode(id uint64) *Inode {
	sb.mu.RLock()
	if in, ok := sb.inodes[id]; ok {
		sb.mu.RUnlock()
		return in
	}
	sb.mu.RUnlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if in, ok := sb.inodes[id]; ok {
		return in
	}
	in := NewInode(id, sb, sb.bdi)
	sb.inodes[id] = in
	return in
}

// RemoveInodeBuffers drops an inode's mapping and associated-buffer list
// entirely without writing anything back — for the case a filesystem
// tells the cache an inode is gone for good. It is all-or-nothing: if
// any associated buffer is still dirty, removing it now would discard
// unwritten data, so the call fails and leaves the inode untouched.
func (sb *Superblock) RemoveInodeBuffers(id uint64) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	in, ok := sb.inodes[id]
	if !ok {
		return nil
	}
	buffers := in.associatedBuffers()
	for _, bh := range buffers {
		if bh.Dirty() {
			return NewError("RemoveInodeBuffers", ErrDirtyBuffer)
		}
	}
	for _, bh := range buffers {
		removeAssocLocked(bh)
	}
	delete(sb.inodes, id)
	return nil
}

// Device returns the superblock's backing device.
func (sb *Superblock) Device() Device { return sb.device }

// SyncSuperblock writes back every dirty inode under sb, holding
// s_umount's read lock for the duration so an unmount can't proceed
// concurrently, the same way sync_all holds it.
func SyncSuperblock(sb *Superblock) error {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return WritebackInodesSB(sb.bdi, sb)
}

// Unmount takes s_umount's write side, which blocks until every
// in-flight sync/writeback operation holding the read side has finished,
// then stops the BDI's background workers.
func (sb *Superblock) Unmount() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.bdi != nil {
		sb.bdi.Stop()
	}
}
