package blockcache

import (
	"time"

	"github.com/zhukovaskychina/blockcache/logger"
)

// BlockMapper resolves a (inode, logical block) pair to a device block
// number, the Go analogue of a filesystem's get_block callback.
type BlockMapper interface {
	GetBlock(inode *Inode, logicalBlock int64, create bool) (deviceBlock int64, err error)
}

// InodeOps is the subset of filesystem inode operations the writeback
// engine calls back into, mirroring a_ops' writepage/writepages hooks at
// the inode level.
type InodeOps interface {
	WriteInode(inode *Inode, sync bool) error
}

// AddressSpaceOps mirrors a_ops' per-page hooks: writepage flushes one
// dirty page, readpage fills one not-uptodate page, invalidatepage drops
// a page's cached content without writing it back.
type AddressSpaceOps interface {
	WritePage(page *Page) error
	ReadPage(page *Page) error
	InvalidatePage(page *Page, offset, length int)
}

// defaultAddressSpaceOps implements AddressSpaceOps directly in terms of
// the package's own read/write paths, for callers that don't need custom
// per-filesystem page hooks.
type defaultAddressSpaceOps struct {
	stats *CacheStats
}

func (d *defaultAddressSpaceOps) WritePage(page *Page) error { return WriteFullPage(page, d.stats) }
func (d *defaultAddressSpaceOps) ReadPage(page *Page) error  { return ReadFullPage(page, d.stats) }
func (d *defaultAddressSpaceOps) InvalidatePage(page *Page, offset, length int) {
	InvalidatePageRange(page, offset, length)
}

// NewDefaultAddressSpaceOps builds the built-in AddressSpaceOps backed by
// stats.
func NewDefaultAddressSpaceOps(stats *CacheStats) AddressSpaceOps {
	return &defaultAddressSpaceOps{stats: stats}
}

// InvalidatePageRange drops the cached content of [offset, offset+length)
// within page: any BH that overlaps the range, even partly, is marked
// not-uptodate and, if dirty, its dirty mark is dropped without writing
// it back.
func InvalidatePageRange(page *Page, offset, length int) {
	blocks := page.Blocks()
	if len(blocks) == 0 {
		return
	}
	blockSize := blocks[0].size
	rangeEnd := offset + length

	allGone := true
	for i, bh := range blocks {
		blockStart := i * blockSize
		blockEnd := blockStart + blockSize
		if blockEnd <= offset || blockStart >= rangeEnd {
			allGone = false
			continue
		}
		if bh.Dirty() {
			bh.clearState(bhDirty)
			clearPageDirty(page)
		}
		bh.clearUptodate()
	}
	if allGone {
		page.ClearUptodate()
	}
}

// TruncatePage discards every BH in page's ring from byte offset onward,
// zero-filling any partial tail block that survives truncation.
func TruncatePage(page *Page, offset int) {
	blocks := page.Blocks()
	for i, bh := range blocks {
		blockStart := i * bh.size
		if blockStart >= offset {
			bh.clearUptodate()
			bh.clearState(bhDirty)
			continue
		}
		if blockStart+bh.size > offset {
			cut := offset - blockStart
			for j := cut; j < bh.size; j++ {
				bh.data[j] = 0
			}
		}
	}
}

// FsyncAssociated flushes every buffer on inode's associated-buffer list
// — metadata blocks with no page of their own — blocking until each has
// completed, mirroring fsync's associated-buffer pass.
func FsyncAssociated(inode *Inode) error {
	buffers := inode.associatedBuffers()
	var firstErr error
	for _, bh := range buffers {
		if !bh.Dirty() {
			continue
		}
		bh.Lock()
		err := bh.device.SubmitBlockIO(bh.blockNo, bh.data, true)
		if err != nil {
			bh.setState(bhWriteIOError)
			logger.Errorf("blockcache: FsyncAssociated block %d failed: %v", bh.blockNo, err)
			if firstErr == nil {
				firstErr = NewError("FsyncAssociated", ErrIOError)
			}
		} else {
			bh.clearState(bhDirty)
			bh.clearState(bhWriteIOError)
			inode.mu.Lock()
			if inode.dirtyBH > 0 {
				inode.dirtyBH--
			}
			inode.mu.Unlock()
		}
		bh.Unlock()
	}
	return firstErr
}

// InvalidateDevice drops every cached BH belonging to device from cache,
// for the "device gone away" path. Pages held by mappings, and the BH
// rings attached to them, are not touched.
func InvalidateDevice(cache *Cache, device Device) {
	cache.InvalidateDevice(device)
}

// GetBlock resolves a logical block through mapper and either finds or
// grows its BH — attached to its page's full sibling ring via
// GetOrCreateBH — the top-level entry point a filesystem's read/write
// path calls. The returned BH is pinned; the caller must Put() it when
// done with it.
func GetBlock(cache *Cache, mapper BlockMapper, inode *Inode, logicalBlock int64, blockSize, pageSize int, create bool) (*BH, error) {
	deviceBlock, err := mapper.GetBlock(inode, logicalBlock, create)
	if err != nil {
		return nil, NewError("GetBlock", err)
	}
	device := inode.superblock.Device()
	return cache.GetOrCreateBH(inode.Mapping(), device, deviceBlock, blockSize, pageSize)
}

// WriteInode flushes inode's associated buffers and, if sync is true,
// blocks until its page-backed dirty content has also been written back.
func WriteInode(bdi *BDI, inode *Inode, sync bool) error {
	if err := FsyncAssociated(inode); err != nil {
		return err
	}
	if !sync {
		bdi.noteDirtyInode(inode)
		return nil
	}
	return SyncInode(bdi, inode)
}

// now is the single time source the public sync API reaches for, kept as
// a var so tests can substitute a deterministic clock.
var now = time.Now
