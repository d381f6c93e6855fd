package blockcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 5: invalidating a byte range fully covered by the page drops
// its uptodate mark and any dirty content in that range without writing
// it back.
func TestSync_InvalidatePageRange(t *testing.T) {
	device := newMemDevice(16)
	inode := NewInode(1, nil, nil)
	mapping := inode.Mapping()
	cache := NewCache(1, 16, 75, 0)

	page := mapping.findOrCreate(0)
	require.NoError(t, growPageRing(page, cache, device, 16, 1, 0))
	bh := page.Blocks()[0]
	bh.markUptodate()
	MarkBHDirty(bh, time.Now())
	page.SetUptodate()

	InvalidatePageRange(page, 0, 16)

	assert.False(t, page.Uptodate())
	assert.False(t, bh.Uptodate())
	assert.False(t, bh.Dirty())
	assert.False(t, page.Dirty())
}

// Scenario 6: truncating at an offset inside a block zero-fills the tail
// of that block but leaves earlier blocks untouched.
func TestSync_TruncatePage(t *testing.T) {
	device := newMemDevice(8)
	inode := NewInode(1, nil, nil)
	mapping := inode.Mapping()
	cache := NewCache(1, 16, 75, 0)

	page := mapping.findOrCreate(0)
	require.NoError(t, growPageRing(page, cache, device, 8, 2, 0))
	blocks := page.Blocks()
	for _, bh := range blocks {
		for i := range bh.data {
			bh.data[i] = 0xFF
		}
		bh.markUptodate()
	}

	TruncatePage(page, 4) // truncate 4 bytes into the first 8-byte block

	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0}, blocks[0].Data())
	assert.False(t, blocks[1].Uptodate(), "blocks entirely past the truncation point are discarded")
}

func TestSync_FsyncAssociatedWritesAndClearsDirty(t *testing.T) {
	device := newMemDevice(16)
	sb := NewSuperblock(device, nil)
	inode := sb.GetOrCreateInode(1)

	bh := newBH(device, 0, 16)
	MarkBHDirtyInode(bh, inode, time.Now())
	require.Len(t, inode.associatedBuffers(), 1)

	require.NoError(t, FsyncAssociated(inode))
	assert.False(t, bh.Dirty())

	buf := make([]byte, 16)
	require.NoError(t, device.SubmitBlockIO(0, buf, false))
}

func TestSync_RemoveInodeBuffers(t *testing.T) {
	device := newMemDevice(16)
	sb := NewSuperblock(device, nil)
	inode := sb.GetOrCreateInode(7)
	_ = inode

	require.NoError(t, sb.RemoveInodeBuffers(7))

	again := sb.GetOrCreateInode(7)
	assert.Empty(t, again.associatedBuffers())
}

// RemoveInodeBuffers must refuse to drop a still-dirty associated buffer
// rather than silently discarding unwritten data.
func TestSync_RemoveInodeBuffersRefusesWhenDirty(t *testing.T) {
	device := newMemDevice(16)
	sb := NewSuperblock(device, nil)
	inode := sb.GetOrCreateInode(9)

	bh := newBH(device, 0, 16)
	MarkBHDirtyInode(bh, inode, time.Now())

	err := sb.RemoveInodeBuffers(9)
	require.Error(t, err)
	assert.True(t, IsDirtyBuffer(err))

	same := sb.GetOrCreateInode(9)
	assert.Len(t, same.associatedBuffers(), 1, "the dirty buffer must still be linked after a refused removal")
}
