package blockcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRingPage(t *testing.T, device Device, blockSize, n int) *Page {
	t.Helper()
	mapping := newMapping(NewInode(1, nil, nil))
	page := mapping.findOrCreate(0)
	blocks := make([]*BH, n)
	for i := 0; i < n; i++ {
		bh := newBH(device, int64(i), blockSize)
		blocks[i] = bh
	}
	page.attachBlocks(blocks)
	return page
}

// P3: a page only becomes uptodate once every BH in its ring has
// completed its async read — completion of the first N-1 siblings must
// not prematurely mark the page uptodate.
func TestCompletion_ReadCoalescing(t *testing.T) {
	device := newMemDevice(512)
	page := makeRingPage(t, device, 512, 3)
	page.Lock()

	blocks := page.Blocks()
	for _, bh := range blocks {
		bh.setState(bhAsyncRead)
	}

	EndBufferAsyncRead(blocks[0], nil)
	assert.False(t, page.Uptodate(), "page must not be uptodate until every sibling completes")
	assert.True(t, page.IsLocked())

	EndBufferAsyncRead(blocks[1], nil)
	assert.False(t, page.Uptodate())
	assert.True(t, page.IsLocked())

	EndBufferAsyncRead(blocks[2], nil)
	assert.True(t, page.Uptodate(), "the last sibling to complete marks the page uptodate")
	assert.False(t, page.IsLocked(), "the last sibling to complete unlocks the page")
}

// An IO error on any sibling must mark the page errored and keep it off
// the uptodate path, even once every sibling has "completed".
func TestCompletion_ReadErrorPropagates(t *testing.T) {
	device := newMemDevice(512)
	page := makeRingPage(t, device, 512, 2)
	page.Lock()

	blocks := page.Blocks()
	blocks[0].setState(bhAsyncRead)
	blocks[1].setState(bhAsyncRead)

	EndBufferAsyncRead(blocks[0], assert.AnError)
	assert.True(t, page.IsLocked(), "page must stay locked while a sibling read is still in flight")
	EndBufferAsyncRead(blocks[1], nil)

	require.True(t, page.HasError())
	assert.False(t, page.Uptodate())
	assert.False(t, page.IsLocked(), "the last sibling to complete must still unlock the page even after an error")
}

// Writeback coalescing: the page keeps its writeback flag set until every
// dirty sibling's async write completes.
func TestCompletion_WriteCoalescing(t *testing.T) {
	device := newMemDevice(512)
	page := makeRingPage(t, device, 512, 2)
	page.setWriteback()
	page.Lock()

	blocks := page.Blocks()
	for _, bh := range blocks {
		bh.setState(bhDirty)
		bh.setState(bhAsyncWrite)
	}
	page.setFlag(flagDirty)

	EndBufferAsyncWrite(blocks[0], nil)
	assert.True(t, page.Writeback(), "writeback flag stays set until the last sibling finishes")

	EndBufferAsyncWrite(blocks[1], nil)
	assert.False(t, page.Writeback())
	assert.False(t, page.IsLocked())
	assert.False(t, page.Dirty(), "a fully-written-back page is no longer dirty")
}
